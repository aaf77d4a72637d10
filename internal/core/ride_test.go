package core

import (
	"context"
	"io"
	"testing"
	"time"

	"example.com/bpr/services/fleet/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func timeUnix(ts int64) time.Time { return time.Unix(ts, 0) }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testRideConfig() config.RideConfig {
	return config.RideConfig{
		MinMovementMeters: 5.0,
		MinTripMeters:     80.0,
		RSSIScaleFactor:   8.0,
		CO2PerKmGrams:     145.0,
	}
}

func TestHaversineMeters(t *testing.T) {
	// One ten-thousandth of a degree of longitude on the equator.
	a := Coordinates{Latitude: 0, Longitude: 0}
	b := Coordinates{Latitude: 0, Longitude: 0.0001}
	require.InDelta(t, 11.13, haversineMeters(a, b), 0.05)

	require.Zero(t, haversineMeters(a, a))
}

func TestRSSIDistanceMeters(t *testing.T) {
	prev := ScanRecord{Networks: []Network{
		{BSSID: "aa:01", RSSI: -50},
		{BSSID: "aa:02", RSSI: -60},
		{BSSID: "aa:03", RSSI: -70},
	}}
	curr := ScanRecord{Networks: []Network{
		{BSSID: "aa:01", RSSI: -52},
		{BSSID: "aa:02", RSSI: -64},
		{BSSID: "aa:03", RSSI: -76},
	}}

	// Mean of |2|, |4|, |6| is 4, scaled by 8.
	require.InDelta(t, 32.0, rssiDistanceMeters(prev, curr, 8.0), 1e-9)
}

func TestRSSIDistanceNoCommonNetworks(t *testing.T) {
	prev := ScanRecord{Networks: []Network{{BSSID: "aa:01", RSSI: -50}}}
	curr := ScanRecord{Networks: []Network{{BSSID: "bb:01", RSSI: -55}}}
	require.Zero(t, rssiDistanceMeters(prev, curr, 8.0))
}

func TestReconstructInsufficientData(t *testing.T) {
	r := NewReconstructor(testRideConfig(), nil, testLogger())

	_, err := r.Reconstruct(context.Background(), nil)
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = r.Reconstruct(context.Background(), &Session{Scans: []ScanRecord{{Timestamp: 1}}})
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestReconstructShortTripDiscarded(t *testing.T) {
	r := NewReconstructor(testRideConfig(), nil, testLogger())

	// Two scans with identical signal readings: no movement evidence.
	nets := []Network{{BSSID: "aa:01", RSSI: -50}}
	session := &Session{
		ID:       "20250101_0900",
		DeviceID: "bpr-1",
		Start:    1000,
		Scans: []ScanRecord{
			{Timestamp: 1000, Networks: nets},
			{Timestamp: 1300, Networks: nets},
		},
	}

	ride, err := r.Reconstruct(context.Background(), session)
	require.NoError(t, err)
	require.Nil(t, ride)
}

func TestReconstructRSSIFallback(t *testing.T) {
	r := NewReconstructor(testRideConfig(), nil, testLogger())

	// Four scans with a mean signal delta of 4 dBm between neighbors:
	// 3 segments of 32 meters each, 96 meters total.
	scans := make([]ScanRecord, 4)
	for i := range scans {
		scans[i] = ScanRecord{
			Timestamp: int64(1000 + i*300),
			Networks: []Network{
				{BSSID: "aa:01", RSSI: -50 - 2*i},
				{BSSID: "aa:02", RSSI: -60 - 6*i},
			},
		}
	}
	end := int64(1900)
	session := &Session{
		ID:       "20250101_0900",
		DeviceID: "bpr-1",
		Start:    1000,
		End:      &end,
		Scans:    scans,
	}

	ride, err := r.Reconstruct(context.Background(), session)
	require.NoError(t, err)
	require.NotNil(t, ride)

	require.Equal(t, "bpr-1", ride.DeviceID)
	require.InDelta(t, 0.096, ride.DistanceKm, 1e-9)
	require.Equal(t, 14, ride.CO2SavedGrams) // 0.096 km * 145 g/km, rounded
	require.Equal(t, 3, ride.MovementPoints)
	require.Equal(t, 4, ride.PointCount)
	require.Equal(t, 2, ride.NetworkCount)
	require.Equal(t, 15, ride.DurationMin)
	require.Empty(t, ride.Route)
}

func TestMovementAtThresholdDoesNotAccrue(t *testing.T) {
	cfg := testRideConfig()
	cfg.MinMovementMeters = 8.0
	cfg.MinTripMeters = 10.0
	r := NewReconstructor(cfg, nil, testLogger())

	// One common network drifting 1 dBm per segment puts every segment at
	// exactly the movement threshold; nothing accrues until it is exceeded.
	scans := make([]ScanRecord, 4)
	for i := range scans {
		scans[i] = ScanRecord{
			Timestamp: int64(1000 + i*300),
			Networks:  []Network{{BSSID: "aa:01", RSSI: -50 - i}},
		}
	}
	session := &Session{ID: "20250101_0900", DeviceID: "bpr-1", Start: 1000, Scans: scans}

	ride, err := r.Reconstruct(context.Background(), session)
	require.NoError(t, err)
	require.Nil(t, ride)
}

type stubResolver struct {
	positions map[string]*Coordinates
}

func (s *stubResolver) Resolve(_ context.Context, networks []Network) (*Coordinates, error) {
	return s.positions[networks[0].BSSID], nil
}

func TestReconstructResolvedRoute(t *testing.T) {
	resolver := &stubResolver{positions: map[string]*Coordinates{
		"aa:01": {Latitude: 0, Longitude: 0},
		"aa:02": {Latitude: 0, Longitude: 0.001},
		"aa:03": {Latitude: 0, Longitude: 0.002},
	}}
	r := NewReconstructor(testRideConfig(), resolver, testLogger())

	session := &Session{
		ID:       "20250101_0900",
		DeviceID: "bpr-1",
		Start:    1000,
		Scans: []ScanRecord{
			{Timestamp: 1000, Networks: []Network{{BSSID: "aa:01", RSSI: -50}}},
			{Timestamp: 1300, Networks: []Network{{BSSID: "aa:02", RSSI: -55}}},
			{Timestamp: 1600, Networks: []Network{{BSSID: "aa:03", RSSI: -60}}},
		},
	}

	ride, err := r.Reconstruct(context.Background(), session)
	require.NoError(t, err)
	require.NotNil(t, ride)

	// Two segments of ~111.3 meters each.
	require.InDelta(t, 0.223, ride.DistanceKm, 0.001)
	require.Len(t, ride.Route, 3)
	require.Equal(t, 2, ride.MovementPoints)
}

func TestRideTrackerLifecycle(t *testing.T) {
	tracker := NewRideTracker(testRideConfig(), nil, testLogger())

	require.False(t, tracker.HasActiveRide("bpr-1"))
	start := timeUnix(1000)
	tracker.StartRide("bpr-1", start)
	require.True(t, tracker.HasActiveRide("bpr-1"))

	tracker.AddPoint("bpr-1", Coordinates{Latitude: 0, Longitude: 0})
	tracker.AddPoint("bpr-1", Coordinates{Latitude: 0, Longitude: 0.001})
	// Jitter below the movement threshold does not accrue.
	tracker.AddPoint("bpr-1", Coordinates{Latitude: 0, Longitude: 0.001000001})

	ride, err := tracker.FinishRide(context.Background(), "bpr-1", timeUnix(1600))
	require.NoError(t, err)
	require.NotNil(t, ride)
	require.InDelta(t, 0.111, ride.DistanceKm, 0.001)
	require.Equal(t, 2, ride.PointCount)
	require.False(t, tracker.HasActiveRide("bpr-1"))

	_, err = tracker.FinishRide(context.Background(), "bpr-1", timeUnix(1700))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRideTrackerCancelDiscards(t *testing.T) {
	tracker := NewRideTracker(testRideConfig(), nil, testLogger())
	tracker.StartRide("bpr-1", timeUnix(1000))
	tracker.CancelRide("bpr-1")
	require.False(t, tracker.HasActiveRide("bpr-1"))
}
