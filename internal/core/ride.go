// services/fleet/internal/core/ride.go
package core

import (
	"context"
	"math"
	"sync"
	"time"

	"example.com/bpr/services/fleet/config"
	"github.com/sirupsen/logrus"
)

const earthRadiusMeters = 6371000.0

// Resolver turns a set of observed networks into a geographic position.
// A (nil, nil) return means the lookup succeeded but produced no usable fix.
type Resolver interface {
	Resolve(ctx context.Context, networks []Network) (*Coordinates, error)
}

// RideSink persists computed ride summaries.
type RideSink interface {
	SaveRide(ctx context.Context, ride *Ride) error
}

// haversineMeters returns the great-circle distance between two positions.
func haversineMeters(a, b Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// rssiDistanceMeters estimates movement between two scans from signal-strength
// drift across the networks both scans observed. Zero common networks means no
// evidence of movement, which yields zero.
func rssiDistanceMeters(prev, curr ScanRecord, scale float64) float64 {
	byBSSID := make(map[string]int, len(prev.Networks))
	for _, n := range prev.Networks {
		byBSSID[n.BSSID] = n.RSSI
	}

	var sum float64
	var common int
	for _, n := range curr.Networks {
		if rssi, ok := byBSSID[n.BSSID]; ok {
			sum += math.Abs(float64(n.RSSI - rssi))
			common++
		}
	}
	if common == 0 {
		return 0
	}
	return (sum / float64(common)) * scale
}

// Reconstructor derives trip summaries from closed sessions. Coordinates
// missing from a scan are resolved lazily through the resolver; segments that
// still lack a position on either end fall back to the RSSI estimate.
type Reconstructor struct {
	cfg      config.RideConfig
	resolver Resolver
	logger   *logrus.Logger
}

// NewReconstructor creates a reconstructor. resolver may be nil, in which case
// every segment uses the RSSI fallback.
func NewReconstructor(cfg config.RideConfig, resolver Resolver, logger *logrus.Logger) *Reconstructor {
	return &Reconstructor{cfg: cfg, resolver: resolver, logger: logger}
}

// Reconstruct computes the ride summary for a session. Fewer than two scans
// returns ErrInsufficientData. A trip shorter than the minimum distance is
// judged not to be a real ride and returns (nil, nil).
func (r *Reconstructor) Reconstruct(ctx context.Context, session *Session) (*Ride, error) {
	if session == nil || len(session.Scans) < 2 {
		return nil, ErrInsufficientData
	}

	scans := make([]ScanRecord, len(session.Scans))
	copy(scans, session.Scans)
	r.resolveMissing(ctx, scans)

	var totalMeters float64
	var movementPoints int
	for i := 1; i < len(scans); i++ {
		prev, curr := scans[i-1], scans[i]

		var meters float64
		if prev.Coordinates != nil && curr.Coordinates != nil {
			meters = haversineMeters(*prev.Coordinates, *curr.Coordinates)
		} else {
			meters = rssiDistanceMeters(prev, curr, r.cfg.RSSIScaleFactor)
		}
		if meters > r.cfg.MinMovementMeters {
			totalMeters += meters
			movementPoints++
		}
	}

	if totalMeters < r.cfg.MinTripMeters {
		r.logger.WithFields(logrus.Fields{
			"device_id": session.DeviceID,
			"session":   session.ID,
			"meters":    totalMeters,
		}).Debug("Trip below minimum distance, discarded")
		return nil, nil
	}

	endTS := scans[len(scans)-1].Timestamp
	if session.End != nil {
		endTS = *session.End
	}

	km := math.Round(totalMeters/1000*1000) / 1000

	var route []Coordinates
	bssids := make(map[string]struct{})
	for _, scan := range scans {
		if scan.Coordinates != nil {
			route = append(route, *scan.Coordinates)
		}
		for _, n := range scan.Networks {
			bssids[n.BSSID] = struct{}{}
		}
	}

	return &Ride{
		DeviceID:       session.DeviceID,
		SessionID:      session.ID,
		StartTS:        session.Start,
		EndTS:          endTS,
		DistanceKm:     km,
		CO2SavedGrams:  int(math.Round(km * r.cfg.CO2PerKmGrams)),
		Route:          route,
		PointCount:     len(scans),
		MovementPoints: movementPoints,
		DurationMin:    int(math.Round(float64(endTS-session.Start) / 60)),
		NetworkCount:   len(bssids),
	}, nil
}

// resolveMissing attaches coordinates to scans that lack them. Resolution
// failures leave the scan unresolved; the segment math falls back to RSSI.
func (r *Reconstructor) resolveMissing(ctx context.Context, scans []ScanRecord) {
	if r.resolver == nil {
		return
	}
	for i := range scans {
		if scans[i].Coordinates != nil || len(scans[i].Networks) == 0 {
			continue
		}
		coords, err := r.resolver.Resolve(ctx, scans[i].Networks)
		if err != nil {
			r.logger.WithError(err).Debug("Geolocation lookup failed for scan")
			continue
		}
		scans[i].AttachCoordinates(coords)
	}
}

// activeRide is an in-progress trip accumulated point by point.
type activeRide struct {
	sessionID string
	startedAt time.Time
	points    []Coordinates
	meters    float64
	moves     int
}

// RideTracker accumulates live positions into rides as they happen, an
// alternative to after-the-fact reconstruction for consumers that stream
// resolved positions. One active ride per device.
type RideTracker struct {
	cfg    config.RideConfig
	sink   RideSink
	logger *logrus.Logger

	mu     sync.Mutex
	active map[string]*activeRide
}

// NewRideTracker creates a tracker. sink may be nil; finished rides are then
// returned to the caller only.
func NewRideTracker(cfg config.RideConfig, sink RideSink, logger *logrus.Logger) *RideTracker {
	return &RideTracker{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		active: make(map[string]*activeRide),
	}
}

// StartRide opens a ride for the device, replacing any ride already in
// progress.
func (t *RideTracker) StartRide(deviceID string, start time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[deviceID] = &activeRide{
		sessionID: SessionID(start),
		startedAt: start,
	}
}

// HasActiveRide reports whether the device has a ride in progress.
func (t *RideTracker) HasActiveRide(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[deviceID]
	return ok
}

// AddPoint appends a resolved position to the device's active ride. Points
// that do not clear the movement threshold from the previous one are treated
// as GPS jitter and do not accrue distance.
func (t *RideTracker) AddPoint(deviceID string, c Coordinates) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ride, ok := t.active[deviceID]
	if !ok {
		return
	}
	if n := len(ride.points); n > 0 {
		meters := haversineMeters(ride.points[n-1], c)
		if meters <= t.cfg.MinMovementMeters {
			return
		}
		ride.meters += meters
		ride.moves++
	}
	ride.points = append(ride.points, c)
}

// CancelRide drops the device's active ride without persisting anything.
func (t *RideTracker) CancelRide(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, deviceID)
}

// FinishRide closes the device's active ride and persists it when it clears
// the minimum trip distance. Returns (nil, nil) for trips judged too short.
func (t *RideTracker) FinishRide(ctx context.Context, deviceID string, end time.Time) (*Ride, error) {
	t.mu.Lock()
	ride, ok := t.active[deviceID]
	delete(t.active, deviceID)
	t.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	if ride.meters < t.cfg.MinTripMeters {
		return nil, nil
	}

	km := math.Round(ride.meters/1000*1000) / 1000
	out := &Ride{
		DeviceID:       deviceID,
		SessionID:      ride.sessionID,
		StartTS:        ride.startedAt.Unix(),
		EndTS:          end.Unix(),
		DistanceKm:     km,
		CO2SavedGrams:  int(math.Round(km * t.cfg.CO2PerKmGrams)),
		Route:          ride.points,
		PointCount:     len(ride.points),
		MovementPoints: ride.moves,
		DurationMin:    int(math.Round(end.Sub(ride.startedAt).Minutes())),
	}

	if t.sink != nil {
		if err := t.sink.SaveRide(ctx, out); err != nil {
			t.logger.WithError(err).WithField("device_id", deviceID).Warn("Failed to persist ride")
			return out, err
		}
	}
	return out, nil
}
