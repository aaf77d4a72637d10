package geo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/core"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testGeoConfig(endpoint string) config.GeolocationConfig {
	return config.GeolocationConfig{
		Endpoint: endpoint,
		APIKey:   "test-key",
	}
}

func TestResolverRequiresAPIKey(t *testing.T) {
	_, err := NewHTTPResolver(config.GeolocationConfig{}, nil, testLogger())
	require.Error(t, err)
}

func TestResolveSuccess(t *testing.T) {
	var gotBody struct {
		WiFiAccessPoints []struct {
			MACAddress     string `json:"macAddress"`
			SignalStrength int    `json:"signalStrength"`
		} `json:"wifiAccessPoints"`
		ConsiderIP bool `json:"considerIp"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"location": map[string]float64{"lat": 55.6761, "lng": 12.5683},
			"accuracy": 20.5,
		})
	}))
	defer server.Close()

	r, err := NewHTTPResolver(testGeoConfig(server.URL), nil, testLogger())
	require.NoError(t, err)

	coords, err := r.Resolve(context.Background(), []core.Network{
		{BSSID: "aa:bb:cc:dd:ee:01", RSSI: -55, Channel: 6},
	})
	require.NoError(t, err)
	require.NotNil(t, coords)
	require.Equal(t, 55.6761, coords.Latitude)
	require.Equal(t, 12.5683, coords.Longitude)
	require.Equal(t, 20.5, coords.Accuracy)

	require.Len(t, gotBody.WiFiAccessPoints, 1)
	require.Equal(t, "aa:bb:cc:dd:ee:01", gotBody.WiFiAccessPoints[0].MACAddress)
	require.False(t, gotBody.ConsiderIP)
}

func TestResolveUnknownNetworksIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	r, err := NewHTTPResolver(testGeoConfig(server.URL), nil, testLogger())
	require.NoError(t, err)

	coords, err := r.Resolve(context.Background(), []core.Network{{BSSID: "aa:01", RSSI: -50}})
	require.NoError(t, err)
	require.Nil(t, coords)
}

func TestResolveServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r, err := NewHTTPResolver(testGeoConfig(server.URL), nil, testLogger())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), []core.Network{{BSSID: "aa:01", RSSI: -50}})
	require.Error(t, err)
}

func TestResolveEmptyScanShortCircuits(t *testing.T) {
	r, err := NewHTTPResolver(testGeoConfig("http://unreachable.invalid"), nil, testLogger())
	require.NoError(t, err)

	coords, err := r.Resolve(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, coords)
}

func TestThrottleDoesNotBankIdleTime(t *testing.T) {
	cfg := testGeoConfig("http://unreachable.invalid")
	cfg.MinInterval = 50 * time.Millisecond
	r, err := NewHTTPResolver(cfg, nil, testLogger())
	require.NoError(t, err)

	// A long idle gap must not let a burst of lookups through back to back.
	r.lastCall = time.Now().Add(-time.Second)

	start := time.Now()
	for i := 0; i < 4; i++ {
		r.throttle(context.Background())
	}
	// The first call goes through immediately; the next three each wait out
	// the full minimum gap.
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

type mapCache struct {
	mu    sync.Mutex
	store map[string]*core.Coordinates
	hits  int
}

func (m *mapCache) GetCoordinates(_ context.Context, key string) (*core.Coordinates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.store[key]; ok {
		m.hits++
		return c, nil
	}
	return nil, nil
}

func (m *mapCache) SetCoordinates(_ context.Context, key string, coords *core.Coordinates) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = coords
	return nil
}

func TestResolveUsesCache(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"location": map[string]float64{"lat": 1, "lng": 2},
			"accuracy": 10,
		})
	}))
	defer server.Close()

	cache := &mapCache{store: make(map[string]*core.Coordinates)}
	r, err := NewHTTPResolver(testGeoConfig(server.URL), cache, testLogger())
	require.NoError(t, err)

	networks := []core.Network{{BSSID: "aa:01", RSSI: -50}}
	for i := 0; i < 3; i++ {
		coords, err := r.Resolve(context.Background(), networks)
		require.NoError(t, err)
		require.NotNil(t, coords)
	}

	require.Equal(t, 1, calls)
	require.Equal(t, 2, cache.hits)
}
