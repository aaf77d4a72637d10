package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/backend"
	"example.com/bpr/services/fleet/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) (*gin.Engine, *backend.Adapter) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recon := core.NewReconstructor(config.RideConfig{
		MinMovementMeters: 5.0,
		MinTripMeters:     80.0,
		RSSIScaleFactor:   8.0,
		CO2PerKmGrams:     145.0,
	}, nil, logger)
	adapter := backend.NewAdapter(backend.NewMemoryStore(), nil, recon, logger)

	router := gin.New()
	SetupRoutes(router, NewAPIHandlers(adapter, recon, nil, logger), logger)
	return router, adapter
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := testRouter(t)
	w := doRequest(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "healthy")
}

func TestStatusNotFound(t *testing.T) {
	router, _ := testRouter(t)
	w := doRequest(router, http.MethodGet, "/api/v1/devices/bpr-ghost/status", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestScanIngestAndSessionRead(t *testing.T) {
	router, _ := testRouter(t)

	payload := `[[1700000000, [["HomeNet", "aa:01", -50, 6]]], [1700000300, [["CafeWiFi", "aa:02", -60, 11]]]]`
	w := doRequest(router, http.MethodPost, "/api/v1/devices/bpr-1/scans?hub_id=hub-01", payload)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/devices/bpr-1/sessions/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "aa:01")

	w = doRequest(router, http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "bpr-1")
}

func TestScanIngestRejectsGarbage(t *testing.T) {
	router, _ := testRouter(t)
	w := doRequest(router, http.MethodPost, "/api/v1/devices/bpr-1/scans", `{"not": "a scan list"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRideInsufficientData(t *testing.T) {
	router, _ := testRouter(t)

	payload := `[[1700000000, [["HomeNet", "aa:01", -50, 6]]]]`
	w := doRequest(router, http.MethodPost, "/api/v1/devices/bpr-1/scans", payload)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/devices/bpr-1/rides/latest", "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRideBelowMinimumDistance(t *testing.T) {
	router, _ := testRouter(t)

	// Two scans with unchanged signal readings: no distance accrues.
	payload := `[[1700000000, [["A", "aa:01", -50, 1]]], [1700000300, [["A", "aa:01", -50, 1]]]]`
	w := doRequest(router, http.MethodPost, "/api/v1/devices/bpr-1/scans", payload)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/devices/bpr-1/rides/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "below minimum trip distance")
}

func TestBatchIngest(t *testing.T) {
	router, adapter := testRouter(t)

	body := `{"items": [{"id": "1", "type": "wifi_data", "device_id": "bpr-1", "hub_id": "hub-01", "ts": 1700000400,
		"scans": [{"ts": 1700000000, "networks": [{"ssid": "A", "bssid": "aa:01", "rssi": -50, "channel": 1}]}]}]}`
	w := doRequest(router, http.MethodPost, "/api/v1/batch", body)
	require.Equal(t, http.StatusOK, w.Code)

	session, err := adapter.LatestSession(context.Background(), "bpr-1")
	require.NoError(t, err)
	require.Len(t, session.Scans, 1)
}

func TestHubConfigRoundTrip(t *testing.T) {
	router, adapter := testRouter(t)

	w := doRequest(router, http.MethodPut, "/api/v1/hubs/hub-01/config", `{"hub": {"sync_threshold": 25}}`)
	require.Equal(t, http.StatusOK, w.Code)

	hubCfg, err := adapter.HubSettings(context.Background(), "hub-01")
	require.NoError(t, err)
	require.NotNil(t, hubCfg)
	require.Equal(t, 25, hubCfg.SyncThreshold)
}

type fakeStatusCache struct {
	mu    sync.Mutex
	store map[string]*core.DeviceStatus
	sets  int
}

func (f *fakeStatusCache) GetStatus(_ context.Context, deviceID string) (*core.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store[deviceID], nil
}

func (f *fakeStatusCache) SetStatus(_ context.Context, status core.DeviceStatus, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := status
	f.store[status.DeviceID] = &s
	f.sets++
	return nil
}

func TestDeviceStatusServedFromCache(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	adapter := backend.NewAdapter(backend.NewMemoryStore(), nil, nil, logger)
	cache := &fakeStatusCache{store: make(map[string]*core.DeviceStatus)}
	router := gin.New()
	SetupRoutes(router, NewAPIHandlers(adapter, nil, cache, logger), logger)

	status := core.DeviceStatus{DeviceID: "bpr-1", Battery: 3.9, Timestamp: 1700000600}
	require.NoError(t, adapter.Flush(context.Background(), []core.BatchItem{{
		Type: core.BatchDeviceConnected, DeviceID: "bpr-1", HubID: "hub-01",
		Timestamp: 1700000600, Status: &status,
	}}))

	w := doRequest(router, http.MethodGet, "/api/v1/devices/bpr-1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, cache.sets)

	// Subsequent reads are served from the cache, not the store.
	cache.store["bpr-1"].Battery = 4.2
	w = doRequest(router, http.MethodGet, "/api/v1/devices/bpr-1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "4.2")
	require.Equal(t, 1, cache.sets)
}

func TestStatsEndpoint(t *testing.T) {
	router, adapter := testRouter(t)

	require.NoError(t, adapter.SaveRide(context.Background(), &core.Ride{
		DeviceID: "bpr-1", SessionID: "20250101_0900", DistanceKm: 1.5, CO2SavedGrams: 218,
	}))

	w := doRequest(router, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"total_rides":1`)
}
