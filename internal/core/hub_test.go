package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/bpr/services/fleet/config"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu      sync.Mutex
	err     error
	flushed [][]BatchItem
}

func (f *fakeUploader) Flush(_ context.Context, items []BatchItem) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.flushed = append(f.flushed, items)
	f.mu.Unlock()
	return nil
}

type fakeHeartbeats struct {
	mu    sync.Mutex
	beats []Heartbeat
}

func (f *fakeHeartbeats) SendHeartbeat(_ context.Context, hb Heartbeat) error {
	f.mu.Lock()
	f.beats = append(f.beats, hb)
	f.mu.Unlock()
	return nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureNotifier) PublishEvent(_ context.Context, event Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) byType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		SyncInterval:      time.Hour,
		SyncThreshold:     50,
		HeartbeatInterval: time.Hour,
		DeviceTimeout:     time.Hour,
		PowerSaveDuration: time.Hour,
	}
}

func newTestHub(t *testing.T, opts HubOptions) *Hub {
	t.Helper()
	if opts.Config.SyncThreshold == 0 {
		opts.Config = testHubConfig()
	}
	if opts.DeviceDefaults.FullVoltage == 0 {
		opts.DeviceDefaults = testDeviceConfig()
	}
	if opts.Uploader == nil {
		opts.Uploader = &fakeUploader{}
	}
	if opts.Heartbeats == nil {
		opts.Heartbeats = &fakeHeartbeats{}
	}
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	hub := NewHub("hub-test", opts)
	hub.setState(HubStateBLEOnly)
	return hub
}

func TestConcurrentConnects(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	ctx := context.Background()

	ids := []string{"bpr-1", "bpr-2", "bpr-3"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			require.NoError(t, hub.Connect(ctx, deviceID, DeviceStatus{DeviceID: deviceID, Battery: 3.8}))
		}(id)
	}
	wg.Wait()

	require.Equal(t, 3, hub.ConnectedCount())
	require.ElementsMatch(t, ids, hub.ConnectedDevices())
	require.Equal(t, 3, hub.Buffer().Len())
	for _, item := range hub.Buffer().Snapshot() {
		require.Equal(t, BatchDeviceConnected, item.Type)
	}
}

func TestRadioSuspendedDuringSync(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	hub.setState(HubStateWiFiSync)
	ctx := context.Background()

	require.ErrorIs(t, hub.Connect(ctx, "bpr-1", DeviceStatus{}), ErrRadioUnavailable)
	require.ErrorIs(t, hub.SendStatus(ctx, DeviceStatus{DeviceID: "bpr-1"}), ErrRadioUnavailable)
	require.ErrorIs(t, hub.UploadScans(ctx, "bpr-1", nil), ErrRadioUnavailable)

	_, err := hub.RequestConfig(ctx, "bpr-1")
	require.ErrorIs(t, err, ErrRadioUnavailable)
}

func TestUploadScansRequiresConnection(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	ctx := context.Background()

	err := hub.UploadScans(ctx, "bpr-ghost", []ScanRecord{{Timestamp: 1}})
	require.ErrorIs(t, err, ErrConnectionFailed)

	require.NoError(t, hub.Connect(ctx, "bpr-1", DeviceStatus{DeviceID: "bpr-1"}))
	require.NoError(t, hub.UploadScans(ctx, "bpr-1", []ScanRecord{{Timestamp: 1}}))
	require.Equal(t, 2, hub.Buffer().Len())
}

func TestSyncFailureRetainsBuffer(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("backend down")}
	hub := newTestHub(t, HubOptions{Uploader: uploader})
	ctx := context.Background()

	require.NoError(t, hub.Connect(ctx, "bpr-1", DeviceStatus{DeviceID: "bpr-1"}))
	require.Equal(t, 1, hub.Buffer().Len())

	require.Equal(t, HubStateBLEOnly, hub.stepWiFiSync(ctx))
	require.Equal(t, 1, hub.Buffer().Len())

	uploader.err = nil
	require.Equal(t, HubStateBLEOnly, hub.stepWiFiSync(ctx))
	require.Zero(t, hub.Buffer().Len())
	require.Len(t, uploader.flushed, 1)
}

func TestSyncSendsHeartbeat(t *testing.T) {
	heartbeats := &fakeHeartbeats{}
	hub := newTestHub(t, HubOptions{Heartbeats: heartbeats})

	hub.stepWiFiSync(context.Background())
	require.Len(t, heartbeats.beats, 1)
	require.Equal(t, "hub-test", heartbeats.beats[0].HubID)
}

func TestChargingCompleteDetection(t *testing.T) {
	notifier := &captureNotifier{}
	hub := newTestHub(t, HubOptions{Notifier: notifier})
	ctx := context.Background()

	require.NoError(t, hub.Connect(ctx, "bpr-1", DeviceStatus{DeviceID: "bpr-1", Battery: 3.9}))
	require.NoError(t, hub.SendStatus(ctx, DeviceStatus{DeviceID: "bpr-1", Battery: 4.0}))
	require.Empty(t, notifier.byType(EventChargingComplete))

	require.NoError(t, hub.SendStatus(ctx, DeviceStatus{DeviceID: "bpr-1", Battery: 4.2}))
	require.Len(t, notifier.byType(EventChargingComplete), 1)

	// The crossing fires once, not on every full report.
	require.NoError(t, hub.SendStatus(ctx, DeviceStatus{DeviceID: "bpr-1", Battery: 4.2}))
	require.Len(t, notifier.byType(EventChargingComplete), 1)
}

func TestCloseEmitsDeparture(t *testing.T) {
	notifier := &captureNotifier{}
	hub := newTestHub(t, HubOptions{Notifier: notifier})
	ctx := context.Background()

	require.NoError(t, hub.Connect(ctx, "bpr-1", DeviceStatus{DeviceID: "bpr-1"}))
	hub.Close("bpr-1")

	require.Zero(t, hub.ConnectedCount())
	require.Len(t, notifier.byType(EventDeviceDeparted), 1)

	// Closing an unknown device is a no-op.
	hub.Close("bpr-ghost")
	require.Len(t, notifier.byType(EventDeviceDeparted), 1)
}

func TestReapStaleDevices(t *testing.T) {
	notifier := &captureNotifier{}
	cfg := testHubConfig()
	cfg.DeviceTimeout = 10 * time.Millisecond
	hub := newTestHub(t, HubOptions{Config: cfg, Notifier: notifier})
	ctx := context.Background()

	require.NoError(t, hub.Connect(ctx, "bpr-1", DeviceStatus{DeviceID: "bpr-1"}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, hub.Connect(ctx, "bpr-2", DeviceStatus{DeviceID: "bpr-2"}))

	hub.reapStale()

	require.Equal(t, []string{"bpr-2"}, hub.ConnectedDevices())
	departed := notifier.byType(EventDeviceDeparted)
	require.Len(t, departed, 1)
	require.Equal(t, "bpr-1", departed[0].DeviceID)
}

func TestBufferThresholdTriggersSync(t *testing.T) {
	cfg := testHubConfig()
	cfg.SyncThreshold = 2
	hub := newTestHub(t, HubOptions{Config: cfg})
	ctx := context.Background()

	require.NoError(t, hub.Connect(ctx, "bpr-1", DeviceStatus{DeviceID: "bpr-1"}))
	require.NoError(t, hub.UploadScans(ctx, "bpr-1", []ScanRecord{{Timestamp: 1}}))

	select {
	case <-hub.Buffer().Full():
	case <-time.After(time.Second):
		t.Fatal("occupancy trigger did not fire")
	}
}

func TestSyncIntervalElapseLeavesBLEOnly(t *testing.T) {
	cfg := testHubConfig()
	cfg.SyncInterval = 20 * time.Millisecond
	hub := newTestHub(t, HubOptions{Config: cfg})

	// An empty buffer still syncs on schedule.
	require.Equal(t, HubStateWiFiSync, hub.runBLEOnly(context.Background()))
}

func TestOccupancyTriggerPreemptsSyncInterval(t *testing.T) {
	cfg := testHubConfig()
	cfg.SyncThreshold = 2
	hub := newTestHub(t, HubOptions{Config: cfg})
	ctx := context.Background()

	require.NoError(t, hub.Connect(ctx, "bpr-1", DeviceStatus{DeviceID: "bpr-1"}))
	require.NoError(t, hub.UploadScans(ctx, "bpr-1", []ScanRecord{{Timestamp: 1}}))

	done := make(chan HubState, 1)
	go func() { done <- hub.runBLEOnly(ctx) }()

	select {
	case next := <-done:
		require.Equal(t, HubStateWiFiSync, next)
	case <-time.After(time.Second):
		t.Fatal("occupancy did not preempt the hour-long sync interval")
	}
}
