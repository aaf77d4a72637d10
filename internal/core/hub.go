// services/fleet/internal/core/hub.go
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/bpr/services/fleet/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Uploader flushes a snapshot of the pending buffer to the backend as one
// all-or-nothing batch. A returned error means the whole batch stays pending.
type Uploader interface {
	Flush(ctx context.Context, items []BatchItem) error
}

// HeartbeatSink records hub heartbeats in the backend.
type HeartbeatSink interface {
	SendHeartbeat(ctx context.Context, hb Heartbeat) error
}

// ConfigSource serves hub and device configuration from the backend.
type ConfigSource interface {
	HubSettings(ctx context.Context, hubID string) (*config.HubConfig, error)
	DeviceSettings(ctx context.Context, hubID string) (*config.DeviceConfig, error)
}

// BatchStore persists the hub's pending buffer across power-save.
type BatchStore interface {
	SaveBatch(hubID string, items []BatchItem) error
	LoadBatch(hubID string) ([]BatchItem, error)
}

type deviceConn struct {
	status      DeviceStatus
	connectedAt time.Time
	lastSeen    time.Time
	charging    bool
}

// Hub is a fixed docking point aggregating the uploads of concurrently
// connected devices. Device-facing calls (the HubLink methods) may arrive
// from many device goroutines at once; the connected set and buffer appends
// are safe under that concurrency.
type Hub struct {
	id             string
	cfg            config.HubConfig
	deviceDefaults config.DeviceConfig

	mu        sync.RWMutex
	state     HubState
	connected map[string]*deviceConn

	buffer     *BatchBuffer
	uploader   Uploader
	heartbeats HeartbeatSink
	configs    ConfigSource
	batchStore BatchStore
	notifier   Notifier
	indicator  Indicator
	logger     *logrus.Logger

	bootedAt    time.Time
	shutdownReq chan struct{}
}

// HubOptions carries the collaborators a hub needs. ConfigSource, BatchStore
// and Notifier are optional; Uploader and HeartbeatSink are not.
type HubOptions struct {
	Config         config.HubConfig
	DeviceDefaults config.DeviceConfig
	Uploader       Uploader
	Heartbeats     HeartbeatSink
	Configs        ConfigSource
	BatchStore     BatchStore
	Notifier       Notifier
	Indicator      Indicator
	Logger         *logrus.Logger
}

// NewHub creates a hub in CONFIG_AP state.
func NewHub(id string, opts HubOptions) *Hub {
	if opts.Indicator == nil {
		opts.Indicator = NoopIndicator{}
	}
	return &Hub{
		id:             id,
		cfg:            opts.Config,
		deviceDefaults: opts.DeviceDefaults,
		state:          HubStateConfigAP,
		connected:      make(map[string]*deviceConn),
		buffer:         NewBatchBuffer(opts.Config.SyncThreshold),
		uploader:       opts.Uploader,
		heartbeats:     opts.Heartbeats,
		configs:        opts.Configs,
		batchStore:     opts.BatchStore,
		notifier:       opts.Notifier,
		indicator:      opts.Indicator,
		logger:         opts.Logger,
		bootedAt:       time.Now(),
	}
}

// HubID returns the hub identifier.
func (h *Hub) HubID() string { return h.id }

// State returns the current operating sub-state.
func (h *Hub) State() HubState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Buffer exposes the pending upload buffer.
func (h *Hub) Buffer() *BatchBuffer { return h.buffer }

// ConnectedCount returns the number of currently connected devices.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connected)
}

// ConnectedDevices returns the IDs of currently connected devices.
func (h *Hub) ConnectedDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.connected))
	for id := range h.connected {
		ids = append(ids, id)
	}
	return ids
}

// RequestShutdown asks the hub to enter its power-save state at the next
// opportunity.
func (h *Hub) RequestShutdown() {
	h.mu.Lock()
	if h.shutdownReq == nil {
		h.shutdownReq = make(chan struct{}, 1)
	}
	ch := h.shutdownReq
	h.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *Hub) setState(s HubState) {
	h.mu.Lock()
	old := h.state
	h.state = s
	h.mu.Unlock()
	if old != s {
		h.logger.WithFields(logrus.Fields{
			"hub_id": h.id,
			"from":   old,
			"to":     s,
		}).Info("Hub state transition")
	}
}

func (h *Hub) radioAvailable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == HubStateBLEOnly
}

// --- Device-facing radio service (HubLink) ---

// Connect registers an arriving device. Appends a device_connected batch
// item and signals the arrival indicator pattern.
func (h *Hub) Connect(_ context.Context, deviceID string, status DeviceStatus) error {
	if !h.radioAvailable() {
		return ErrRadioUnavailable
	}

	now := time.Now()
	h.mu.Lock()
	h.connected[deviceID] = &deviceConn{status: status, connectedAt: now, lastSeen: now}
	count := len(h.connected)
	h.mu.Unlock()

	st := status
	h.buffer.Append(BatchItem{
		ID:        uuid.New().String(),
		Type:      BatchDeviceConnected,
		DeviceID:  deviceID,
		HubID:     h.id,
		Timestamp: now.Unix(),
		Status:    &st,
	})

	h.indicator.Signal(IndicatorDeviceArrived)
	h.notify(EventDeviceArrived, deviceID, map[string]interface{}{
		"battery": status.Battery,
		"records": status.BufferedRecords,
	})

	h.logger.WithFields(logrus.Fields{
		"hub_id":    h.id,
		"device_id": deviceID,
		"connected": count,
	}).Info("Device connected")
	return nil
}

// RequestConfig serves the current device settings.
func (h *Hub) RequestConfig(ctx context.Context, deviceID string) (config.DeviceConfig, error) {
	if !h.radioAvailable() {
		return config.DeviceConfig{}, ErrRadioUnavailable
	}
	h.touch(deviceID)

	if h.configs != nil {
		if settings, err := h.configs.DeviceSettings(ctx, h.id); err == nil && settings != nil {
			return *settings, nil
		} else if err != nil {
			h.logger.WithError(err).WithField("hub_id", h.id).Warn("Device config fetch failed, serving defaults")
		}
	}
	return h.deviceDefaults, nil
}

// SendStatus records a docked device's status report and watches for the
// charging-complete crossing.
func (h *Hub) SendStatus(_ context.Context, status DeviceStatus) error {
	if !h.radioAvailable() {
		return ErrRadioUnavailable
	}

	h.mu.Lock()
	conn, ok := h.connected[status.DeviceID]
	if !ok {
		h.mu.Unlock()
		return ErrConnectionFailed
	}
	prev := conn.status.Battery
	conn.status = status
	conn.lastSeen = time.Now()
	full := h.deviceDefaults.FullVoltage
	chargingDone := !conn.charging && prev < full && status.Battery >= full
	if chargingDone {
		conn.charging = true
	}
	h.mu.Unlock()

	if chargingDone {
		h.notify(EventChargingComplete, status.DeviceID, map[string]interface{}{
			"battery": status.Battery,
		})
	}
	return nil
}

// UploadScans accepts a device's buffered scans. A nil return is the receipt
// acknowledgment the device clears its buffer on.
func (h *Hub) UploadScans(_ context.Context, deviceID string, scans []ScanRecord) error {
	if !h.radioAvailable() {
		return ErrRadioUnavailable
	}
	if !h.touch(deviceID) {
		return ErrConnectionFailed
	}

	h.buffer.Append(BatchItem{
		ID:        uuid.New().String(),
		Type:      BatchWiFiData,
		DeviceID:  deviceID,
		HubID:     h.id,
		Timestamp: time.Now().Unix(),
		Scans:     scans,
	})

	h.notify(EventScanUpdate, deviceID, map[string]interface{}{
		"scans": len(scans),
	})
	return nil
}

// ReportLowBattery records a low-battery alert from a docked device.
func (h *Hub) ReportLowBattery(_ context.Context, deviceID string, voltage float64) error {
	if !h.radioAvailable() {
		return ErrRadioUnavailable
	}
	h.touch(deviceID)

	h.buffer.Append(BatchItem{
		ID:        uuid.New().String(),
		Type:      BatchLowBattery,
		DeviceID:  deviceID,
		HubID:     h.id,
		Timestamp: time.Now().Unix(),
		Voltage:   voltage,
	})

	h.notify(EventLowBattery, deviceID, map[string]interface{}{
		"voltage": voltage,
	})
	return nil
}

// Close removes a departing device from the connected set. No batch item is
// appended; the departure is inferred backend-side from the next session.
func (h *Hub) Close(deviceID string) {
	h.mu.Lock()
	_, ok := h.connected[deviceID]
	delete(h.connected, deviceID)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.indicator.Signal(IndicatorDeviceLeft)
	h.notify(EventDeviceDeparted, deviceID, nil)
	h.logger.WithFields(logrus.Fields{
		"hub_id":    h.id,
		"device_id": deviceID,
	}).Info("Device disconnected")
}

func (h *Hub) touch(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.connected[deviceID]
	if ok {
		conn.lastSeen = time.Now()
	}
	return ok
}

// --- Lifecycle ---

// Run drives the hub state machine until the context is cancelled. The
// pending buffer is persisted on the way out.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.shutdownReq == nil {
		h.shutdownReq = make(chan struct{}, 1)
	}
	h.mu.Unlock()

	if h.batchStore != nil {
		if items, err := h.batchStore.LoadBatch(h.id); err == nil && len(items) > 0 {
			h.buffer.Restore(items)
			h.logger.WithFields(logrus.Fields{"hub_id": h.id, "items": len(items)}).Info("Restored pending buffer")
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			h.persistBatch()
			return err
		}

		var next HubState
		switch h.State() {
		case HubStateConfigAP:
			next = h.stepConfigAP(ctx)
		case HubStateBLEOnly:
			next = h.runBLEOnly(ctx)
		case HubStateWiFiSync:
			next = h.stepWiFiSync(ctx)
		case HubStateShutdown:
			next = h.stepShutdown(ctx)
		default:
			return fmt.Errorf("hub %s in unknown state %q", h.id, h.State())
		}
		h.setState(next)
	}
}

// stepConfigAP is the occasional local configuration entry point. It exits
// unconditionally to BLE_ONLY once configuration is confirmed.
func (h *Hub) stepConfigAP(ctx context.Context) HubState {
	h.indicator.Signal(IndicatorConfig)
	h.refreshConfig(ctx)
	return HubStateBLEOnly
}

// runBLEOnly is the steady operating state: serve devices, heartbeat, reap
// stale connections, and watch both sync triggers. The elapsed-interval and
// buffer-occupancy triggers race with OR semantics; whichever fires first
// wins.
func (h *Hub) runBLEOnly(ctx context.Context) HubState {
	h.indicator.Signal(IndicatorBLEReady)

	syncTicker := time.NewTicker(h.cfg.SyncInterval)
	defer syncTicker.Stop()
	hbTicker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer hbTicker.Stop()
	reapEvery := h.cfg.DeviceTimeout / 2
	if reapEvery <= 0 {
		reapEvery = time.Minute
	}
	reapTicker := time.NewTicker(reapEvery)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return HubStateBLEOnly
		case <-h.shutdownReq:
			return HubStateShutdown
		case <-syncTicker.C:
			return HubStateWiFiSync
		case <-h.buffer.Full():
			h.logger.WithField("hub_id", h.id).Info("Buffer threshold crossed, triggering sync")
			return HubStateWiFiSync
		case <-hbTicker.C:
			h.sendHeartbeat(ctx)
		case <-reapTicker.C:
			h.reapStale()
		}
	}
}

// stepWiFiSync suspends the device-facing radio, refreshes configuration,
// flushes the pending buffer as one batch, and heartbeats. Failures retain
// the buffer and are retried on the next trigger.
func (h *Hub) stepWiFiSync(ctx context.Context) HubState {
	h.indicator.Signal(IndicatorWiFiSync)
	h.refreshConfig(ctx)

	if items := h.buffer.Snapshot(); len(items) > 0 {
		if err := h.uploader.Flush(ctx, items); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"hub_id": h.id,
				"items":  len(items),
			}).Warn("Batch upload failed, buffer retained")
		} else {
			h.buffer.Ack(len(items))
			h.logger.WithFields(logrus.Fields{
				"hub_id": h.id,
				"items":  len(items),
			}).Info("Batch uploaded")
		}
	}

	h.sendHeartbeat(ctx)
	return HubStateBLEOnly
}

// stepShutdown persists the buffer and waits out the power-save window.
func (h *Hub) stepShutdown(ctx context.Context) HubState {
	h.indicator.Signal(IndicatorOff)
	h.persistBatch()

	wait := h.cfg.PowerSaveDuration
	if wait <= 0 {
		wait = time.Hour
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return HubStateBLEOnly
}

func (h *Hub) refreshConfig(ctx context.Context) {
	if h.configs == nil {
		return
	}
	if cfg, err := h.configs.HubSettings(ctx, h.id); err != nil {
		h.logger.WithError(err).WithField("hub_id", h.id).Warn("Hub config refresh failed")
	} else if cfg != nil {
		h.mu.Lock()
		h.cfg = *cfg
		h.mu.Unlock()
	}
	if settings, err := h.configs.DeviceSettings(ctx, h.id); err == nil && settings != nil {
		h.mu.Lock()
		h.deviceDefaults = *settings
		h.mu.Unlock()
	}
}

func (h *Hub) sendHeartbeat(ctx context.Context) {
	hb := Heartbeat{
		HubID:            h.id,
		Timestamp:        time.Now().Unix(),
		ConnectedDevices: h.ConnectedCount(),
		UptimeSec:        int64(time.Since(h.bootedAt).Seconds()),
		State:            h.State(),
	}
	if err := h.heartbeats.SendHeartbeat(ctx, hb); err != nil {
		h.logger.WithError(err).WithField("hub_id", h.id).Warn("Heartbeat failed")
	}
}

// reapStale drops devices that have gone silent past the configured window.
// This is the implicit-disconnect path that keeps both sides consistent when
// a device vanishes without closing its link.
func (h *Hub) reapStale() {
	cutoff := time.Now().Add(-h.cfg.DeviceTimeout)

	h.mu.Lock()
	var stale []string
	for id, conn := range h.connected {
		if conn.lastSeen.Before(cutoff) {
			stale = append(stale, id)
			delete(h.connected, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.indicator.Signal(IndicatorDeviceLeft)
		h.notify(EventDeviceDeparted, id, map[string]interface{}{"reason": "timeout"})
		h.logger.WithFields(logrus.Fields{
			"hub_id":    h.id,
			"device_id": id,
		}).Info("Device timed out")
	}
}

func (h *Hub) persistBatch() {
	if h.batchStore == nil {
		return
	}
	if err := h.batchStore.SaveBatch(h.id, h.buffer.Snapshot()); err != nil {
		h.logger.WithError(err).WithField("hub_id", h.id).Warn("Failed to persist pending buffer")
	}
}

func (h *Hub) notify(eventType, deviceID string, payload map[string]interface{}) {
	if h.notifier == nil {
		return
	}
	event := Event{
		Type:      eventType,
		DeviceID:  deviceID,
		HubID:     h.id,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.notifier.PublishEvent(ctx, event); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"hub_id": h.id,
			"event":  eventType,
		}).Warn("Event delivery failed")
	}
}
