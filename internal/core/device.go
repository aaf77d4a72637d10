// services/fleet/internal/core/device.go
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/bpr/services/fleet/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// batteryDrainPerScan is the fixed voltage decrement applied per scan/move
// action. There is no charging model on the device; charging is observed
// hub-side.
const batteryDrainPerScan = 0.01

// HubLink is the device side of a radio session with a hub. All calls are
// subject to the device connect timeout; any error means the link is gone and
// the device returns to SCANNING.
type HubLink interface {
	HubID() string
	Connect(ctx context.Context, deviceID string, status DeviceStatus) error
	RequestConfig(ctx context.Context, deviceID string) (config.DeviceConfig, error)
	SendStatus(ctx context.Context, status DeviceStatus) error
	UploadScans(ctx context.Context, deviceID string, scans []ScanRecord) error
	ReportLowBattery(ctx context.Context, deviceID string, voltage float64) error
	Close(deviceID string)
}

// HubFinder discovers a hub in radio range. Returns ErrHubNotFound when no
// hub responds; that is expected while roaming, never fatal.
type HubFinder interface {
	FindHub(ctx context.Context) (HubLink, error)
}

// WiFiScanner performs one WiFi scan and returns the observed networks.
type WiFiScanner interface {
	Scan(ctx context.Context) ([]Network, error)
}

// BufferStore persists the device scan buffer and its last hub-served
// settings across deep sleep. LoadSettings returns (nil, nil) when nothing
// was stored.
type BufferStore interface {
	SaveBuffer(deviceID string, scans []ScanRecord) error
	LoadBuffer(deviceID string) ([]ScanRecord, error)
	SaveSettings(deviceID string, settings config.DeviceConfig) error
	LoadSettings(deviceID string) (*config.DeviceConfig, error)
}

// Device is one tracked bicycle unit. It owns its scan buffer and battery
// model and runs a strictly sequential state machine; no two states are ever
// active concurrently for one device.
type Device struct {
	id       string
	settings config.DeviceConfig
	state    DeviceState
	battery  float64
	buffer   *ScanBuffer
	link     HubLink
	finder   HubFinder
	scanner  WiFiScanner
	store    BufferStore
	logger   *logrus.Logger

	bootedAt  time.Time
	lastScan  time.Time
	lastProbe time.Time
	alerted   bool
}

// NewDevice creates a device. An empty id gets a generated stable identifier.
// store may be nil, in which case the buffer does not survive deep sleep.
func NewDevice(id string, settings config.DeviceConfig, finder HubFinder, scanner WiFiScanner, store BufferStore, logger *logrus.Logger) *Device {
	if id == "" {
		id = "bpr-" + strings.Split(uuid.New().String(), "-")[0]
	}
	return &Device{
		id:       id,
		settings: settings,
		state:    StateBoot,
		battery:  settings.FullVoltage,
		buffer:   NewScanBuffer(settings.MaxBufferRecords),
		finder:   finder,
		scanner:  scanner,
		store:    store,
		logger:   logger,
	}
}

// ID returns the stable device identifier.
func (d *Device) ID() string { return d.id }

// State returns the current lifecycle state.
func (d *Device) State() DeviceState { return d.state }

// Battery returns the current voltage.
func (d *Device) Battery() float64 { return d.battery }

// Buffer exposes the local scan buffer.
func (d *Device) Buffer() *ScanBuffer { return d.buffer }

// SetBattery overrides the battery voltage. Used by the simulator.
func (d *Device) SetBattery(v float64) { d.battery = v }

// Move simulates physical movement, draining the battery by the fixed
// per-action decrement.
func (d *Device) Move() {
	d.battery -= batteryDrainPerScan
}

// Run drives the device lifecycle until the context is cancelled. The buffer
// is persisted on the way out.
func (d *Device) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			d.persistBuffer()
			return err
		}

		var next DeviceState
		switch d.state {
		case StateBoot:
			next = d.stepBoot(ctx)
		case StateConfigRequest:
			next = d.stepConfigRequest(ctx)
		case StateScanning:
			next = d.stepScanning(ctx)
		case StateAtHub:
			next = d.stepAtHub(ctx)
		case StateSleep:
			next = d.stepSleep(ctx)
		default:
			return fmt.Errorf("device %s in unknown state %q", d.id, d.state)
		}
		d.transition(next)
	}
}

func (d *Device) transition(next DeviceState) {
	if next == d.state {
		return
	}
	d.logger.WithFields(logrus.Fields{
		"device_id": d.id,
		"from":      d.state,
		"to":        next,
	}).Info("Device state transition")
	d.state = next
}

// stepBoot restores the persisted config/buffer. Boot always succeeds.
func (d *Device) stepBoot(_ context.Context) DeviceState {
	d.bootedAt = time.Now()
	if d.store != nil {
		if settings, err := d.store.LoadSettings(d.id); err != nil {
			d.logger.WithError(err).WithField("device_id", d.id).Warn("Failed to load persisted settings")
		} else if settings != nil {
			d.settings = *settings
			d.logger.WithField("device_id", d.id).Info("Restored persisted settings")
		}
		d.buffer.SetCapacity(d.settings.MaxBufferRecords)
		if scans, err := d.store.LoadBuffer(d.id); err != nil {
			d.logger.WithError(err).WithField("device_id", d.id).Warn("Failed to load persisted buffer")
		} else if len(scans) > 0 {
			d.buffer.Restore(scans)
			d.logger.WithFields(logrus.Fields{
				"device_id": d.id,
				"records":   len(scans),
			}).Info("Restored persisted scan buffer")
		}
	}
	return StateConfigRequest
}

// stepConfigRequest tries to reach a hub and fetch configuration. Failure is
// retried after a backoff; the device keeps running on its last-known
// settings in the meantime.
func (d *Device) stepConfigRequest(ctx context.Context) DeviceState {
	link, err := d.finder.FindHub(ctx)
	if err != nil {
		if !errors.Is(err, ErrHubNotFound) {
			d.logger.WithError(err).WithField("device_id", d.id).Warn("Hub discovery failed")
		}
		d.wait(ctx, d.settings.ConfigRetryBackoff)
		return StateConfigRequest
	}

	if err := d.connect(ctx, link); err != nil {
		d.logger.WithError(err).WithField("device_id", d.id).Warn("Hub connection failed")
		d.wait(ctx, d.settings.ConfigRetryBackoff)
		return StateConfigRequest
	}

	callCtx, cancel := context.WithTimeout(ctx, d.settings.ConnectTimeout)
	settings, err := d.link.RequestConfig(callCtx, d.id)
	cancel()
	if err != nil {
		d.logger.WithError(err).WithField("device_id", d.id).Warn("Config exchange failed, keeping current settings")
		d.disconnect()
		d.wait(ctx, d.settings.ConfigRetryBackoff)
		return StateConfigRequest
	}

	d.applySettings(settings)
	return StateAtHub
}

// stepScanning performs one roaming iteration: battery check, WiFi scan on
// the due interval, and a hub presence probe.
func (d *Device) stepScanning(ctx context.Context) DeviceState {
	if d.battery < d.settings.CriticalVoltage && !d.settings.DevMode {
		return StateSleep
	}

	now := time.Now()
	if now.Sub(d.lastScan) >= d.scanInterval() {
		d.performScan(ctx)
		d.lastScan = now
	}

	if now.Sub(d.lastProbe) >= d.settings.HubProbeInterval {
		d.lastProbe = now
		link, err := d.finder.FindHub(ctx)
		switch {
		case err == nil:
			if err := d.connect(ctx, link); err == nil {
				return StateAtHub
			}
		case !errors.Is(err, ErrHubNotFound):
			d.logger.WithError(err).WithField("device_id", d.id).Debug("Hub probe failed")
		}
	}

	d.wait(ctx, d.tick())
	return StateScanning
}

// stepAtHub reports status and drains the buffer to the hub. The local
// buffer is cleared strictly after the hub acknowledges receipt.
func (d *Device) stepAtHub(ctx context.Context) DeviceState {
	if d.link == nil {
		return StateScanning
	}

	callCtx, cancel := context.WithTimeout(ctx, d.settings.ConnectTimeout)
	defer cancel()

	if err := d.link.SendStatus(callCtx, d.status()); err != nil {
		d.logger.WithError(err).WithField("device_id", d.id).Info("Hub link lost")
		d.disconnect()
		return StateScanning
	}

	if d.battery < d.settings.LowVoltage && !d.alerted {
		if err := d.link.ReportLowBattery(callCtx, d.id, d.battery); err == nil {
			d.alerted = true
		}
	} else if d.battery >= d.settings.LowVoltage {
		d.alerted = false
	}

	if scans := d.buffer.Snapshot(); len(scans) > 0 {
		if err := d.link.UploadScans(callCtx, d.id, scans); err != nil {
			d.logger.WithError(err).WithField("device_id", d.id).Warn("Scan upload not acknowledged, keeping buffer")
			d.disconnect()
			return StateScanning
		}
		d.buffer.Drain(len(scans))
	}

	d.wait(ctx, d.settings.StatusInterval)
	return StateAtHub
}

// stepSleep persists the buffer and suspends until the deep-sleep timer
// fires.
func (d *Device) stepSleep(ctx context.Context) DeviceState {
	d.persistBuffer()
	d.logger.WithFields(logrus.Fields{
		"device_id": d.id,
		"battery":   d.battery,
	}).Info("Entering deep sleep")
	d.wait(ctx, d.settings.DeepSleepDuration)
	return StateBoot
}

func (d *Device) performScan(ctx context.Context) {
	networks, err := d.scanner.Scan(ctx)
	if err != nil {
		d.logger.WithError(err).WithField("device_id", d.id).Warn("WiFi scan failed")
		return
	}

	kept := networks[:0]
	for _, n := range networks {
		if n.RSSI > d.settings.RSSIThreshold {
			kept = append(kept, n)
		}
		if d.settings.MaxNetworks > 0 && len(kept) >= d.settings.MaxNetworks {
			break
		}
	}

	record := ScanRecord{Timestamp: time.Now().Unix(), Networks: kept}
	if !d.buffer.Append(record) {
		d.logger.WithFields(logrus.Fields{
			"device_id": d.id,
			"dropped":   d.buffer.Dropped(),
		}).Debug("Scan buffer full, scan dropped")
	}
	d.battery -= batteryDrainPerScan
}

func (d *Device) connect(ctx context.Context, link HubLink) error {
	callCtx, cancel := context.WithTimeout(ctx, d.settings.ConnectTimeout)
	defer cancel()

	if err := link.Connect(callCtx, d.id, d.status()); err != nil {
		return err
	}
	d.link = link
	return nil
}

func (d *Device) disconnect() {
	if d.link != nil {
		d.link.Close(d.id)
		d.link = nil
	}
}

func (d *Device) applySettings(settings config.DeviceConfig) {
	d.settings = settings
	d.buffer.SetCapacity(settings.MaxBufferRecords)
	if d.store != nil {
		if err := d.store.SaveSettings(d.id, settings); err != nil {
			d.logger.WithError(err).WithField("device_id", d.id).Warn("Failed to persist settings")
		}
	}
}

func (d *Device) persistBuffer() {
	if d.store == nil {
		return
	}
	if err := d.store.SaveBuffer(d.id, d.buffer.Snapshot()); err != nil {
		d.logger.WithError(err).WithField("device_id", d.id).Warn("Failed to persist scan buffer")
	}
}

func (d *Device) status() DeviceStatus {
	return DeviceStatus{
		DeviceID:        d.id,
		Battery:         d.battery,
		BufferedRecords: d.buffer.Len(),
		UptimeSec:       int64(time.Since(d.bootedAt).Seconds()),
		Timestamp:       time.Now().Unix(),
	}
}

func (d *Device) scanInterval() time.Duration {
	if d.battery < d.settings.LowVoltage {
		return d.settings.ScanIntervalLowBatt
	}
	return d.settings.ScanInterval
}

func (d *Device) tick() time.Duration {
	tick := d.settings.HubProbeInterval
	if tick <= 0 || tick > time.Second {
		tick = time.Second
	}
	return tick
}

func (d *Device) wait(ctx context.Context, dur time.Duration) {
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
