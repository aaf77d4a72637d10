// services/fleet/internal/core/events.go
package core

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Event types emitted to notification collaborators. The core emits only
// structured payloads; human-readable formatting belongs to the consumers.
const (
	EventDeviceConnected  = "device_connected"
	EventDeviceDeparted   = "device_departed"
	EventDeviceArrived    = "device_arrived"
	EventLowBattery       = "low_battery"
	EventChargingComplete = "charging_complete"
	EventScanUpdate       = "scan_update"
)

// Event is a structured notification payload.
type Event struct {
	Type      string                 `json:"type"`
	DeviceID  string                 `json:"device_id,omitempty"`
	HubID     string                 `json:"hub_id,omitempty"`
	Timestamp int64                  `json:"ts"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Notifier delivers events to external channels. Delivery failures are
// transient: implementations report them, callers log and move on.
type Notifier interface {
	PublishEvent(ctx context.Context, event Event) error
}

// MultiNotifier fans an event out to several sinks. Individual sink failures
// do not stop delivery to the others; the first error is returned.
type MultiNotifier []Notifier

func (m MultiNotifier) PublishEvent(ctx context.Context, event Event) error {
	var first error
	for _, n := range m {
		if err := n.PublishEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogNotifier writes events to the logger. Used as the default sink in the
// simulator and whenever no external channel is configured.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (l *LogNotifier) PublishEvent(_ context.Context, event Event) error {
	l.Logger.WithFields(logrus.Fields{
		"event":     event.Type,
		"device_id": event.DeviceID,
		"hub_id":    event.HubID,
	}).Info("Event published")
	return nil
}

// Indicator patterns for the hub status light.
type IndicatorPattern string

const (
	IndicatorBoot          IndicatorPattern = "boot"
	IndicatorConfig        IndicatorPattern = "config"
	IndicatorBLEReady      IndicatorPattern = "ble_ready"
	IndicatorWiFiSync      IndicatorPattern = "wifi_sync"
	IndicatorDeviceArrived IndicatorPattern = "device_arrived"
	IndicatorDeviceLeft    IndicatorPattern = "device_left"
	IndicatorError         IndicatorPattern = "error"
	IndicatorOff           IndicatorPattern = "off"
)

// Indicator drives the hub's visual status signal.
type Indicator interface {
	Signal(pattern IndicatorPattern)
}

// LogIndicator logs indicator changes instead of driving hardware.
type LogIndicator struct {
	HubID  string
	Logger *logrus.Logger
}

func (l *LogIndicator) Signal(pattern IndicatorPattern) {
	l.Logger.WithFields(logrus.Fields{"hub_id": l.HubID, "pattern": pattern}).Debug("Indicator")
}

// NoopIndicator discards indicator signals.
type NoopIndicator struct{}

func (NoopIndicator) Signal(IndicatorPattern) {}
