// services/fleet/internal/core/models.go
package core

import (
	"fmt"
	"time"
)

// DeviceState is a phase of the device lifecycle.
type DeviceState string

// Device lifecycle states. Transitions are strictly sequential per device:
// BOOT -> CONFIG_REQUEST -> (AT_HUB | SCANNING) -> SLEEP -> BOOT, with
// AT_HUB and SCANNING allowed to swap directly on dock/undock.
const (
	StateBoot          DeviceState = "BOOT"
	StateConfigRequest DeviceState = "CONFIG_REQUEST"
	StateScanning      DeviceState = "SCANNING"
	StateAtHub         DeviceState = "AT_HUB"
	StateSleep         DeviceState = "SLEEP"
)

// HubState is an operating sub-state of a hub.
type HubState string

const (
	HubStateConfigAP HubState = "CONFIG_AP"
	HubStateBLEOnly  HubState = "BLE_ONLY"
	HubStateWiFiSync HubState = "WIFI_SYNC"
	HubStateShutdown HubState = "SHUTDOWN"
)

// Network is a single observed WiFi access point. BSSID is the identity key
// for correlating observations across scans; SSIDs collide and are display
// only.
type Network struct {
	SSID    string `json:"ssid"`
	BSSID   string `json:"bssid"`
	RSSI    int    `json:"rssi"`
	Channel int    `json:"channel"`
}

// Coordinates is a resolved geographic position with its accuracy radius in
// meters. Produced only by the geolocation resolver.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// ScanRecord is one WiFi-scan snapshot. Networks are immutable once the
// record is created; Coordinates may be attached later by lazy resolution but
// never replaced.
type ScanRecord struct {
	Timestamp   int64        `json:"ts"`
	Networks    []Network    `json:"networks"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// AttachCoordinates sets the resolved position exactly once. Returns false if
// coordinates were already attached.
func (s *ScanRecord) AttachCoordinates(c *Coordinates) bool {
	if s.Coordinates != nil || c == nil {
		return false
	}
	s.Coordinates = c
	return true
}

// BatteryReading is one timestamped voltage sample.
type BatteryReading struct {
	Timestamp int64   `json:"ts"`
	Voltage   float64 `json:"voltage"`
}

// Connection event names recorded in session history.
const (
	ConnectionConnect    = "connect"
	ConnectionDisconnect = "disconnect"
)

// ConnectionEvent is one connect/disconnect against a hub.
type ConnectionEvent struct {
	Timestamp int64  `json:"ts"`
	Event     string `json:"event"`
	HubID     string `json:"hub"`
	Addr      string `json:"addr,omitempty"`
}

// Session modes.
const (
	SessionModeNormal = "normal"
	SessionModeDev    = "dev"
)

// Session is one away-from-hub-and-back interval for a device. End is nil
// while the session is active.
type Session struct {
	ID          string            `json:"id"`
	DeviceID    string            `json:"device_id"`
	Start       int64             `json:"start"`
	End         *int64            `json:"end,omitempty"`
	Mode        string            `json:"mode"`
	Scans       []ScanRecord      `json:"scans"`
	Battery     []BatteryReading  `json:"battery,omitempty"`
	Connections []ConnectionEvent `json:"connections,omitempty"`
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool { return s.End != nil }

// SessionID derives the session identifier from its start time, formatted
// YYYYMMDD_HHMM.
func SessionID(start time.Time) string {
	return start.UTC().Format("20060102_1504")
}

// DeviceStatus is the status report a docked device sends to its hub.
type DeviceStatus struct {
	DeviceID        string  `json:"device_id"`
	Battery         float64 `json:"battery"`
	BufferedRecords int     `json:"records"`
	UptimeSec       int64   `json:"uptime"`
	Timestamp       int64   `json:"ts"`
}

// Heartbeat summarizes a hub's health, written to the backend on a fixed
// interval and after every sync.
type Heartbeat struct {
	HubID            string   `json:"hub_id"`
	Timestamp        int64    `json:"ts"`
	ConnectedDevices int      `json:"devices_connected"`
	UptimeSec        int64    `json:"uptime"`
	State            HubState `json:"state"`
}

// BatchItemType tags entries in the hub's store-and-forward buffer.
type BatchItemType string

const (
	BatchDeviceConnected BatchItemType = "device_connected"
	BatchWiFiData        BatchItemType = "wifi_data"
	BatchLowBattery      BatchItemType = "low_battery"
)

// BatchItem is one typed entry in the hub's pending upload buffer.
type BatchItem struct {
	ID        string        `json:"id"`
	Type      BatchItemType `json:"type"`
	DeviceID  string        `json:"device_id"`
	HubID     string        `json:"hub_id"`
	Timestamp int64         `json:"ts"`
	Status    *DeviceStatus `json:"status,omitempty"`
	Scans     []ScanRecord  `json:"scans,omitempty"`
	Voltage   float64       `json:"voltage,omitempty"`
}

func (b BatchItem) String() string {
	return fmt.Sprintf("%s(%s)", b.Type, b.DeviceID)
}

// Ride is the derived trip summary computed from a closed session. It is
// recomputable from the session at any time and never authoritative.
type Ride struct {
	DeviceID       string        `json:"device_id"`
	SessionID      string        `json:"session_id"`
	StartTS        int64         `json:"start_ts"`
	EndTS          int64         `json:"end_ts"`
	DistanceKm     float64       `json:"km"`
	CO2SavedGrams  int           `json:"co2_saved_g"`
	Route          []Coordinates `json:"route,omitempty"`
	PointCount     int           `json:"points_count"`
	MovementPoints int           `json:"movement_points"`
	DurationMin    int           `json:"duration_min"`
	NetworkCount   int           `json:"network_count"`
}
