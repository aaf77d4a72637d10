// services/fleet/internal/backend/codec.go
package backend

import (
	"encoding/json"

	"example.com/bpr/services/fleet/internal/core"
)

// Compact wire forms used in stored documents and on the ingest surface.
// A scan is [ts, networks]; a network is either the positional tuple
// [ssid, bssid, rssi, channel] or the equivalent object; a battery reading is
// [ts, voltage]; a connection event is [ts, event, hub, ip]. Decoders skip
// malformed entries instead of failing the surrounding document.

// EncodeScan renders a scan record in compact form. Attached coordinates are
// not part of the wire form and are dropped.
func EncodeScan(s core.ScanRecord) []interface{} {
	networks := make([]interface{}, 0, len(s.Networks))
	for _, n := range s.Networks {
		networks = append(networks, []interface{}{n.SSID, n.BSSID, n.RSSI, n.Channel})
	}
	return []interface{}{s.Timestamp, networks}
}

// EncodeScans renders a scan list in compact form.
func EncodeScans(scans []core.ScanRecord) []interface{} {
	out := make([]interface{}, 0, len(scans))
	for _, s := range scans {
		out = append(out, EncodeScan(s))
	}
	return out
}

// EncodeBattery renders a battery reading in compact form.
func EncodeBattery(b core.BatteryReading) []interface{} {
	return []interface{}{b.Timestamp, b.Voltage}
}

// EncodeConnection renders a connection event in compact form.
func EncodeConnection(c core.ConnectionEvent) []interface{} {
	return []interface{}{c.Timestamp, c.Event, c.HubID, c.Addr}
}

// DecodeScan parses one compact scan entry. Returns false when the entry is
// not a usable scan.
func DecodeScan(raw json.RawMessage) (core.ScanRecord, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 2 {
		return core.ScanRecord{}, false
	}

	var ts int64
	if err := json.Unmarshal(parts[0], &ts); err != nil {
		return core.ScanRecord{}, false
	}

	var rawNetworks []json.RawMessage
	if err := json.Unmarshal(parts[1], &rawNetworks); err != nil {
		return core.ScanRecord{}, false
	}

	networks := make([]core.Network, 0, len(rawNetworks))
	for _, rn := range rawNetworks {
		if n, ok := decodeNetwork(rn); ok {
			networks = append(networks, n)
		}
	}
	return core.ScanRecord{Timestamp: ts, Networks: networks}, true
}

// DecodeScans parses a compact scan list, skipping malformed entries.
func DecodeScans(raw json.RawMessage) ([]core.ScanRecord, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	scans := make([]core.ScanRecord, 0, len(entries))
	for _, e := range entries {
		if s, ok := DecodeScan(e); ok {
			scans = append(scans, s)
		}
	}
	return scans, nil
}

// decodeNetwork accepts both the positional tuple and the object shape.
func decodeNetwork(raw json.RawMessage) (core.Network, bool) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err == nil {
		if len(tuple) < 3 {
			return core.Network{}, false
		}
		var n core.Network
		if json.Unmarshal(tuple[0], &n.SSID) != nil ||
			json.Unmarshal(tuple[1], &n.BSSID) != nil ||
			json.Unmarshal(tuple[2], &n.RSSI) != nil {
			return core.Network{}, false
		}
		if len(tuple) > 3 {
			_ = json.Unmarshal(tuple[3], &n.Channel)
		}
		return n, n.BSSID != ""
	}

	var n core.Network
	if err := json.Unmarshal(raw, &n); err != nil {
		return core.Network{}, false
	}
	return n, n.BSSID != ""
}

// DecodeBattery parses one compact battery reading.
func DecodeBattery(raw json.RawMessage) (core.BatteryReading, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 2 {
		return core.BatteryReading{}, false
	}
	var b core.BatteryReading
	if json.Unmarshal(parts[0], &b.Timestamp) != nil ||
		json.Unmarshal(parts[1], &b.Voltage) != nil {
		return core.BatteryReading{}, false
	}
	return b, true
}

// DecodeConnection parses one compact connection event.
func DecodeConnection(raw json.RawMessage) (core.ConnectionEvent, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 3 {
		return core.ConnectionEvent{}, false
	}
	var c core.ConnectionEvent
	if json.Unmarshal(parts[0], &c.Timestamp) != nil ||
		json.Unmarshal(parts[1], &c.Event) != nil ||
		json.Unmarshal(parts[2], &c.HubID) != nil {
		return core.ConnectionEvent{}, false
	}
	if len(parts) > 3 {
		_ = json.Unmarshal(parts[3], &c.Addr)
	}
	return c, true
}
