package backend

import (
	"encoding/json"
	"testing"

	"example.com/bpr/services/fleet/internal/core"
	"github.com/stretchr/testify/require"
)

func TestDecodeScanTupleNetworks(t *testing.T) {
	raw := json.RawMessage(`[1700000000, [["HomeNet", "aa:bb:cc:dd:ee:01", -55, 6], ["CafeWiFi", "aa:bb:cc:dd:ee:02", -70, 11]]]`)

	scan, ok := DecodeScan(raw)
	require.True(t, ok)
	require.Equal(t, int64(1700000000), scan.Timestamp)
	require.Len(t, scan.Networks, 2)
	require.Equal(t, core.Network{SSID: "HomeNet", BSSID: "aa:bb:cc:dd:ee:01", RSSI: -55, Channel: 6}, scan.Networks[0])
}

func TestDecodeScanObjectNetworks(t *testing.T) {
	raw := json.RawMessage(`[1700000000, [{"ssid": "HomeNet", "bssid": "aa:bb:cc:dd:ee:01", "rssi": -55, "channel": 6}]]`)

	scan, ok := DecodeScan(raw)
	require.True(t, ok)
	require.Len(t, scan.Networks, 1)
	require.Equal(t, "aa:bb:cc:dd:ee:01", scan.Networks[0].BSSID)
	require.Equal(t, -55, scan.Networks[0].RSSI)
}

func TestDecodeScanSkipsMalformedNetworks(t *testing.T) {
	raw := json.RawMessage(`[1700000000, [["only-ssid"], 42, {"ssid": "NoBSSID"}, ["OK", "aa:bb:cc:dd:ee:03", -60, 1]]]`)

	scan, ok := DecodeScan(raw)
	require.True(t, ok)
	require.Len(t, scan.Networks, 1)
	require.Equal(t, "aa:bb:cc:dd:ee:03", scan.Networks[0].BSSID)
}

func TestDecodeScanRejectsUnusableEntry(t *testing.T) {
	for _, raw := range []string{`"not-an-array"`, `[]`, `["ts", []]`, `[1700000000, "no-networks"]`} {
		_, ok := DecodeScan(json.RawMessage(raw))
		require.False(t, ok, "entry %s should be rejected", raw)
	}
}

func TestDecodeScansSkipsMalformedEntries(t *testing.T) {
	raw := json.RawMessage(`[[1700000000, [["A", "aa:01", -50, 1]]], "bogus", [1700000300, [["B", "aa:02", -60, 6]]]]`)

	scans, err := DecodeScans(raw)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	require.Equal(t, int64(1700000300), scans[1].Timestamp)
}

func TestEncodeScanRoundTrip(t *testing.T) {
	in := core.ScanRecord{
		Timestamp: 1700000000,
		Networks: []core.Network{
			{SSID: "HomeNet", BSSID: "aa:01", RSSI: -55, Channel: 6},
		},
		Coordinates: &core.Coordinates{Latitude: 1, Longitude: 2},
	}

	raw, err := json.Marshal(EncodeScan(in))
	require.NoError(t, err)

	out, ok := DecodeScan(raw)
	require.True(t, ok)
	require.Equal(t, in.Timestamp, out.Timestamp)
	require.Equal(t, in.Networks, out.Networks)
	// Coordinates are not part of the wire form.
	require.Nil(t, out.Coordinates)
}

func TestBatteryAndConnectionRoundTrip(t *testing.T) {
	battery, err := json.Marshal(EncodeBattery(core.BatteryReading{Timestamp: 1700000000, Voltage: 3.4}))
	require.NoError(t, err)
	b, ok := DecodeBattery(battery)
	require.True(t, ok)
	require.Equal(t, 3.4, b.Voltage)

	conn, err := json.Marshal(EncodeConnection(core.ConnectionEvent{
		Timestamp: 1700000000,
		Event:     core.ConnectionConnect,
		HubID:     "hub-01",
		Addr:      "10.0.0.2",
	}))
	require.NoError(t, err)
	c, ok := DecodeConnection(conn)
	require.True(t, ok)
	require.Equal(t, "hub-01", c.HubID)
	require.Equal(t, core.ConnectionConnect, c.Event)
}
