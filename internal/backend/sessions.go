// services/fleet/internal/backend/sessions.go
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/core"
	"github.com/sirupsen/logrus"
)

// Document keys. Everything the backend knows lives under these paths.
func keyStatus(deviceID string) string  { return "bikes/" + deviceID + "/status" }
func keyActive(deviceID string) string  { return "bikes/" + deviceID + "/active" }
func keyMetrics(deviceID string) string { return "bikes/" + deviceID + "/metrics" }
func keySession(deviceID, sessionID string) string {
	return "bikes/" + deviceID + "/sessions/" + sessionID
}
func keyRide(deviceID, sessionID string) string {
	return "bikes/" + deviceID + "/rides/" + sessionID
}
func keyHubHeartbeat(hubID string) string { return "hubs/" + hubID + "/heartbeat" }
func keyHubConfig(hubID string) string    { return "hubs/" + hubID + "/config" }

const keyPublicStats = "public_stats"

// sessionDoc is the stored shape of a session. Scan, battery and connection
// entries are kept in their compact wire form.
type sessionDoc struct {
	ID          string            `json:"id"`
	DeviceID    string            `json:"device_id"`
	Start       int64             `json:"start"`
	End         *int64            `json:"end,omitempty"`
	Mode        string            `json:"mode"`
	Scans       []json.RawMessage `json:"scans"`
	Battery     []json.RawMessage `json:"battery,omitempty"`
	Connections []json.RawMessage `json:"connections,omitempty"`
}

// activeDoc points at a device's open session.
type activeDoc struct {
	SessionID string `json:"session_id"`
	OpenedAt  int64  `json:"opened_at"`
}

// statusDoc is the last known status of a device.
type statusDoc struct {
	core.DeviceStatus
	HubID    string `json:"hub_id,omitempty"`
	LastSeen int64  `json:"last_seen"`
}

// DeviceMetrics is the per-device ride rollup.
type DeviceMetrics struct {
	TotalRides    int     `json:"total_rides"`
	TotalKm       float64 `json:"total_km"`
	TotalCO2Grams int     `json:"total_co2_g"`
	LastRideTS    int64   `json:"last_ride_ts,omitempty"`
}

// PublicStats is the fleet-wide rollup served without authentication.
type PublicStats struct {
	TotalRides    int     `json:"total_rides"`
	TotalKm       float64 `json:"total_km"`
	TotalCO2Grams int     `json:"total_co2_g"`
	UpdatedAt     int64   `json:"updated_at"`
}

// hubConfigDoc carries per-hub overrides for hub and device settings.
type hubConfigDoc struct {
	Hub    *config.HubConfig    `json:"hub,omitempty"`
	Device *config.DeviceConfig `json:"device,omitempty"`
}

// RideBuilder derives a trip summary from a closed session.
type RideBuilder interface {
	Reconstruct(ctx context.Context, session *core.Session) (*core.Ride, error)
}

// Adapter translates between the in-process fleet types and the document
// store. It is the hub's upload target and the read model behind the API.
type Adapter struct {
	store    Store
	notifier core.Notifier
	rides    RideBuilder
	logger   *logrus.Logger
}

// NewAdapter creates an adapter. notifier and rides may be nil; without a
// ride builder, closed sessions produce no stored rides.
func NewAdapter(store Store, notifier core.Notifier, rides RideBuilder, logger *logrus.Logger) *Adapter {
	return &Adapter{store: store, notifier: notifier, rides: rides, logger: logger}
}

// --- core.Uploader ---

// Flush applies a batch of hub items in order. The first failing item aborts
// the flush with an error so the hub retains the whole batch; items are
// written so that a replay converges on the same documents.
func (a *Adapter) Flush(ctx context.Context, items []core.BatchItem) error {
	for _, item := range items {
		var err error
		switch item.Type {
		case core.BatchWiFiData:
			err = a.appendScans(ctx, item)
		case core.BatchDeviceConnected:
			err = a.deviceConnected(ctx, item)
		case core.BatchLowBattery:
			err = a.lowBattery(ctx, item)
		default:
			a.logger.WithFields(logrus.Fields{
				"type":      item.Type,
				"device_id": item.DeviceID,
			}).Warn("Unknown batch item type, skipped")
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", item, err)
		}
	}
	return nil
}

// appendScans adds a device's uploaded scans to its open session, opening one
// keyed on the first scan's timestamp when none is open.
func (a *Adapter) appendScans(ctx context.Context, item core.BatchItem) error {
	if len(item.Scans) == 0 {
		return nil
	}

	sessionID, err := a.openSessionID(ctx, item.DeviceID, item.Scans[0].Timestamp)
	if err != nil {
		return err
	}

	return a.store.Update(ctx, keySession(item.DeviceID, sessionID), func(raw json.RawMessage) (interface{}, error) {
		doc := sessionDoc{
			ID:       sessionID,
			DeviceID: item.DeviceID,
			Start:    item.Scans[0].Timestamp,
			Mode:     core.SessionModeNormal,
		}
		if raw != nil {
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
		}
		for _, scan := range item.Scans {
			encoded, err := json.Marshal(EncodeScan(scan))
			if err != nil {
				return nil, err
			}
			doc.Scans = append(doc.Scans, encoded)
		}
		return doc, nil
	})
}

// deviceConnected closes the device's open session, records the connection
// in its history, and refreshes the status document.
func (a *Adapter) deviceConnected(ctx context.Context, item core.BatchItem) error {
	var active activeDoc
	err := a.store.Get(ctx, keyActive(item.DeviceID), &active)
	switch {
	case err == nil:
		closeErr := a.store.Update(ctx, keySession(item.DeviceID, active.SessionID), func(raw json.RawMessage) (interface{}, error) {
			var doc sessionDoc
			if raw == nil {
				return nil, ErrNotFound
			}
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
			if doc.End == nil {
				end := item.Timestamp
				doc.End = &end
			}
			conn, err := json.Marshal(EncodeConnection(core.ConnectionEvent{
				Timestamp: item.Timestamp,
				Event:     core.ConnectionConnect,
				HubID:     item.HubID,
			}))
			if err != nil {
				return nil, err
			}
			doc.Connections = append(doc.Connections, conn)
			return doc, nil
		})
		if closeErr != nil {
			return closeErr
		}
		if err := a.finishRide(ctx, item.DeviceID, active.SessionID); err != nil {
			return err
		}
		if err := a.store.Delete(ctx, keyActive(item.DeviceID)); err != nil {
			return err
		}
	case err == ErrNotFound:
		// First sighting or already closed; nothing to close.
	default:
		return err
	}

	status := statusDoc{HubID: item.HubID, LastSeen: item.Timestamp}
	if item.Status != nil {
		status.DeviceStatus = *item.Status
	} else {
		status.DeviceID = item.DeviceID
	}
	if err := a.store.Set(ctx, keyStatus(item.DeviceID), status); err != nil {
		return err
	}

	a.notify(ctx, core.Event{
		Type:      core.EventDeviceConnected,
		DeviceID:  item.DeviceID,
		HubID:     item.HubID,
		Timestamp: item.Timestamp,
	})
	return nil
}

// lowBattery records the reading in the open session when one exists and
// stamps the status document.
func (a *Adapter) lowBattery(ctx context.Context, item core.BatchItem) error {
	var active activeDoc
	if err := a.store.Get(ctx, keyActive(item.DeviceID), &active); err == nil {
		err := a.store.Update(ctx, keySession(item.DeviceID, active.SessionID), func(raw json.RawMessage) (interface{}, error) {
			var doc sessionDoc
			if raw == nil {
				return nil, ErrNotFound
			}
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
			reading, err := json.Marshal(EncodeBattery(core.BatteryReading{
				Timestamp: item.Timestamp,
				Voltage:   item.Voltage,
			}))
			if err != nil {
				return nil, err
			}
			doc.Battery = append(doc.Battery, reading)
			return doc, nil
		})
		if err != nil {
			return err
		}
	} else if err != ErrNotFound {
		return err
	}

	return a.store.Update(ctx, keyStatus(item.DeviceID), func(raw json.RawMessage) (interface{}, error) {
		var status statusDoc
		if raw != nil {
			if err := json.Unmarshal(raw, &status); err != nil {
				return nil, err
			}
		}
		status.DeviceID = item.DeviceID
		status.Battery = item.Voltage
		status.LastSeen = item.Timestamp
		return status, nil
	})
}

// finishRide derives and persists the trip for a just-closed session, rolling
// it into the device and fleet totals. Sessions with too little data or too
// little movement leave no ride behind. The active pointer is still in place
// when this runs, so a failed batch replays through the same path.
func (a *Adapter) finishRide(ctx context.Context, deviceID, sessionID string) error {
	if a.rides == nil {
		return nil
	}
	session, err := a.Session(ctx, deviceID, sessionID)
	if err != nil {
		return err
	}
	ride, err := a.rides.Reconstruct(ctx, session)
	if err != nil {
		if errors.Is(err, core.ErrInsufficientData) {
			return nil
		}
		return err
	}
	if ride == nil {
		return nil
	}
	a.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"session":   sessionID,
		"km":        ride.DistanceKm,
	}).Info("Ride recorded")
	return a.SaveRide(ctx, ride)
}

// openSessionID returns the device's open session ID, creating the session
// pointer when none exists.
func (a *Adapter) openSessionID(ctx context.Context, deviceID string, firstScanTS int64) (string, error) {
	var active activeDoc
	err := a.store.Get(ctx, keyActive(deviceID), &active)
	if err == nil {
		return active.SessionID, nil
	}
	if err != ErrNotFound {
		return "", err
	}

	sessionID := core.SessionID(time.Unix(firstScanTS, 0))
	active = activeDoc{SessionID: sessionID, OpenedAt: firstScanTS}
	if err := a.store.Set(ctx, keyActive(deviceID), active); err != nil {
		return "", err
	}
	return sessionID, nil
}

// --- core.HeartbeatSink ---

func (a *Adapter) SendHeartbeat(ctx context.Context, hb core.Heartbeat) error {
	return a.store.Set(ctx, keyHubHeartbeat(hb.HubID), hb)
}

// --- core.ConfigSource ---

// HubSettings returns the hub's stored override, or (nil, nil) when none is
// set so the hub keeps its current settings.
func (a *Adapter) HubSettings(ctx context.Context, hubID string) (*config.HubConfig, error) {
	var doc hubConfigDoc
	err := a.store.Get(ctx, keyHubConfig(hubID), &doc)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Hub, nil
}

// DeviceSettings returns the device settings override stored for the hub, or
// (nil, nil) when none is set.
func (a *Adapter) DeviceSettings(ctx context.Context, hubID string) (*config.DeviceConfig, error) {
	var doc hubConfigDoc
	err := a.store.Get(ctx, keyHubConfig(hubID), &doc)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Device, nil
}

// WriteConfig stores per-hub overrides for hub and device settings.
func (a *Adapter) WriteConfig(ctx context.Context, hubID string, hub *config.HubConfig, device *config.DeviceConfig) error {
	return a.store.Set(ctx, keyHubConfig(hubID), hubConfigDoc{Hub: hub, Device: device})
}

// --- core.RideSink ---

// SaveRide persists the ride and folds it into the per-device and fleet-wide
// rollups.
func (a *Adapter) SaveRide(ctx context.Context, ride *core.Ride) error {
	if err := a.store.Set(ctx, keyRide(ride.DeviceID, ride.SessionID), ride); err != nil {
		return err
	}

	err := a.store.Update(ctx, keyMetrics(ride.DeviceID), func(raw json.RawMessage) (interface{}, error) {
		var m DeviceMetrics
		if raw != nil {
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil, err
			}
		}
		m.TotalRides++
		m.TotalKm += ride.DistanceKm
		m.TotalCO2Grams += ride.CO2SavedGrams
		m.LastRideTS = ride.EndTS
		return m, nil
	})
	if err != nil {
		return err
	}

	return a.store.Update(ctx, keyPublicStats, func(raw json.RawMessage) (interface{}, error) {
		var s PublicStats
		if raw != nil {
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
		}
		s.TotalRides++
		s.TotalKm += ride.DistanceKm
		s.TotalCO2Grams += ride.CO2SavedGrams
		s.UpdatedAt = time.Now().Unix()
		return s, nil
	})
}

// --- Read model ---

// Devices lists the IDs of every device the backend has seen.
func (a *Adapter) Devices(ctx context.Context) ([]string, error) {
	docs, err := a.store.Query(ctx, "bikes/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, doc := range docs {
		rest := strings.TrimPrefix(doc.Key, "bikes/")
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// Status returns the device's last known status.
func (a *Adapter) Status(ctx context.Context, deviceID string) (*core.DeviceStatus, error) {
	var status statusDoc
	err := a.store.Get(ctx, keyStatus(deviceID), &status)
	if err == ErrNotFound {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &status.DeviceStatus, nil
}

// Session returns one session with its entries decoded.
func (a *Adapter) Session(ctx context.Context, deviceID, sessionID string) (*core.Session, error) {
	var doc sessionDoc
	err := a.store.Get(ctx, keySession(deviceID, sessionID), &doc)
	if err == ErrNotFound {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sessionFromDoc(doc), nil
}

// LatestSession returns the device's most recent session. Session IDs sort
// chronologically, so the last key under the prefix is the latest.
func (a *Adapter) LatestSession(ctx context.Context, deviceID string) (*core.Session, error) {
	docs, err := a.store.Query(ctx, "bikes/"+deviceID+"/sessions/")
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, core.ErrSessionNotFound
	}
	var doc sessionDoc
	if err := json.Unmarshal(docs[len(docs)-1].Value, &doc); err != nil {
		return nil, err
	}
	return sessionFromDoc(doc), nil
}

// SessionIDs lists the device's session IDs in chronological order.
func (a *Adapter) SessionIDs(ctx context.Context, deviceID string) ([]string, error) {
	prefix := "bikes/" + deviceID + "/sessions/"
	docs, err := a.store.Query(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, strings.TrimPrefix(doc.Key, prefix))
	}
	return out, nil
}

// Metrics returns the device's ride rollup.
func (a *Adapter) Metrics(ctx context.Context, deviceID string) (*DeviceMetrics, error) {
	var m DeviceMetrics
	err := a.store.Get(ctx, keyMetrics(deviceID), &m)
	if err == ErrNotFound {
		return &DeviceMetrics{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Stats returns the fleet-wide rollup.
func (a *Adapter) Stats(ctx context.Context) (*PublicStats, error) {
	var s PublicStats
	err := a.store.Get(ctx, keyPublicStats, &s)
	if err == ErrNotFound {
		return &PublicStats{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// HubHeartbeat returns a hub's last heartbeat.
func (a *Adapter) HubHeartbeat(ctx context.Context, hubID string) (*core.Heartbeat, error) {
	var hb core.Heartbeat
	err := a.store.Get(ctx, keyHubHeartbeat(hubID), &hb)
	if err == ErrNotFound {
		return nil, core.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

func sessionFromDoc(doc sessionDoc) *core.Session {
	s := &core.Session{
		ID:       doc.ID,
		DeviceID: doc.DeviceID,
		Start:    doc.Start,
		End:      doc.End,
		Mode:     doc.Mode,
	}
	for _, raw := range doc.Scans {
		if scan, ok := DecodeScan(raw); ok {
			s.Scans = append(s.Scans, scan)
		}
	}
	for _, raw := range doc.Battery {
		if b, ok := DecodeBattery(raw); ok {
			s.Battery = append(s.Battery, b)
		}
	}
	for _, raw := range doc.Connections {
		if c, ok := DecodeConnection(raw); ok {
			s.Connections = append(s.Connections, c)
		}
	}
	return s
}

func (a *Adapter) notify(ctx context.Context, event core.Event) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.PublishEvent(ctx, event); err != nil {
		a.logger.WithError(err).WithField("event", event.Type).Warn("Event delivery failed")
	}
}
