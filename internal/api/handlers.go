// services/fleet/internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/backend"
	"example.com/bpr/services/fleet/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// statusCacheTTL bounds how stale a cached device status may get.
const statusCacheTTL = 30 * time.Second

// StatusCache serves last-known device status from a hot cache in front of the
// document store. A (nil, nil) Get is a miss.
type StatusCache interface {
	GetStatus(ctx context.Context, deviceID string) (*core.DeviceStatus, error)
	SetStatus(ctx context.Context, status core.DeviceStatus, expiration time.Duration) error
}

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	adapter *backend.Adapter
	recon   *core.Reconstructor
	status  StatusCache
	logger  *logrus.Logger
}

// NewAPIHandlers creates a new handler instance. status may be nil; reads then
// go straight to the store.
func NewAPIHandlers(adapter *backend.Adapter, recon *core.Reconstructor, status StatusCache, logger *logrus.Logger) *APIHandlers {
	return &APIHandlers{adapter: adapter, recon: recon, status: status, logger: logger}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "fleet-tracking-api",
	})
}

// --- Device read endpoints ---

// ListDevices returns all known device IDs
func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices, err := h.adapter.Devices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDeviceStatus returns a device's last known status
func (h *APIHandlers) GetDeviceStatus(c *gin.Context) {
	ctx := c.Request.Context()
	deviceID := c.Param("id")

	if h.status != nil {
		if cached, err := h.status.GetStatus(ctx, deviceID); err != nil {
			h.logger.WithError(err).Debug("Status cache read failed")
		} else if cached != nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	status, err := h.adapter.Status(ctx, deviceID)
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get device status"})
		}
		return
	}

	if h.status != nil {
		if err := h.status.SetStatus(ctx, *status, statusCacheTTL); err != nil {
			h.logger.WithError(err).Debug("Status cache write failed")
		}
	}
	c.JSON(http.StatusOK, status)
}

// ListSessions returns a device's session IDs in chronological order
func (h *APIHandlers) ListSessions(c *gin.Context) {
	ids, err := h.adapter.SessionIDs(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": ids,
		"count":    len(ids),
	})
}

// GetSession returns one session, or the latest when the id is "latest"
func (h *APIHandlers) GetSession(c *gin.Context) {
	deviceID := c.Param("id")
	sessionID := c.Param("sid")

	var session *core.Session
	var err error
	if sessionID == "latest" {
		session, err = h.adapter.LatestSession(c.Request.Context(), deviceID)
	} else {
		session, err = h.adapter.Session(c.Request.Context(), deviceID, sessionID)
	}
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get session"})
		}
		return
	}

	c.JSON(http.StatusOK, session)
}

// GetRide reconstructs the trip for a session on demand
func (h *APIHandlers) GetRide(c *gin.Context) {
	deviceID := c.Param("id")
	sessionID := c.Param("sid")

	var session *core.Session
	var err error
	if sessionID == "latest" {
		session, err = h.adapter.LatestSession(c.Request.Context(), deviceID)
	} else {
		session, err = h.adapter.Session(c.Request.Context(), deviceID, sessionID)
	}
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get session"})
		}
		return
	}

	ride, err := h.recon.Reconstruct(c.Request.Context(), session)
	if err != nil {
		if errors.Is(err, core.ErrInsufficientData) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reconstruct ride"})
		}
		return
	}
	if ride == nil {
		c.JSON(http.StatusOK, gin.H{"ride": nil, "reason": "below minimum trip distance"})
		return
	}

	c.JSON(http.StatusOK, ride)
}

// GetDeviceMetrics returns the per-device ride rollup
func (h *APIHandlers) GetDeviceMetrics(c *gin.Context) {
	metrics, err := h.adapter.Metrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get metrics"})
		return
	}

	c.JSON(http.StatusOK, metrics)
}

// --- Hub endpoints ---

// GetHubHeartbeat returns a hub's last heartbeat
func (h *APIHandlers) GetHubHeartbeat(c *gin.Context) {
	hb, err := h.adapter.HubHeartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "hub not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get heartbeat"})
		}
		return
	}

	c.JSON(http.StatusOK, hb)
}

// PutHubConfig stores per-hub overrides for hub and device settings
func (h *APIHandlers) PutHubConfig(c *gin.Context) {
	var req struct {
		Hub    *config.HubConfig    `json:"hub"`
		Device *config.DeviceConfig `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	if err := h.adapter.WriteConfig(c.Request.Context(), c.Param("id"), req.Hub, req.Device); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store config"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// --- Ingest endpoints ---

// IngestBatch accepts a hub's batch upload
func (h *APIHandlers) IngestBatch(c *gin.Context) {
	var req struct {
		Items []core.BatchItem `json:"items" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	if err := h.adapter.Flush(c.Request.Context(), req.Items); err != nil {
		h.logger.WithError(err).Warn("Batch ingest failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply batch"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": len(req.Items)})
}

// IngestScans accepts a compact-form scan list for one device
func (h *APIHandlers) IngestScans(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	scans, err := backend.DecodeScans(json.RawMessage(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scan payload"})
		return
	}
	if len(scans) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no usable scans in payload"})
		return
	}

	item := core.BatchItem{
		Type:      core.BatchWiFiData,
		DeviceID:  c.Param("id"),
		HubID:     c.Query("hub_id"),
		Timestamp: time.Now().Unix(),
		Scans:     scans,
	}
	if err := h.adapter.Flush(c.Request.Context(), []core.BatchItem{item}); err != nil {
		h.logger.WithError(err).Warn("Scan ingest failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store scans"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": len(scans)})
}

// --- Public stats ---

// GetStats returns the fleet-wide rollup
func (h *APIHandlers) GetStats(c *gin.Context) {
	stats, err := h.adapter.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}
