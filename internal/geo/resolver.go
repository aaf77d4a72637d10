// services/fleet/internal/geo/resolver.go
package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/core"
	"example.com/bpr/services/fleet/internal/utils"
	"github.com/sirupsen/logrus"
)

// CoordinateCache caches resolved positions keyed by network fingerprint.
// A (nil, nil) Get is a cache miss.
type CoordinateCache interface {
	GetCoordinates(ctx context.Context, key string) (*core.Coordinates, error)
	SetCoordinates(ctx context.Context, key string, coords *core.Coordinates) error
}

// HTTPResolver resolves WiFi scans to positions through an external
// geolocation API. Lookups are throttled to the configured minimum interval
// and served from the cache when the same network set was resolved before.
type HTTPResolver struct {
	endpoint string
	apiKey   string
	client   *http.Client
	minGap   time.Duration
	cache    CoordinateCache
	logger   *logrus.Logger

	mu       sync.Mutex
	lastCall time.Time
}

// NewHTTPResolver creates a resolver. The API key is mandatory; cache may be
// nil.
func NewHTTPResolver(cfg config.GeolocationConfig, cache CoordinateCache, logger *logrus.Logger) (*HTTPResolver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("geolocation API key not configured")
	}
	return &HTTPResolver{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		minGap:   cfg.MinInterval,
		cache:    cache,
		logger:   logger,
	}, nil
}

type accessPoint struct {
	MACAddress     string `json:"macAddress"`
	SignalStrength int    `json:"signalStrength"`
	Channel        int    `json:"channel,omitempty"`
}

type geolocateRequest struct {
	WiFiAccessPoints []accessPoint `json:"wifiAccessPoints"`
	ConsiderIP       bool          `json:"considerIp"`
}

type geolocateResponse struct {
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
	Accuracy float64 `json:"accuracy"`
}

// Resolve looks up the position for a set of observed networks. A successful
// lookup with no usable fix returns (nil, nil).
func (r *HTTPResolver) Resolve(ctx context.Context, networks []core.Network) (*core.Coordinates, error) {
	if len(networks) == 0 {
		return nil, nil
	}

	bssids := make([]string, len(networks))
	for i, n := range networks {
		bssids[i] = n.BSSID
	}
	fingerprint := utils.Fingerprint(bssids)

	if r.cache != nil {
		if coords, err := r.cache.GetCoordinates(ctx, fingerprint); err != nil {
			r.logger.WithError(err).Debug("Coordinate cache read failed")
		} else if coords != nil {
			return coords, nil
		}
	}

	r.throttle(ctx)

	coords, err := r.lookup(ctx, networks)
	if err != nil {
		return nil, err
	}

	if coords != nil && r.cache != nil {
		if err := r.cache.SetCoordinates(ctx, fingerprint, coords); err != nil {
			r.logger.WithError(err).Debug("Coordinate cache write failed")
		}
	}
	return coords, nil
}

func (r *HTTPResolver) lookup(ctx context.Context, networks []core.Network) (*core.Coordinates, error) {
	aps := make([]accessPoint, 0, len(networks))
	for _, n := range networks {
		aps = append(aps, accessPoint{
			MACAddress:     n.BSSID,
			SignalStrength: n.RSSI,
			Channel:        n.Channel,
		})
	}
	body, err := json.Marshal(geolocateRequest{WiFiAccessPoints: aps})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"?key="+r.apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geolocation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// The API knows none of the observed networks.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("geolocation API returned %d: %s", resp.StatusCode, payload)
	}

	var parsed geolocateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("geolocation response malformed: %w", err)
	}
	return &core.Coordinates{
		Latitude:  parsed.Location.Lat,
		Longitude: parsed.Location.Lng,
		Accuracy:  parsed.Accuracy,
	}, nil
}

// throttle enforces the minimum spacing between outbound lookups. Idle time
// never accrues credit: a burst after a quiet period still spaces every call
// by the full gap.
func (r *HTTPResolver) throttle(ctx context.Context) {
	r.mu.Lock()
	now := time.Now()
	wait := r.minGap - now.Sub(r.lastCall)
	if wait <= 0 {
		r.lastCall = now
	} else {
		r.lastCall = now.Add(wait)
	}
	r.mu.Unlock()

	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
