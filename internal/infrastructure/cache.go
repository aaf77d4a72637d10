// services/fleet/internal/infrastructure/cache.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/core"
	"github.com/go-redis/redis/v8"
)

// Cache wraps Redis for the hot read paths: resolved coordinates by network
// fingerprint and last-known device status.
type Cache struct {
	client   *redis.Client
	coordTTL time.Duration
}

// NewCache creates a new cache connection.
func NewCache(cfg config.RedisConfig, coordTTL time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client, coordTTL: coordTTL}, nil
}

// GetCoordinates returns the cached position for a network fingerprint.
// A cache miss is (nil, nil).
func (c *Cache) GetCoordinates(ctx context.Context, key string) (*core.Coordinates, error) {
	raw, err := c.client.Get(ctx, "geo:"+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var coords core.Coordinates
	if err := json.Unmarshal([]byte(raw), &coords); err != nil {
		return nil, err
	}
	return &coords, nil
}

// SetCoordinates caches a resolved position for a network fingerprint.
func (c *Cache) SetCoordinates(ctx context.Context, key string, coords *core.Coordinates) error {
	raw, err := json.Marshal(coords)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "geo:"+key, raw, c.coordTTL).Err()
}

// SetStatus caches a device's last known status.
func (c *Cache) SetStatus(ctx context.Context, status core.DeviceStatus, expiration time.Duration) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "status:"+status.DeviceID, raw, expiration).Err()
}

// GetStatus returns a device's cached status. A cache miss is (nil, nil).
func (c *Cache) GetStatus(ctx context.Context, deviceID string) (*core.DeviceStatus, error) {
	raw, err := c.client.Get(ctx, "status:"+deviceID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status core.DeviceStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Delete removes a value from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Close closes the cache connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
