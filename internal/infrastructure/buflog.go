// services/fleet/internal/infrastructure/buflog.go
package infrastructure

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/core"
)

// BufferLog persists device scan buffers and hub batch buffers across deep
// sleep and power-save. One JSON file per owner, replaced atomically via
// write-then-rename so a crash mid-write leaves the previous snapshot intact.
type BufferLog struct {
	dir string
	mu  sync.Mutex
}

// NewBufferLog creates the storage directory if needed.
func NewBufferLog(dir string) (*BufferLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}
	return &BufferLog{dir: dir}, nil
}

// SaveBuffer persists a device's scan buffer.
func (b *BufferLog) SaveBuffer(deviceID string, scans []core.ScanRecord) error {
	return b.write(deviceID+".scans.json", scans)
}

// LoadBuffer restores a device's scan buffer. A missing file is an empty
// buffer, not an error.
func (b *BufferLog) LoadBuffer(deviceID string) ([]core.ScanRecord, error) {
	var scans []core.ScanRecord
	if err := b.read(deviceID+".scans.json", &scans); err != nil {
		return nil, err
	}
	return scans, nil
}

// SaveSettings persists the device settings served during the last config
// exchange so they survive deep sleep.
func (b *BufferLog) SaveSettings(deviceID string, settings config.DeviceConfig) error {
	return b.write(deviceID+".settings.json", settings)
}

// LoadSettings restores a device's persisted settings. Nothing stored is
// (nil, nil).
func (b *BufferLog) LoadSettings(deviceID string) (*config.DeviceConfig, error) {
	var settings *config.DeviceConfig
	if err := b.read(deviceID+".settings.json", &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveBatch persists a hub's pending upload buffer.
func (b *BufferLog) SaveBatch(hubID string, items []core.BatchItem) error {
	return b.write(hubID+".batch.json", items)
}

// LoadBatch restores a hub's pending upload buffer.
func (b *BufferLog) LoadBatch(hubID string) ([]core.BatchItem, error) {
	var items []core.BatchItem
	if err := b.read(hubID+".batch.json", &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (b *BufferLog) write(name string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal buffer: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.dir, sanitize(name))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write buffer file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace buffer file: %w", err)
	}
	return nil
}

func (b *BufferLog) read(name string, out interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(b.dir, sanitize(name)))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read buffer file: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// sanitize keeps owner IDs from escaping the storage directory.
func sanitize(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
}
