// services/fleet/internal/sim/sim.go
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"example.com/bpr/services/fleet/config"
	"example.com/bpr/services/fleet/internal/backend"
	"example.com/bpr/services/fleet/internal/core"
	"example.com/bpr/services/fleet/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

// hubDiscoveryProbability is the per-probe chance that a roaming device finds
// itself in range of a hub.
const hubDiscoveryProbability = 0.15

// registryFinder models radio-range hub discovery over the fleet registry.
type registryFinder struct {
	registry *core.FleetRegistry
	mu       sync.Mutex
	rng      *rand.Rand
}

func (f *registryFinder) FindHub(_ context.Context) (core.HubLink, error) {
	hubs := f.registry.Hubs()
	if len(hubs) == 0 {
		return nil, core.ErrHubNotFound
	}

	f.mu.Lock()
	roll := f.rng.Float64()
	pick := f.rng.Intn(len(hubs))
	f.mu.Unlock()

	if roll > hubDiscoveryProbability {
		return nil, core.ErrHubNotFound
	}
	return hubs[pick], nil
}

// Runtime wires an in-memory fleet: hubs, devices, backend adapter and
// registry, all in one process. Everything runs against compressed time.
type Runtime struct {
	cfg      *config.Config
	registry *core.FleetRegistry
	adapter  *backend.Adapter
	logger   *logrus.Logger
}

// NewRuntime builds the simulated fleet from configuration.
func NewRuntime(cfg *config.Config, logger *logrus.Logger) *Runtime {
	registry := core.NewFleetRegistry()
	store := backend.NewMemoryStore()
	notifier := &core.LogNotifier{Logger: logger}
	recon := core.NewReconstructor(cfg.Ride, nil, logger)
	adapter := backend.NewAdapter(store, notifier, recon, logger)

	rt := &Runtime{
		cfg:      cfg,
		registry: registry,
		adapter:  adapter,
		logger:   logger,
	}

	var bufferLog *infrastructure.BufferLog
	if cfg.Storage.BufferPath != "" {
		var err error
		bufferLog, err = infrastructure.NewBufferLog(cfg.Storage.BufferPath)
		if err != nil {
			logger.WithError(err).Warn("Buffer persistence unavailable, running without it")
		}
	}

	deviceCfg := scaleDeviceConfig(cfg.Device, cfg.Simulation.TimeScale)
	hubCfg := scaleHubConfig(cfg.Hub, cfg.Simulation.TimeScale)
	finder := &registryFinder{
		registry: registry,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	var batchStore core.BatchStore
	var bufferStore core.BufferStore
	if bufferLog != nil {
		batchStore = bufferLog
		bufferStore = bufferLog
	}

	for i := 0; i < cfg.Simulation.Hubs; i++ {
		hubID := fmt.Sprintf("hub-%02d", i+1)
		hub := core.NewHub(hubID, core.HubOptions{
			Config:         hubCfg,
			DeviceDefaults: deviceCfg,
			Uploader:       adapter,
			Heartbeats:     adapter,
			Configs:        adapter,
			BatchStore:     batchStore,
			Notifier:       notifier,
			Indicator:      &core.LogIndicator{HubID: hubID, Logger: logger},
			Logger:         logger,
		})
		registry.AddHub(hub)
	}

	for i := 0; i < cfg.Simulation.Devices; i++ {
		scanner := NewRandomScanner(int64(i+1), 24)
		device := core.NewDevice("", deviceCfg, finder, scanner, bufferStore, logger)
		registry.AddDevice(device)
	}

	return rt
}

// Registry exposes the simulated fleet.
func (r *Runtime) Registry() *core.FleetRegistry { return r.registry }

// Adapter exposes the backend adapter the simulated hubs upload to.
func (r *Runtime) Adapter() *backend.Adapter { return r.adapter }

// Run starts every hub and device and blocks until the context is cancelled
// or the configured duration elapses.
func (r *Runtime) Run(ctx context.Context) error {
	if r.cfg.Simulation.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Simulation.Duration)
		defer cancel()
	}

	r.logger.WithFields(logrus.Fields{
		"devices":    r.cfg.Simulation.Devices,
		"hubs":       r.cfg.Simulation.Hubs,
		"time_scale": r.cfg.Simulation.TimeScale,
	}).Info("Starting fleet simulation")

	var wg sync.WaitGroup
	for _, hub := range r.registry.Hubs() {
		wg.Add(1)
		go func(h *core.Hub) {
			defer wg.Done()
			h.Run(ctx)
		}(hub)
	}
	for _, device := range r.registry.Devices() {
		wg.Add(1)
		go func(d *core.Device) {
			defer wg.Done()
			d.Run(ctx)
		}(device)
	}

	wg.Wait()
	r.logger.Info("Fleet simulation stopped")
	return nil
}

// scaleDeviceConfig compresses every duration by the time-scale factor so a
// five-minute scan interval plays out in seconds.
func scaleDeviceConfig(cfg config.DeviceConfig, scale float64) config.DeviceConfig {
	if scale <= 1 {
		return cfg
	}
	cfg.ScanInterval = scaleDuration(cfg.ScanInterval, scale)
	cfg.ScanIntervalLowBatt = scaleDuration(cfg.ScanIntervalLowBatt, scale)
	cfg.HubProbeInterval = scaleDuration(cfg.HubProbeInterval, scale)
	cfg.StatusInterval = scaleDuration(cfg.StatusInterval, scale)
	cfg.ConfigRetryBackoff = scaleDuration(cfg.ConfigRetryBackoff, scale)
	cfg.DeepSleepDuration = scaleDuration(cfg.DeepSleepDuration, scale)
	return cfg
}

func scaleHubConfig(cfg config.HubConfig, scale float64) config.HubConfig {
	if scale <= 1 {
		return cfg
	}
	cfg.SyncInterval = scaleDuration(cfg.SyncInterval, scale)
	cfg.HeartbeatInterval = scaleDuration(cfg.HeartbeatInterval, scale)
	cfg.DeviceTimeout = scaleDuration(cfg.DeviceTimeout, scale)
	cfg.PowerSaveDuration = scaleDuration(cfg.PowerSaveDuration, scale)
	return cfg
}

func scaleDuration(d time.Duration, scale float64) time.Duration {
	scaled := time.Duration(float64(d) / scale)
	if scaled < 10*time.Millisecond {
		scaled = 10 * time.Millisecond
	}
	return scaled
}
