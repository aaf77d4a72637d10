// services/fleet/internal/core/registry.go
package core

import "sync"

// FleetRegistry tracks the live devices and hubs of one process. The
// simulator and the API read surface share it.
type FleetRegistry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	hubs    map[string]*Hub
}

// NewFleetRegistry creates an empty registry.
func NewFleetRegistry() *FleetRegistry {
	return &FleetRegistry{
		devices: make(map[string]*Device),
		hubs:    make(map[string]*Hub),
	}
}

// AddDevice registers a device.
func (r *FleetRegistry) AddDevice(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID()] = d
}

// AddHub registers a hub.
func (r *FleetRegistry) AddHub(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hubs[h.HubID()] = h
}

// Device looks up a device by ID.
func (r *FleetRegistry) Device(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Hub looks up a hub by ID.
func (r *FleetRegistry) Hub(id string) (*Hub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hubs[id]
	return h, ok
}

// Devices returns all registered devices.
func (r *FleetRegistry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Hubs returns all registered hubs.
func (r *FleetRegistry) Hubs() []*Hub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		out = append(out, h)
	}
	return out
}
