package memory

import (
	"context"
	"sync"

	"github.com/dovaclean/testorc/pkg/core"
)

// Registry implements an in-memory device registry. Poller overwrites
// its contents wholesale on every poll cycle; there is no durable
// state to lose between process restarts.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]core.Device
}

// New creates a new in-memory registry.
func New() *Registry {
	return &Registry{
		devices: make(map[string]core.Device),
	}
}

// List returns devices matching the given filter.
func (r *Registry) List(ctx context.Context, filter core.Filter) ([]core.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]core.Device, 0)

	for _, device := range r.devices {
		if matchesFilter(device, filter) {
			devices = append(devices, device)
		}
	}

	start := filter.Offset
	end := len(devices)

	if start >= len(devices) {
		return []core.Device{}, nil
	}

	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	return devices[start:end], nil
}

// matchesFilter checks if a device matches the given filter criteria.
func matchesFilter(device core.Device, filter core.Filter) bool {
	if len(filter.IDs) > 0 {
		found := false
		for _, id := range filter.IDs {
			if device.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.Status != nil && device.Status != *filter.Status {
		return false
	}

	if filter.Role != "" && device.Role != filter.Role {
		return false
	}

	for key, value := range filter.Tags {
		if deviceValue, ok := device.Metadata[key]; !ok || deviceValue != value {
			return false
		}
	}

	if filter.LastSeenBefore != nil && device.LastSeen != nil {
		if device.LastSeen.After(*filter.LastSeenBefore) {
			return false
		}
	}

	if filter.LastSeenAfter != nil && device.LastSeen != nil {
		if device.LastSeen.Before(*filter.LastSeenAfter) {
			return false
		}
	}

	return true
}

// Get retrieves a single device by ID.
func (r *Registry) Get(ctx context.Context, id string) (*core.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[id]
	if !ok {
		return nil, core.ErrDeviceNotFound
	}
	return &device, nil
}

// Add registers a new device.
func (r *Registry) Add(ctx context.Context, device core.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[device.ID] = device
	return nil
}

// Update modifies an existing device.
func (r *Registry) Update(ctx context.Context, device core.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[device.ID]; !ok {
		return core.ErrDeviceNotFound
	}
	r.devices[device.ID] = device
	return nil
}

// Delete removes a device from the registry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; !ok {
		return core.ErrDeviceNotFound
	}
	delete(r.devices, id)
	return nil
}

// Snapshot returns every device currently held, ignoring filters. Poller
// uses this to diff the previous cycle against the new DeviceLister
// result without going through the List/filter path.
func (r *Registry) Snapshot() map[string]core.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]core.Device, len(r.devices))
	for id, d := range r.devices {
		out[id] = d
	}
	return out
}

// Replace atomically swaps the registry's contents with devices.
func (r *Registry) Replace(devices []core.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = make(map[string]core.Device, len(devices))
	for _, d := range devices {
		r.devices[d.ID] = d
	}
}
