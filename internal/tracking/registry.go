package tracking

import (
	"context"
	"sync"
)

// Registry resolves tracker device ids to vehicle ids. Resolved mappings are
// cached until Forget; the tracking service forgets a mapping once the store
// no longer backs it.
type Registry struct {
	vehicles VehicleStore

	mu       sync.RWMutex
	byDevice map[string]string
}

func NewRegistry(vehicles VehicleStore) *Registry {
	return &Registry{vehicles: vehicles, byDevice: make(map[string]string)}
}

// VehicleID returns the vehicle bound to deviceID, or fleet.ErrVehicleNotFound.
func (r *Registry) VehicleID(ctx context.Context, deviceID string) (string, error) {
	r.mu.RLock()
	id, ok := r.byDevice[deviceID]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err := r.vehicles.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.byDevice[deviceID] = v.ID
	r.mu.Unlock()
	return v.ID, nil
}

// Forget drops a cached mapping.
func (r *Registry) Forget(deviceID string) {
	r.mu.Lock()
	delete(r.byDevice, deviceID)
	r.mu.Unlock()
}
