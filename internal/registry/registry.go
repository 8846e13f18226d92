// Package registry tracks device liveness with a two-generation scheme: a
// device must prove liveness at least once per sweep interval or it surfaces
// as unhealthy on the second drain after its last signal.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Registry holds the healthy and unhealthy device sets. One mutex guards both
// sets; it is held only for in-memory operations, never across I/O.
type Registry struct {
	mu        sync.Mutex
	healthy   map[uuid.UUID]struct{}
	unhealthy map[uuid.UUID]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		healthy:   make(map[uuid.UUID]struct{}),
		unhealthy: make(map[uuid.UUID]struct{}),
	}
}

// RecordAlive marks a device healthy. The mutex linearizes it against a
// concurrent DrainUnhealthy: the signal lands entirely before or entirely
// after the generation swap, never lost mid-swap.
func (r *Registry) RecordAlive(deviceUUID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy[deviceUUID] = struct{}{}
	delete(r.unhealthy, deviceUUID)
}

// IsAlive reports whether the device has proven liveness in the current
// generation.
func (r *Registry) IsAlive(deviceUUID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.healthy[deviceUUID]
	return ok
}

// DrainUnhealthy returns the devices that failed to prove liveness for a full
// generation, then rotates: the current healthy set becomes the next
// unhealthy candidates and the healthy set starts empty. Membership in the
// returned set is advisory; callers re-arm a device via RecordAlive when its
// removal fails so it is retried on the next sweep.
func (r *Registry) DrainUnhealthy() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	drained := make([]uuid.UUID, 0, len(r.unhealthy))
	for id := range r.unhealthy {
		drained = append(drained, id)
	}

	r.unhealthy = r.healthy
	r.healthy = make(map[uuid.UUID]struct{})

	return drained
}
