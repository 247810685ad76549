package instance

import (
	"context"
	"sync"
)

// Registry tracks every configured runtime in registration order. Order
// matters: selection policies break ties toward the earliest-registered
// candidate, so listings must be deterministic.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Runtime
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Runtime)}
}

// Register adds a runtime. A later registration with the same id replaces the
// earlier one in place, keeping its position.
func (reg *Registry) Register(r *Runtime) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.byID[r.ID()]; !exists {
		reg.order = append(reg.order, r.ID())
	}
	reg.byID[r.ID()] = r
}

// Remove drops a runtime from the registry. The caller owns stopping it.
func (reg *Registry) Remove(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.byID[id]; !exists {
		return
	}
	delete(reg.byID, id)
	for i, existing := range reg.order {
		if existing == id {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
}

// Get returns the runtime with the given id, or nil.
func (reg *Registry) Get(id string) *Runtime {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.byID[id]
}

// All returns every registered runtime in registration order.
func (reg *Registry) All() []*Runtime {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	runtimes := make([]*Runtime, 0, len(reg.order))
	for _, id := range reg.order {
		runtimes = append(runtimes, reg.byID[id])
	}
	return runtimes
}

// Alive returns the selection candidates: enabled runtimes, in registration
// order.
func (reg *Registry) Alive() []*Runtime {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	alive := make([]*Runtime, 0, len(reg.order))
	for _, id := range reg.order {
		if r := reg.byID[id]; r.Alive() {
			alive = append(alive, r)
		}
	}
	return alive
}

// StartAll launches every registered runtime.
func (reg *Registry) StartAll() {
	for _, r := range reg.All() {
		r.Start()
	}
}

// StopAll stops every registered runtime, bounded by ctx. The first error is
// returned; remaining runtimes are still stopped.
func (reg *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	for _, r := range reg.All() {
		if err := r.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
