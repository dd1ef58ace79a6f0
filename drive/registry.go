package drive

import (
	"context"
	"sync"
)

// Factory builds a provider handle. Registries call it on every resolution,
// so it may return a fresh handle each time or a shared one.
type Factory func(ctx context.Context) (Handle, error)

// Static returns a factory that always yields h.
func Static(h Handle) Factory {
	return func(context.Context) (Handle, error) {
		return h, nil
	}
}

// Registry is where a host registers its storage provider. A host without a
// registration has no drive, which is a wiring failure rather than a
// transient one.
type Registry struct {
	factory Factory
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs f, replacing any previous registration.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	r.factory = f
	r.mu.Unlock()
}

// Unregister removes the registration.
func (r *Registry) Unregister() {
	r.Register(nil)
}

// Registered reports whether a provider is registered.
func (r *Registry) Registered() bool {
	return r.Factory() != nil
}

// Factory returns the registered factory, or nil.
func (r *Registry) Factory() Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factory
}
