package drive

import (
	"context"
	"sync"

	"github.com/wippyai/wasm-drive/diag"
	"github.com/wippyai/wasm-drive/errors"
)

// Resolver locates the provider for one operation. Failure is permanent for
// that operation; resolvers never retry.
type Resolver interface {
	Resolve(ctx context.Context) (Handle, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (Handle, error)

func (f ResolverFunc) Resolve(ctx context.Context) (Handle, error) { return f(ctx) }

// RegistryResolver consults a Registry on every call and reports each failure
// to the diagnostic sink.
type RegistryResolver struct {
	registry *Registry
	sink     *diag.Sink
}

func NewRegistryResolver(registry *Registry, sink *diag.Sink) *RegistryResolver {
	return &RegistryResolver{registry: registry, sink: sink}
}

func (r *RegistryResolver) Resolve(ctx context.Context) (Handle, error) {
	var factory Factory
	if r.registry != nil {
		factory = r.registry.Factory()
	}
	if factory == nil {
		err := errors.ProviderUnavailable("no storage provider registered", nil)
		r.sink.Error("drive: no storage provider registered", err)
		return nil, err
	}

	h, err := factory(ctx)
	if err != nil {
		err = errors.ProviderUnavailable("storage provider factory failed", err)
		r.sink.Error("drive: storage provider unavailable", err)
		return nil, err
	}
	if h == nil {
		err := errors.ProviderUnavailable("storage provider factory returned no handle", nil)
		r.sink.Error("drive: storage provider unavailable", err)
		return nil, err
	}
	return h, nil
}

// CachingResolver memoizes the first successful resolution of another
// resolver until Invalidate. Failures are never cached, so every failed
// resolution reaches the inner resolver and its diagnostics.
type CachingResolver struct {
	inner  Resolver
	cached Handle
	mu     sync.Mutex
}

func NewCachingResolver(inner Resolver) *CachingResolver {
	return &CachingResolver{inner: inner}
}

func (c *CachingResolver) Resolve(ctx context.Context) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil {
		return c.cached, nil
	}
	h, err := c.inner.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = h
	return h, nil
}

// Invalidate drops the cached handle; the next Resolve consults the inner
// resolver again.
func (c *CachingResolver) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
