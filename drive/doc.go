// Package drive defines the storage provider contract behind the bridge.
//
// A host registers a Factory with a Registry. Each bridge operation asks a
// Resolver for a Handle, issues one asynchronous request and awaits its
// Future exactly once. Handles are not cached unless a CachingResolver is
// placed in front of the resolver explicitly.
//
//	registry := drive.NewRegistry()
//	registry.Register(drive.Static(drive.Async(myDrive)))
//	resolver := drive.NewRegistryResolver(registry, sink)
//
//	h, err := resolver.Resolve(ctx)
//	if err != nil {
//	    return err
//	}
//	fd, err := h.OpenAsync(ctx, "state.json", "r").Await().Get()
package drive
