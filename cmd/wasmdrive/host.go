package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/psanford/memfs"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-drive/bridge"
	"github.com/wippyai/wasm-drive/config"
	"github.com/wippyai/wasm-drive/diag"
	"github.com/wippyai/wasm-drive/drive"
	"github.com/wippyai/wasm-drive/drive/fsdrive"
	"github.com/wippyai/wasm-drive/drive/gateway"
)

// host wires the configured drive, resolver and bridge together.
type host struct {
	registry *drive.Registry
	bridge   *bridge.Bridge
	sink     *diag.Sink
	fsys     fs.FS
	closeFD  func(fd int32) error
	shutdown func() error
}

func newHost(cfg *config.Config, logger *zap.Logger) (*host, error) {
	sink := diag.NewSink(logger, cfg.DebugFlag())
	registry := drive.NewRegistry()

	h := &host{
		registry: registry,
		sink:     sink,
		closeFD:  func(int32) error { return nil },
		shutdown: func() error { return nil },
	}

	switch cfg.Drive.Kind {
	case config.DriveNone:
	case config.DriveDir:
		d := fsdrive.New(os.DirFS(cfg.Drive.Root), fsdrive.WithMaxOpen(cfg.Drive.MaxOpen))
		registry.Register(fsdrive.Factory(d))
		h.fsys = d.FS()
		h.closeFD = d.Close
		h.shutdown = d.Shutdown
	case config.DriveMemory:
		mfs, err := seedMemFS(cfg.Drive.Files)
		if err != nil {
			return nil, err
		}
		d := fsdrive.New(mfs, fsdrive.WithMaxOpen(cfg.Drive.MaxOpen))
		registry.Register(fsdrive.Factory(d))
		h.fsys = mfs
		h.closeFD = d.Close
		h.shutdown = d.Shutdown
	case config.DriveGateway:
		g, err := gateway.New(cfg.Drive.Gateway.Options(cfg.Drive.MaxOpen))
		if err != nil {
			return nil, err
		}
		registry.Register(gateway.Factory(g))
		h.fsys = g.FS()
		h.closeFD = g.Close
		h.shutdown = g.Shutdown
	default:
		return nil, fmt.Errorf("unknown drive kind %q", cfg.Drive.Kind)
	}

	var resolver drive.Resolver = drive.NewRegistryResolver(registry, sink)
	if cfg.Drive.CacheHandle {
		resolver = drive.NewCachingResolver(resolver)
	}
	h.bridge = bridge.New(resolver, sink)
	return h, nil
}

func seedMemFS(files map[string]string) (*memfs.FS, error) {
	mfs := memfs.New()
	for name, content := range files {
		clean, ok := fsdrive.Clean(name)
		if !ok || clean == "." {
			return nil, fmt.Errorf("invalid drive file name %q", name)
		}
		if dir := path.Dir(clean); dir != "." {
			if err := mfs.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		if err := mfs.WriteFile(clean, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	return mfs, nil
}

// cat reads a whole file through the bridge and releases its descriptor.
func (h *host) cat(ctx context.Context, name string) (data []byte, err error) {
	fd, err := h.bridge.Open(ctx, name, "r").Get()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := h.closeFD(fd); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return h.bridge.ReadAll(ctx, fd, bridge.DefaultChunkSize)
}

func (h *host) Close() error {
	return h.shutdown()
}
