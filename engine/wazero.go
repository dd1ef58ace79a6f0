package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-drive/errors"
)

// Engine owns a wazero runtime shared by host modules and guest instances.
type Engine struct {
	runtime wazero.Runtime
	seq     atomic.Uint64
}

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages caps guest memory in 64KiB pages. 0 keeps the wazero
	// default.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`

	// EnableWASI instantiates wasi_snapshot_preview1 so guests built for WASI
	// can link.
	EnableWASI bool `yaml:"enable_wasi"`
}

// New creates an engine. A nil cfg uses defaults.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if cfg != nil && cfg.EnableWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			r.Close(ctx)
			return nil, errors.Registration(wasi_snapshot_preview1.ModuleName, "*", err)
		}
	}
	return &Engine{runtime: r}, nil
}

// Runtime exposes the wazero runtime for host module registration.
// Host modules must be instantiated before the guests importing them.
func (e *Engine) Runtime() wazero.Runtime {
	return e.runtime
}

// Close releases the runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// InstanceConfig holds configuration for guest instantiation
type InstanceConfig struct {
	// Name is the guest module name. Empty generates a unique one.
	Name string

	// Asyncify places the asyncify data region. Only used when the binary is
	// asyncified.
	Asyncify AsyncifyConfig

	// DisableAsyncify runs an asyncified binary without the scheduler, so
	// async host functions execute inline.
	DisableAsyncify bool
}

// Instance is an instantiated guest module.
// Not safe for concurrent use.
type Instance struct {
	module    api.Module
	asyncify  *Asyncify
	scheduler *Scheduler
}

// Instantiate compiles and instantiates a core module. Start functions are
// not invoked; call Run on the entry point instead.
func (e *Engine) Instantiate(ctx context.Context, wasm []byte, cfg InstanceConfig) (*Instance, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}

	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("guest-%d", e.seq.Add(1))
	}

	modCfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions()

	mod, err := e.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	inst := &Instance{module: mod}
	if !cfg.DisableAsyncify && IsAsyncified(wasm) {
		if err := inst.EnableAsyncify(cfg.Asyncify); err != nil {
			mod.Close(ctx)
			return nil, errors.Instantiation(err)
		}
	}

	Logger().Debug("guest instantiated",
		zap.String("name", name),
		zap.Bool("asyncify", inst.asyncify != nil))
	return inst, nil
}

// EnableAsyncify binds the asyncify exports of the module and attaches a
// scheduler.
func (i *Instance) EnableAsyncify(cfg AsyncifyConfig) error {
	a := NewAsyncify(cfg)
	if err := a.Init(i.module); err != nil {
		return err
	}
	i.asyncify = a
	i.scheduler = NewScheduler(a)
	return nil
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Memory returns the guest's exported memory, or nil.
func (i *Instance) Memory() api.Memory {
	return i.module.Memory()
}

// Asyncify returns the asyncify runtime if enabled.
func (i *Instance) Asyncify() *Asyncify {
	return i.asyncify
}

// Scheduler returns the async scheduler if enabled.
func (i *Instance) Scheduler() *Scheduler {
	return i.scheduler
}

// Run calls an exported function. With asyncify enabled the call runs under
// the scheduler and suspends at every async import; otherwise async imports
// block the calling goroutine.
func (i *Instance) Run(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}

	if i.scheduler == nil {
		return fn.Call(ctx, args...)
	}

	ctx = WithAsyncify(ctx, i.asyncify)
	ctx = WithScheduler(ctx, i.scheduler)
	return i.scheduler.Run(ctx, fn, args...)
}

// Close closes the guest module.
func (i *Instance) Close(ctx context.Context) error {
	return i.module.Close(ctx)
}
