package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// State is the asyncify execution state of a guest instance.
type State int32

const (
	StateNormal    State = 0
	StateUnwinding State = 1 // saving the guest stack
	StateRewinding State = 2 // restoring the guest stack
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateUnwinding:
		return "unwinding"
	case StateRewinding:
		return "rewinding"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultAsyncifyDataAddr  uint32 = 16
	DefaultAsyncifyStackSize uint32 = 1024
)

// AsyncifyConfig places the asyncify data region in guest memory.
// Zero values select the defaults.
type AsyncifyConfig struct {
	StackSize uint32 `yaml:"stack_size"`
	DataAddr  uint32 `yaml:"data_addr"`
}

var asyncifyExportNames = [][]byte{
	[]byte("asyncify_start_unwind"),
	[]byte("asyncify_stop_unwind"),
	[]byte("asyncify_start_rewind"),
	[]byte("asyncify_stop_rewind"),
}

// IsAsyncified reports whether a binary carries the asyncify exports
// (wasm-opt --asyncify, emscripten -sASYNCIFY).
func IsAsyncified(wasmBytes []byte) bool {
	for _, name := range asyncifyExportNames {
		if bytes.Contains(wasmBytes, name) {
			return true
		}
	}
	return false
}

// Asyncify drives the Binaryen asyncify protocol for one guest instance.
//
// Memory layout at dataAddr:
//   - [0:4] stack pointer (grows upward from dataAddr+8)
//   - [4:8] stack end
//   - [8:8+stackSize] saved stack data
type Asyncify struct {
	exports struct {
		getState    api.Function
		startUnwind api.Function
		stopUnwind  api.Function
		startRewind api.Function
		stopRewind  api.Function
	}
	memory    api.Memory
	mu        sync.Mutex
	state     atomic.Int32
	dataAddr  uint32
	stackSize uint32
}

// NewAsyncify returns an Asyncify in the normal state.
func NewAsyncify(cfg AsyncifyConfig) *Asyncify {
	a := &Asyncify{
		dataAddr:  DefaultAsyncifyDataAddr,
		stackSize: DefaultAsyncifyStackSize,
	}
	if cfg.DataAddr > 0 {
		a.dataAddr = cfg.DataAddr
	}
	if cfg.StackSize > 0 {
		a.stackSize = cfg.StackSize
	}
	return a
}

// Init binds the asyncify exports of an instantiated module and writes the
// data region header.
func (a *Asyncify) Init(mod api.Module) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.memory = mod.Memory()
	if a.memory == nil {
		return fmt.Errorf("asyncify: module has no memory")
	}

	a.exports.getState = mod.ExportedFunction("asyncify_get_state")
	a.exports.startUnwind = mod.ExportedFunction("asyncify_start_unwind")
	a.exports.stopUnwind = mod.ExportedFunction("asyncify_stop_unwind")
	a.exports.startRewind = mod.ExportedFunction("asyncify_start_rewind")
	a.exports.stopRewind = mod.ExportedFunction("asyncify_stop_rewind")

	if a.exports.startUnwind == nil || a.exports.stopRewind == nil {
		return fmt.Errorf("asyncify: module missing asyncify exports (run wasm-opt --asyncify)")
	}

	stackPtr := a.dataAddr + 8
	if !a.memory.WriteUint32Le(a.dataAddr, stackPtr) {
		return fmt.Errorf("asyncify: failed to write stack pointer at %d", a.dataAddr)
	}
	if !a.memory.WriteUint32Le(a.dataAddr+4, stackPtr+a.stackSize) {
		return fmt.Errorf("asyncify: failed to write stack end at %d", a.dataAddr+4)
	}
	return nil
}

// State returns the host-tracked state.
func (a *Asyncify) State() State {
	return State(a.state.Load())
}

// SyncState refreshes the state from the guest's asyncify_get_state export.
// Allocates; use only for debugging.
func (a *Asyncify) SyncState(ctx context.Context) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exports.getState == nil {
		return a.State()
	}
	results, err := a.exports.getState.Call(ctx)
	if err != nil || len(results) == 0 {
		return a.State()
	}
	a.state.Store(int32(results[0]))
	return a.State()
}

func (a *Asyncify) IsNormal() bool    { return a.State() == StateNormal }
func (a *Asyncify) IsUnwinding() bool { return a.State() == StateUnwinding }
func (a *Asyncify) IsRewinding() bool { return a.State() == StateRewinding }

// transition calls an optional guest export and moves to next on success.
// Without bound exports only the host-side state moves, which is enough to
// exercise handlers outside a real guest.
func (a *Asyncify) transition(ctx context.Context, fn api.Function, next State, args ...uint64) error {
	if fn != nil {
		if _, err := fn.Call(ctx, args...); err != nil {
			return err
		}
	}
	a.state.Store(int32(next))
	return nil
}

func (a *Asyncify) StartUnwind(ctx context.Context) error {
	return a.transition(ctx, a.exports.startUnwind, StateUnwinding, uint64(a.dataAddr))
}

func (a *Asyncify) StopUnwind(ctx context.Context) error {
	return a.transition(ctx, a.exports.stopUnwind, StateNormal)
}

func (a *Asyncify) StartRewind(ctx context.Context) error {
	return a.transition(ctx, a.exports.startRewind, StateRewinding, uint64(a.dataAddr))
}

func (a *Asyncify) StopRewind(ctx context.Context) error {
	return a.transition(ctx, a.exports.stopRewind, StateNormal)
}

// ResetStack rewinds the saved-stack pointer. Call before each new top-level
// guest call.
func (a *Asyncify) ResetStack() {
	if a.memory == nil {
		return
	}
	stackPtr := a.dataAddr + 8
	if !a.memory.WriteUint32Le(a.dataAddr, stackPtr) {
		Logger().Warn("asyncify: failed to reset stack pointer",
			zap.Uint32("dataAddr", a.dataAddr),
			zap.Uint32("stackPtr", stackPtr))
	}
}
