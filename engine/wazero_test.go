package engine

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-drive/errors"
	"github.com/wippyai/wasm-drive/internal/wasmtest"
)

var testImports = wasmtest.Imports{Module: "env", Open: "open", Read: "read", Log: "log"}

type valueOp struct {
	calls *int
	value int32
}

func (o valueOp) ID() OpID { return OpDriveOpen }

func (o valueOp) Execute(context.Context) (uint64, error) {
	*o.calls++
	return api.EncodeI32(o.value), nil
}

type funcOp struct {
	id OpID
	fn func(context.Context) (uint64, error)
}

func (o funcOp) ID() OpID { return o.id }

func (o funcOp) Execute(ctx context.Context) (uint64, error) { return o.fn(ctx) }

// newOpEngine registers an env module whose open and read imports are async
// handlers built from the given op factories, plus a no-op log import.
func newOpEngine(t *testing.T, open, read func(stack []uint64) PendingOp) *Engine {
	t.Helper()
	ctx := context.Background()

	eng, err := New(ctx, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close(ctx) })

	_, err = eng.Runtime().NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(MakeAsyncHandler(func(ctx context.Context, mod api.Module, stack []uint64) PendingOp {
			return open(stack)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("open").
		NewFunctionBuilder().
		WithGoModuleFunction(MakeAsyncHandler(func(ctx context.Context, mod api.Module, stack []uint64) PendingOp {
			return read(stack)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32}).
		Export("read").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {}),
			[]api.ValueType{api.ValueTypeI32}, nil).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		t.Fatalf("host module: %v", err)
	}
	return eng
}

// newHostEngine registers an env module whose open import returns
// openValue through an async handler and whose read import echoes its
// length argument without suspending.
func newHostEngine(t *testing.T, openValue int32, calls *int) *Engine {
	t.Helper()
	return newOpEngine(t,
		func([]uint64) PendingOp { return valueOp{value: openValue, calls: calls} },
		func(stack []uint64) PendingOp { return Completed(stack[2]) })
}

func stackPointer(t *testing.T, inst *Instance) uint32 {
	t.Helper()
	v, ok := inst.Memory().ReadUint32Le(DefaultAsyncifyDataAddr)
	if !ok {
		t.Fatal("read asyncify stack pointer")
	}
	return v
}

func TestEngine_InstantiateMemoryOnly(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx, &Config{MemoryLimitPages: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close(ctx)

	inst, err := eng.Instantiate(ctx, wasmtest.MemoryOnly(), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	if inst.Memory() == nil {
		t.Fatal("expected exported memory")
	}
	if inst.Asyncify() != nil || inst.Scheduler() != nil {
		t.Error("plain module must not enable asyncify")
	}
	if _, err := inst.Run(ctx, "missing"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("expected not_found for missing export, got %v", err)
	}
}

func TestEngine_InstantiateInvalid(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close(ctx)

	if _, err := eng.Instantiate(ctx, []byte("not wasm"), InstanceConfig{}); err == nil {
		t.Error("expected compile error")
	}
}

func TestEngine_EnableAsyncifyRequiresExports(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close(ctx)

	inst, err := eng.Instantiate(ctx, wasmtest.MemoryOnly(), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if err := inst.EnableAsyncify(AsyncifyConfig{}); err == nil {
		t.Error("expected error for module without asyncify exports")
	}
}

func TestInstance_RunInline(t *testing.T) {
	ctx := context.Background()
	calls := 0
	eng := newHostEngine(t, 3, &calls)

	inst, err := eng.Instantiate(ctx, wasmtest.Guest(testImports), InstanceConfig{Name: "guest"})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	results, err := inst.Run(ctx, "open", 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.DecodeI32(results[0]); got != 3 {
		t.Errorf("open = %d, want 3", got)
	}
	if calls != 1 {
		t.Errorf("op executed %d times, want 1", calls)
	}

	results, err = inst.Run(ctx, "open_read", 0, 0, 64, 100)
	if err != nil {
		t.Fatalf("Run open_read: %v", err)
	}
	if got := api.DecodeI32(results[0]); got != 100 {
		t.Errorf("open_read = %d, want 100", got)
	}
}

func TestInstance_RunInlineNegativeShortCircuits(t *testing.T) {
	ctx := context.Background()
	calls := 0
	eng := newHostEngine(t, -1, &calls)

	inst, err := eng.Instantiate(ctx, wasmtest.Guest(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	results, err := inst.Run(ctx, "open_read", 0, 0, 64, 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.DecodeI32(results[0]); got != -1 {
		t.Errorf("open_read = %d, want -1", got)
	}
}

// A guest export that makes a single import call behaves under a host-only
// Asyncify exactly as an asyncified guest would: the first call unwinds,
// the second rewinds into the import and returns the settled value.
func TestScheduler_RunSuspendsAndResumes(t *testing.T) {
	ctx := context.Background()
	calls := 0
	eng := newHostEngine(t, 5, &calls)

	inst, err := eng.Instantiate(ctx, wasmtest.Guest(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	a := NewAsyncify(AsyncifyConfig{})
	s := NewScheduler(a)
	runCtx := WithScheduler(WithAsyncify(ctx, a), s)

	results, err := s.Run(runCtx, inst.Module().ExportedFunction("open"), 0, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.DecodeI32(results[0]); got != 5 {
		t.Errorf("open = %d, want 5", got)
	}
	if calls != 1 {
		t.Errorf("op executed %d times, want 1", calls)
	}
	if s.Suspends() != 1 {
		t.Errorf("suspends = %d, want 1", s.Suspends())
	}
	if !a.IsNormal() {
		t.Errorf("expected normal state after run, got %s", a.State())
	}
}

func TestScheduler_CompletedDoesNotSuspend(t *testing.T) {
	ctx := context.Background()
	calls := 0
	eng := newHostEngine(t, 5, &calls)

	inst, err := eng.Instantiate(ctx, wasmtest.Guest(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	a := NewAsyncify(AsyncifyConfig{})
	s := NewScheduler(a)
	runCtx := WithScheduler(WithAsyncify(ctx, a), s)

	results, err := s.Run(runCtx, inst.Module().ExportedFunction("read"), 3, 64, 12)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.DecodeI32(results[0]); got != 12 {
		t.Errorf("read = %d, want 12", got)
	}
	if s.Suspends() != 0 {
		t.Errorf("suspends = %d, want 0", s.Suspends())
	}
}

func TestScheduler_StepLoop(t *testing.T) {
	ctx := context.Background()
	calls := 0
	eng := newHostEngine(t, 9, &calls)

	inst, err := eng.Instantiate(ctx, wasmtest.Guest(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	a := NewAsyncify(AsyncifyConfig{})
	s := NewScheduler(a)
	runCtx := WithScheduler(WithAsyncify(ctx, a), s)

	if err := s.Execute(runCtx, inst.Module().ExportedFunction("open"), 0, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sr, err := s.Step(runCtx, nil)
	if err != nil {
		t.Fatalf("first step: %v", err)
	}
	if sr.Status != StepContinue || sr.PendingOp == nil {
		t.Fatalf("expected a pending op, got %+v", sr)
	}
	if sr.PendingOp.ID() != OpDriveOpen {
		t.Errorf("op id = %s, want drive_open", sr.PendingOp.ID())
	}
	if calls != 0 {
		t.Fatal("op executed before the host ran it")
	}

	v, opErr := sr.PendingOp.Execute(runCtx)
	sr, err = s.Step(runCtx, &YieldResult{Value: v, Error: opErr})
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if sr.Status != StepDone {
		t.Fatalf("expected done, got %v", sr.Status)
	}
	if got := api.DecodeI32(sr.Results[0]); got != 9 {
		t.Errorf("open = %d, want 9", got)
	}
}

func TestInstance_RunAsyncifiedGuest(t *testing.T) {
	ctx := context.Background()
	calls := 0
	eng := newHostEngine(t, 3, &calls)

	inst, err := eng.Instantiate(ctx, wasmtest.Asyncified(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	if inst.Asyncify() == nil || inst.Scheduler() == nil {
		t.Fatal("asyncified guest must enable the scheduler")
	}

	results, err := inst.Run(ctx, "open_read", 0, 0, 64, 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.DecodeI32(results[0]); got != 100 {
		t.Errorf("open_read = %d, want 100", got)
	}
	if calls != 1 {
		t.Errorf("open op executed %d times, want 1", calls)
	}
	if n := inst.Scheduler().Suspends(); n != 1 {
		t.Errorf("suspends = %d, want 1", n)
	}
	if got := inst.Asyncify().SyncState(ctx); got != StateNormal {
		t.Errorf("guest state = %s, want normal", got)
	}
	if sp := stackPointer(t, inst); sp != DefaultAsyncifyDataAddr+8 {
		t.Errorf("stack pointer = %d, want %d", sp, DefaultAsyncifyDataAddr+8)
	}
}

func TestInstance_RunAsyncifiedSentinelSkipsRead(t *testing.T) {
	ctx := context.Background()
	calls := 0
	reads := 0
	eng := newOpEngine(t,
		func([]uint64) PendingOp { return valueOp{value: -1, calls: &calls} },
		func(stack []uint64) PendingOp {
			reads++
			return Completed(stack[2])
		})

	inst, err := eng.Instantiate(ctx, wasmtest.Asyncified(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	results, err := inst.Run(ctx, "open_read", 0, 0, 64, 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.DecodeI32(results[0]); got != -1 {
		t.Errorf("open_read = %d, want -1", got)
	}
	if reads != 0 {
		t.Errorf("read issued %d times after a failed open", reads)
	}
}

// Each suspension pushes the guest frame into the data region and the
// matching rewind pops it.
func TestScheduler_AsyncifiedFrameSaveRestore(t *testing.T) {
	ctx := context.Background()
	var readLen uint64
	eng := newOpEngine(t,
		func([]uint64) PendingOp { return Completed(api.EncodeI32(5)) },
		func(stack []uint64) PendingOp {
			readLen = stack[2]
			return funcOp{id: OpDriveRead, fn: func(context.Context) (uint64, error) {
				return api.EncodeI32(40), nil
			}}
		})

	inst, err := eng.Instantiate(ctx, wasmtest.Asyncified(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	s := inst.Scheduler()
	runCtx := WithScheduler(WithAsyncify(ctx, inst.Asyncify()), s)
	if err := s.Execute(runCtx, inst.Module().ExportedFunction("open_read"), 7, 9, 64, 100); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sr, err := s.Step(runCtx, nil)
	if err != nil {
		t.Fatalf("first step: %v", err)
	}
	if sr.Status != StepContinue || sr.PendingOp.ID() != OpDriveRead {
		t.Fatalf("expected a pending read, got %+v", sr)
	}
	if readLen != 100 {
		t.Errorf("read import saw len %d, want 100", readLen)
	}

	base := DefaultAsyncifyDataAddr + 8
	if sp := stackPointer(t, inst); sp != base+wasmtest.FrameSize {
		t.Fatalf("stack pointer = %d, want %d", sp, base+wasmtest.FrameSize)
	}
	frame := map[uint32]uint32{
		wasmtest.FrameName: 7,
		wasmtest.FrameMode: 9,
		wasmtest.FrameDst:  64,
		wasmtest.FrameLen:  100,
		wasmtest.FrameFD:   5,
		wasmtest.FrameCall: 1,
	}
	for off, want := range frame {
		got, ok := inst.Memory().ReadUint32Le(base + off)
		if !ok || got != want {
			t.Errorf("frame[%d] = %d, want %d", off, got, want)
		}
	}

	v, opErr := sr.PendingOp.Execute(runCtx)
	sr, err = s.Step(runCtx, &YieldResult{Value: v, Error: opErr})
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if sr.Status != StepDone {
		t.Fatalf("expected done, got %v", sr.Status)
	}
	if got := api.DecodeI32(sr.Results[0]); got != 40 {
		t.Errorf("open_read = %d, want 40", got)
	}
	if sp := stackPointer(t, inst); sp != base {
		t.Errorf("stack pointer = %d, want %d after rewind", sp, base)
	}
}

// An op that was issued resumes the guest with its value even when the
// context is canceled while it runs.
func TestInstance_RunResumesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := newOpEngine(t,
		func([]uint64) PendingOp {
			return funcOp{id: OpDriveOpen, fn: func(context.Context) (uint64, error) {
				cancel()
				return api.EncodeI32(3), nil
			}}
		},
		func(stack []uint64) PendingOp { return Completed(stack[2]) })

	inst, err := eng.Instantiate(context.Background(), wasmtest.Asyncified(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(context.Background())

	results, err := inst.Run(ctx, "open_read", 0, 0, 64, 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := api.DecodeI32(results[0]); got != 100 {
		t.Errorf("open_read = %d, want 100", got)
	}
}

// Cancellation observed after a resume stops the call before the next op is
// issued.
func TestInstance_RunCancelStopsBeforeNextOp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reads := 0
	eng := newOpEngine(t,
		func([]uint64) PendingOp {
			return funcOp{id: OpDriveOpen, fn: func(context.Context) (uint64, error) {
				cancel()
				return api.EncodeI32(3), nil
			}}
		},
		func([]uint64) PendingOp {
			return funcOp{id: OpDriveRead, fn: func(context.Context) (uint64, error) {
				reads++
				return 0, nil
			}}
		})

	inst, err := eng.Instantiate(context.Background(), wasmtest.Asyncified(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(context.Background())

	if _, err := inst.Run(ctx, "open_read", 0, 0, 64, 100); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if reads != 0 {
		t.Errorf("read op executed %d times after cancel", reads)
	}
	if got := inst.Asyncify().SyncState(context.Background()); got != StateNormal {
		t.Errorf("guest state = %s, want normal", got)
	}
}

func TestScheduler_StepRewindsWithCanceledContext(t *testing.T) {
	ctx := context.Background()
	calls := 0
	eng := newHostEngine(t, 3, &calls)

	inst, err := eng.Instantiate(ctx, wasmtest.Guest(testImports), InstanceConfig{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	defer inst.Close(ctx)

	a := NewAsyncify(AsyncifyConfig{})
	s := NewScheduler(a)
	runCtx, cancel := context.WithCancel(WithScheduler(WithAsyncify(ctx, a), s))

	if err := s.Execute(runCtx, inst.Module().ExportedFunction("open"), 0, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sr, err := s.Step(runCtx, nil)
	if err != nil || sr.Status != StepContinue {
		t.Fatalf("first step: %+v, %v", sr, err)
	}

	v, _ := sr.PendingOp.Execute(runCtx)
	cancel()

	sr, err = s.Step(runCtx, &YieldResult{Value: v})
	if err != nil {
		t.Fatalf("settled value must rewind after cancel: %v", err)
	}
	if sr.Status != StepDone || api.DecodeI32(sr.Results[0]) != 3 {
		t.Errorf("expected done with 3, got %+v", sr)
	}
}
