package bridge

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"

	"github.com/psanford/memfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-drive/diag"
	"github.com/wippyai/wasm-drive/drive"
	"github.com/wippyai/wasm-drive/drive/fsdrive"
	"github.com/wippyai/wasm-drive/errors"
)

var stateJSON = bytes.Repeat([]byte(`{"k":1}`), 74)[:512]

// countingDrive counts provider calls reaching the wrapped drive.
type countingDrive struct {
	inner drive.Drive
	opens atomic.Int32
	reads atomic.Int32
}

func (c *countingDrive) Open(ctx context.Context, filename, mode string) (int32, error) {
	c.opens.Add(1)
	return c.inner.Open(ctx, filename, mode)
}

func (c *countingDrive) Read(ctx context.Context, fd int32, p []byte) (int, error) {
	c.reads.Add(1)
	return c.inner.Read(ctx, fd, p)
}

type fixedDrive struct {
	fd    int32
	n     int
	fill  byte
	calls atomic.Int32
}

func (f *fixedDrive) Open(context.Context, string, string) (int32, error) {
	f.calls.Add(1)
	return f.fd, nil
}

func (f *fixedDrive) Read(_ context.Context, _ int32, p []byte) (int, error) {
	f.calls.Add(1)
	for i := range p {
		p[i] = f.fill
	}
	return f.n, nil
}

type nilFutureDrive struct{}

func (nilFutureDrive) OpenAsync(context.Context, string, string) *drive.Future[int32] { return nil }
func (nilFutureDrive) ReadAsync(context.Context, int32, []byte) *drive.Future[int]    { return nil }

type fixture struct {
	bridge   *Bridge
	registry *drive.Registry
	drive    *countingDrive
	logs     *observer.ObservedLogs
	debug    *atomic.Bool
}

func newFixture(t *testing.T, register bool, opts ...Option) *fixture {
	t.Helper()

	fsys := memfs.New()
	require.NoError(t, fsys.WriteFile("state.json", stateJSON, 0o644))
	require.NoError(t, fsys.WriteFile("short.txt", []byte("tiny"), 0o644))

	core, logs := observer.New(zapcore.DebugLevel)
	debug := new(atomic.Bool)
	debug.Store(true)
	sink := diag.NewSink(zap.New(core), diag.FlagFunc(debug.Load))

	cd := &countingDrive{inner: fsdrive.New(fsys)}
	registry := drive.NewRegistry()
	if register {
		registry.Register(drive.Static(drive.Async(cd)))
	}

	return &fixture{
		bridge:   New(drive.NewRegistryResolver(registry, sink), sink, opts...),
		registry: registry,
		drive:    cd,
		logs:     logs,
		debug:    debug,
	}
}

func TestOpen_NoProvider(t *testing.T) {
	for _, debug := range []bool{true, false} {
		for _, name := range []string{"missing.txt", "state.json", "/data/x"} {
			f := newFixture(t, false)
			f.debug.Store(debug)

			r := f.bridge.Open(context.Background(), name, "r")
			require.False(t, r.IsOk())
			require.Equal(t, Sentinel, r.Or(Sentinel))
			require.True(t, errors.IsKind(r.Err(), errors.KindProviderUnavailable))

			want := 0
			if debug {
				want = 1
			}
			require.Equal(t, want, f.logs.Len(), "debug=%v name=%s", debug, name)
		}
	}
}

func TestOpen_NoProviderLogsErrorIndicator(t *testing.T) {
	f := newFixture(t, false)

	r := f.bridge.Open(context.Background(), "missing.txt", "r")
	require.Equal(t, Sentinel, r.Or(Sentinel))

	entries := f.logs.AllUntimed()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	require.Contains(t, entries[0].ContextMap(), "error")
}

func TestOpen_RepeatedResolutionFailures(t *testing.T) {
	f := newFixture(t, false)

	r1 := f.bridge.Open(context.Background(), "a", "r")
	r2 := f.bridge.Open(context.Background(), "a", "r")

	require.False(t, r1.IsOk())
	require.False(t, r2.IsOk())
	require.Equal(t, r1.Err().Error(), r2.Err().Error())
	require.Equal(t, 2, f.logs.Len())
}

func TestOpenRead_Scenario(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	fd, err := f.bridge.Open(ctx, "state.json", "r").Get()
	require.NoError(t, err)
	require.Equal(t, int32(3), fd)

	buf := make([]byte, 1024)
	n, err := f.bridge.Read(ctx, fd, buf).Get()
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Equal(t, stateJSON, buf[:512])
	require.Zero(t, f.logs.Len())
}

func TestOpen_ProviderRejects(t *testing.T) {
	f := newFixture(t, true)

	r := f.bridge.Open(context.Background(), "absent.json", "r")
	require.Equal(t, Sentinel, r.Or(Sentinel))
	require.True(t, errors.IsKind(r.Err(), errors.KindRejected))

	entries := f.logs.AllUntimed()
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].ContextMap()["error"], "absent.json")
	require.Equal(t, "absent.json", entries[0].ContextMap()["filename"])
}

func TestOpen_EmptyFilename(t *testing.T) {
	f := newFixture(t, true)

	r := f.bridge.Open(context.Background(), "", "r")
	require.True(t, errors.IsKind(r.Err(), errors.KindInvalidInput))
	require.Zero(t, f.drive.opens.Load())
	require.Equal(t, 1, f.logs.Len())
}

func TestOpen_NegativeDescriptorIsProtocolError(t *testing.T) {
	f := newFixture(t, false)
	f.registry.Register(drive.Static(drive.Async(&fixedDrive{fd: -5})))

	r := f.bridge.Open(context.Background(), "x", "r")
	require.True(t, errors.IsKind(r.Err(), errors.KindProtocol))
	require.Equal(t, 1, f.logs.Len())
}

func TestRead_ZeroLength(t *testing.T) {
	for _, register := range []bool{true, false} {
		f := newFixture(t, register)

		r := f.bridge.Read(context.Background(), 3, []byte{})
		n, err := r.Get()
		require.NoError(t, err)
		require.Zero(t, n)
		require.Zero(t, f.drive.reads.Load())
		require.Zero(t, f.logs.Len(), "registered=%v", register)
	}

	// A nil slice is zero length too.
	f := newFixture(t, false)
	require.Equal(t, 0, f.bridge.Read(context.Background(), -1, nil).Or(-1))
}

func TestRead_ShortRead(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	fd, err := f.bridge.Open(ctx, "short.txt", "r").Get()
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{0xAA}, 64)
	n, err := f.bridge.Read(ctx, fd, buf[:32]).Get()
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "tiny", string(buf[:4]))
	require.Equal(t, bytes.Repeat([]byte{0xAA}, 32), buf[32:], "no write past the requested length")

	n, err = f.bridge.Read(ctx, fd, buf[:32]).Get()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRead_OverlongCountIsProtocolError(t *testing.T) {
	f := newFixture(t, false)
	f.registry.Register(drive.Static(drive.Async(&fixedDrive{n: 100})))

	r := f.bridge.Read(context.Background(), 3, make([]byte, 10))
	require.True(t, errors.IsKind(r.Err(), errors.KindProtocol))
	require.Equal(t, 1, f.logs.Len())
}

func TestRead_NegativeDescriptor(t *testing.T) {
	f := newFixture(t, true)

	r := f.bridge.Read(context.Background(), -1, make([]byte, 8))
	require.True(t, errors.IsKind(r.Err(), errors.KindInvalidInput))
	require.Zero(t, f.drive.reads.Load())
	require.Equal(t, 1, f.logs.Len())
}

func TestRead_NoProviderLeavesBufferUntouched(t *testing.T) {
	f := newFixture(t, false)

	buf := bytes.Repeat([]byte{7}, 16)
	r := f.bridge.Read(context.Background(), 3, buf)
	require.Equal(t, -1, r.Or(-1))
	require.Equal(t, bytes.Repeat([]byte{7}, 16), buf)
	require.Equal(t, 1, f.logs.Len())
}

func TestRead_ProviderRejectsBadDescriptor(t *testing.T) {
	f := newFixture(t, true)

	r := f.bridge.Read(context.Background(), 42, make([]byte, 8))
	require.ErrorIs(t, r.Err(), fsdrive.ErrBadDescriptor)
	require.Equal(t, 1, f.logs.Len())
}

func TestReadAll(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	fd, err := f.bridge.Open(ctx, "state.json", "r").Get()
	require.NoError(t, err)

	data, err := f.bridge.ReadAll(ctx, fd, 100)
	require.NoError(t, err)
	require.Equal(t, stateJSON, data)
	require.Equal(t, int32(6), f.drive.reads.Load())

	fd, err = f.bridge.Open(ctx, "state.json", "r").Get()
	require.NoError(t, err)
	data, err = f.bridge.ReadAll(ctx, fd, 0)
	require.NoError(t, err)
	require.Len(t, data, 512)

	_, err = f.bridge.ReadAll(ctx, 99, 0)
	require.Error(t, err)
}

func TestNilFuture(t *testing.T) {
	f := newFixture(t, false)
	f.registry.Register(drive.Static(nilFutureDrive{}))

	require.True(t, errors.IsKind(f.bridge.Open(context.Background(), "x", "r").Err(), errors.KindProtocol))
	require.True(t, errors.IsKind(f.bridge.Read(context.Background(), 3, make([]byte, 1)).Err(), errors.KindProtocol))
}

func TestNoResolver(t *testing.T) {
	b := New(nil, nil)
	r := b.Open(context.Background(), "x", "r")
	require.True(t, errors.IsKind(r.Err(), errors.KindProviderUnavailable))
}

func TestProviderErrorKeepsClassification(t *testing.T) {
	classified := errors.NotFound(errors.PhaseOpen, "file", "x")
	require.Same(t, classified, providerError(errors.PhaseOpen, "x", classified))

	plain := stderrors.New("plain")
	wrapped := providerError(errors.PhaseOpen, "x", plain)
	require.True(t, errors.IsKind(wrapped, errors.KindRejected))
	require.ErrorIs(t, wrapped, plain)
}

func TestStateMachine(t *testing.T) {
	var transitions []Transition
	f := newFixture(t, true, WithObserver(func(tr Transition) {
		transitions = append(transitions, tr)
	}))
	ctx := context.Background()

	fd, err := f.bridge.Open(ctx, "state.json", "r").Get()
	require.NoError(t, err)
	f.bridge.Read(ctx, fd, make([]byte, 8))
	f.bridge.Open(ctx, "absent", "r")
	f.bridge.Read(ctx, fd, nil)

	type step struct {
		op       Op
		from, to State
	}
	var got []step
	ids := map[uint64]bool{}
	for _, tr := range transitions {
		got = append(got, step{tr.Op, tr.From, tr.To})
		ids[tr.ID] = true
	}

	want := []step{
		{OpOpen, StateRequested, StateRequested},
		{OpOpen, StateRequested, StateAwaitingProvider},
		{OpOpen, StateAwaitingProvider, StateSucceeded},
		{OpRead, StateRequested, StateRequested},
		{OpRead, StateRequested, StateAwaitingProvider},
		{OpRead, StateAwaitingProvider, StateSucceeded},
		{OpOpen, StateRequested, StateRequested},
		{OpOpen, StateRequested, StateAwaitingProvider},
		{OpOpen, StateAwaitingProvider, StateFailed},
		{OpRead, StateRequested, StateRequested},
		{OpRead, StateRequested, StateSucceeded},
	}
	require.Equal(t, want, got)
	require.Len(t, ids, 4, "each operation runs its own state machine")
	require.Error(t, transitions[8].Err)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "requested", StateRequested.String())
	require.Equal(t, "awaiting_provider", StateAwaitingProvider.String())
	require.Equal(t, "succeeded", StateSucceeded.String())
	require.Equal(t, "failed", StateFailed.String())
	require.Equal(t, "state(9)", State(9).String())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateAwaitingProvider.Terminal())
}

func TestCachingResolverStillLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := diag.NewSink(zap.New(core), diag.FlagFunc(func() bool { return true }))
	registry := drive.NewRegistry()
	b := New(drive.NewCachingResolver(drive.NewRegistryResolver(registry, sink)), sink)

	b.Open(context.Background(), "a", "r")
	b.Open(context.Background(), "a", "r")
	require.Equal(t, 2, logs.Len())
}
