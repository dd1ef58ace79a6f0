package bridge

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-drive/engine"
	"github.com/wippyai/wasm-drive/internal/wasmtest"
)

const (
	namePtr = 2048
	modePtr = 2112
	dstPtr  = 4096
	pageEnd = 65536
)

func newGuest(t *testing.T, f *fixture) *engine.Instance {
	t.Helper()
	return newGuestFrom(t, f, wasmtest.Guest)
}

func newGuestFrom(t *testing.T, f *fixture, build func(wasmtest.Imports) []byte) *engine.Instance {
	t.Helper()
	ctx := context.Background()

	eng, err := engine.New(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close(ctx) })

	imp := DefaultImports()
	_, err = Instantiate(ctx, eng.Runtime(), f.bridge, imp)
	require.NoError(t, err)

	inst, err := eng.Instantiate(ctx, build(wasmtest.Imports{
		Module: imp.Module,
		Open:   imp.Open,
		Read:   imp.Read,
		Log:    imp.Log,
	}), engine.InstanceConfig{Name: "guest"})
	require.NoError(t, err)

	writeCString(t, inst, namePtr, "state.json")
	writeCString(t, inst, modePtr, "r")
	return inst
}

func writeCString(t *testing.T, inst *engine.Instance, off uint32, s string) {
	t.Helper()
	require.True(t, inst.Memory().Write(off, append([]byte(s), 0)))
}

func callGuest(t *testing.T, inst *engine.Instance, name string, args ...uint64) int32 {
	t.Helper()
	results, err := inst.Run(context.Background(), name, args...)
	require.NoError(t, err)
	return api.DecodeI32(results[0])
}

func guestBytes(t *testing.T, inst *engine.Instance, off, n uint32) []byte {
	t.Helper()
	b, ok := inst.Memory().Read(off, n)
	require.True(t, ok)
	return append([]byte(nil), b...)
}

// suspending runs an export under a scheduler. The guest export makes a
// single import call, so a host-only Asyncify drives the full
// unwind/execute/rewind cycle.
func suspending(t *testing.T, inst *engine.Instance, name string, args ...uint64) (int32, int) {
	t.Helper()
	ctx := context.Background()
	a := engine.NewAsyncify(engine.AsyncifyConfig{})
	s := engine.NewScheduler(a)
	ctx = engine.WithScheduler(engine.WithAsyncify(ctx, a), s)

	results, err := s.Run(ctx, inst.Module().ExportedFunction(name), args...)
	require.NoError(t, err)
	require.True(t, a.IsNormal())
	return api.DecodeI32(results[0]), s.Suspends()
}

func TestHost_OpenReadInline(t *testing.T) {
	f := newFixture(t, true)
	inst := newGuest(t, f)

	fd := callGuest(t, inst, "open", namePtr, modePtr)
	require.Equal(t, int32(3), fd)

	n := callGuest(t, inst, "read", api.EncodeI32(fd), dstPtr, 1024)
	require.Equal(t, int32(512), n)
	require.Equal(t, stateJSON, guestBytes(t, inst, dstPtr, 512))
	require.Zero(t, f.logs.Len())
}

func TestHost_OpenReadSingleGuestCall(t *testing.T) {
	f := newFixture(t, true)
	inst := newGuest(t, f)

	n := callGuest(t, inst, "open_read", namePtr, modePtr, dstPtr, 1024)
	require.Equal(t, int32(512), n)
	require.Equal(t, stateJSON, guestBytes(t, inst, dstPtr, 512))

	writeCString(t, inst, namePtr, "absent.json")
	require.Equal(t, Sentinel, callGuest(t, inst, "open_read", namePtr, modePtr, dstPtr, 1024))
	require.Equal(t, int32(2), f.drive.opens.Load())
	require.Equal(t, int32(1), f.drive.reads.Load(), "read is not issued after a failed open")
}

func TestHost_OpenReadSuspended(t *testing.T) {
	f := newFixture(t, true)
	inst := newGuest(t, f)

	fd, suspends := suspending(t, inst, "open", namePtr, modePtr)
	require.Equal(t, int32(3), fd)
	require.Equal(t, 1, suspends)
	require.Equal(t, int32(1), f.drive.opens.Load(), "provider called exactly once")

	n, suspends := suspending(t, inst, "read", api.EncodeI32(fd), dstPtr, 1024)
	require.Equal(t, int32(512), n)
	require.Equal(t, 1, suspends)
	require.Equal(t, int32(1), f.drive.reads.Load())
	require.Equal(t, stateJSON, guestBytes(t, inst, dstPtr, 512))
}

func TestHost_AsyncifiedGuest(t *testing.T) {
	f := newFixture(t, true)
	inst := newGuestFrom(t, f, wasmtest.Asyncified)
	require.NotNil(t, inst.Scheduler())

	n := callGuest(t, inst, "open_read", namePtr, modePtr, dstPtr, 1024)
	require.Equal(t, int32(512), n)
	require.Equal(t, stateJSON, guestBytes(t, inst, dstPtr, 512))
	require.Equal(t, 2, inst.Scheduler().Suspends(), "open and read each suspend once")
	require.Equal(t, int32(1), f.drive.opens.Load())
	require.Equal(t, int32(1), f.drive.reads.Load())
	require.Zero(t, f.logs.Len())

	writeCString(t, inst, namePtr, "absent.json")
	require.Equal(t, Sentinel, callGuest(t, inst, "open_read", namePtr, modePtr, dstPtr, 1024))
	require.Equal(t, 1, inst.Scheduler().Suspends())
	require.Equal(t, int32(1), f.drive.reads.Load(), "read is not issued after a failed open")
	require.Equal(t, 1, f.logs.Len())
}

func TestHost_AsyncifiedGuestNoProvider(t *testing.T) {
	f := newFixture(t, false)
	inst := newGuestFrom(t, f, wasmtest.Asyncified)

	require.Equal(t, Sentinel, callGuest(t, inst, "open_read", namePtr, modePtr, dstPtr, 1024))
	require.Zero(t, inst.Scheduler().Suspends())
	require.Equal(t, 1, f.logs.Len())
}

func TestHost_NoProvider(t *testing.T) {
	for _, debug := range []bool{true, false} {
		f := newFixture(t, false)
		f.debug.Store(debug)
		inst := newGuest(t, f)

		require.Equal(t, Sentinel, callGuest(t, inst, "open", namePtr, modePtr))

		want := 0
		if debug {
			want = 1
		}
		require.Equal(t, want, f.logs.Len())
	}
}

func TestHost_NoProviderDoesNotSuspend(t *testing.T) {
	f := newFixture(t, false)
	inst := newGuest(t, f)

	fd, suspends := suspending(t, inst, "open", namePtr, modePtr)
	require.Equal(t, Sentinel, fd)
	require.Zero(t, suspends)

	before := guestBytes(t, inst, dstPtr, 64)
	n, suspends := suspending(t, inst, "read", 3, dstPtr, 64)
	require.Equal(t, Sentinel, n)
	require.Zero(t, suspends)
	require.Equal(t, before, guestBytes(t, inst, dstPtr, 64))
	require.Equal(t, 2, f.logs.Len())
}

func TestHost_ProviderRejectsOpen(t *testing.T) {
	f := newFixture(t, true)
	inst := newGuest(t, f)
	writeCString(t, inst, namePtr, "absent.json")

	fd, suspends := suspending(t, inst, "open", namePtr, modePtr)
	require.Equal(t, Sentinel, fd)
	require.Equal(t, 1, suspends)

	entries := f.logs.AllUntimed()
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].ContextMap()["error"], "absent.json")
}

func TestHost_ZeroLengthRead(t *testing.T) {
	for _, register := range []bool{true, false} {
		f := newFixture(t, register)
		inst := newGuest(t, f)
		require.True(t, inst.Memory().Write(dstPtr, bytes.Repeat([]byte{0x5A}, 16)))

		require.Zero(t, callGuest(t, inst, "read", 3, dstPtr, 0))
		n, suspends := suspending(t, inst, "read", 3, dstPtr, 0)
		require.Zero(t, n)
		require.Zero(t, suspends)

		// A zero length is accepted even with a null destination.
		require.Zero(t, callGuest(t, inst, "read", 3, 0, 0))

		require.Equal(t, bytes.Repeat([]byte{0x5A}, 16), guestBytes(t, inst, dstPtr, 16))
		require.Zero(t, f.drive.reads.Load())
		require.Zero(t, f.logs.Len())
	}
}

func TestHost_MalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, inst *engine.Instance)
		fn    string
		args  []uint64
	}{
		{
			name: "null filename",
			fn:   "open",
			args: []uint64{0, modePtr},
		},
		{
			name: "empty filename",
			setup: func(t *testing.T, inst *engine.Instance) {
				writeCString(t, inst, namePtr, "")
			},
			fn:   "open",
			args: []uint64{namePtr, modePtr},
		},
		{
			name: "unterminated filename",
			setup: func(t *testing.T, inst *engine.Instance) {
				require.True(t, inst.Memory().Write(pageEnd-8, bytes.Repeat([]byte{'x'}, 8)))
			},
			fn:   "open",
			args: []uint64{pageEnd - 8, modePtr},
		},
		{
			name: "filename outside memory",
			fn:   "open",
			args: []uint64{pageEnd + 16, modePtr},
		},
		{
			name: "negative descriptor",
			fn:   "read",
			args: []uint64{api.EncodeI32(-1), dstPtr, 16},
		},
		{
			name: "null destination",
			fn:   "read",
			args: []uint64{3, 0, 16},
		},
		{
			name: "destination outside memory",
			fn:   "read",
			args: []uint64{3, pageEnd - 8, 16},
		},
		{
			name: "negative length",
			fn:   "read",
			args: []uint64{3, dstPtr, api.EncodeI32(-5)},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			inst := newGuest(t, f)
			if tc.setup != nil {
				tc.setup(t, inst)
			}

			require.Equal(t, Sentinel, callGuest(t, inst, tc.fn, tc.args...))
			require.Zero(t, f.drive.opens.Load())
			require.Zero(t, f.drive.reads.Load())
			require.Equal(t, 1, f.logs.Len())

			_, suspends := suspending(t, inst, tc.fn, tc.args...)
			require.Zero(t, suspends)
		})
	}
}

func TestHost_EmptyModeIsPassedThrough(t *testing.T) {
	f := newFixture(t, true)
	inst := newGuest(t, f)

	require.Equal(t, int32(3), callGuest(t, inst, "open", namePtr, 0))
}

func TestHost_Log(t *testing.T) {
	f := newFixture(t, true)
	inst := newGuest(t, f)
	writeCString(t, inst, dstPtr, "hello from guest")

	results, err := inst.Run(context.Background(), "log", dstPtr)
	require.NoError(t, err)
	require.Empty(t, results)

	entries := f.logs.AllUntimed()
	require.Len(t, entries, 1)
	require.Equal(t, "hello from guest", entries[0].Message)
	require.Equal(t, "guest", entries[0].ContextMap()["source"])

	f.debug.Store(false)
	_, err = inst.Run(context.Background(), "log", dstPtr)
	require.NoError(t, err)
	require.Equal(t, 1, f.logs.Len())

	f.debug.Store(true)
	require.True(t, inst.Memory().Write(pageEnd-4, []byte("abcd")))
	_, err = inst.Run(context.Background(), "log", pageEnd-4)
	require.NoError(t, err, "an unreadable message never traps")
	require.Equal(t, 2, f.logs.Len())
}

func TestInstantiate_DuplicateModule(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	eng, err := engine.New(ctx, nil)
	require.NoError(t, err)
	defer eng.Close(ctx)

	_, err = Instantiate(ctx, eng.Runtime(), f.bridge, DefaultImports())
	require.NoError(t, err)
	_, err = Instantiate(ctx, eng.Runtime(), f.bridge, DefaultImports())
	require.Error(t, err)
}
