package bridge

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmdrive "github.com/wippyai/wasm-drive"
	"github.com/wippyai/wasm-drive/drive"
	"github.com/wippyai/wasm-drive/engine"
	"github.com/wippyai/wasm-drive/errors"
)

// Imports names the host functions a guest imports.
type Imports struct {
	Module string
	Open   string // (filename i32, mode i32) -> i32
	Read   string // (fd i32, dst i32, len i32) -> i32
	Log    string // (msg i32)
}

// DefaultImports matches the import names emitted by the weavedrive guest
// library.
func DefaultImports() Imports {
	return Imports{
		Module: "env",
		Open:   "__asyncjs__weavedrive_open",
		Read:   "__asyncjs__weavedrive_read",
		Log:    "ao_log",
	}
}

// Instantiate registers the bridge as a host module in r. Guests importing
// it must be instantiated afterwards.
//
// Open and read are async host functions: under asyncify they suspend the
// guest while the provider works, otherwise they block the calling
// goroutine. Inputs that fail before reaching the provider complete without
// suspending.
func Instantiate(ctx context.Context, r wazero.Runtime, b *Bridge, imp Imports) (api.Module, error) {
	i32 := api.ValueTypeI32

	mod, err := r.NewHostModuleBuilder(imp.Module).
		NewFunctionBuilder().
		WithGoModuleFunction(engine.MakeAsyncHandler(b.openOp), []api.ValueType{i32, i32}, []api.ValueType{i32}).
		WithParameterNames("filename", "mode").
		Export(imp.Open).
		NewFunctionBuilder().
		WithGoModuleFunction(engine.MakeAsyncHandler(b.readOp), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("fd", "dst", "len").
		Export(imp.Read).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(b.hostLog), []api.ValueType{i32}, nil).
		WithParameterNames("msg").
		Export(imp.Log).
		Instantiate(ctx)
	if err != nil {
		return nil, errors.Registration(imp.Module, "*", err)
	}
	return mod, nil
}

var sentinel = engine.Completed(api.EncodeI32(Sentinel))

// openOp decodes guest arguments and resolves the provider. The provider
// request itself runs in the returned op.
func (b *Bridge) openOp(ctx context.Context, mod api.Module, stack []uint64) engine.PendingOp {
	namePtr := api.DecodeU32(stack[0])
	modePtr := api.DecodeU32(stack[1])

	filename, mode, err := guestStrings(mod, namePtr, modePtr)
	c := b.startOpen(ctx, filename, mode)
	if err != nil {
		b.reject(c, "drive open: invalid input", err)
		return sentinel
	}

	h := b.prepareOpen(c, filename)
	if h == nil {
		return sentinel
	}
	return &openOp{b: b, c: c, h: h, filename: filename, mode: mode}
}

func guestStrings(mod api.Module, namePtr, modePtr uint32) (string, string, error) {
	mem := wasmdrive.WrapMemory(mod.Memory())
	if mem == nil {
		return "", "", errors.InvalidInput(errors.PhaseOpen, "guest exports no memory")
	}
	if namePtr == 0 {
		return "", "", errors.InvalidInput(errors.PhaseOpen, "null filename pointer")
	}
	filename, err := mem.CString(namePtr)
	if err != nil {
		return "", "", err
	}
	mode := ""
	if modePtr != 0 {
		if mode, err = mem.CString(modePtr); err != nil {
			return filename, "", err
		}
	}
	return filename, mode, nil
}

type openOp struct {
	b        *Bridge
	c        *call
	h        drive.Handle
	filename string
	mode     string
}

func (o *openOp) ID() engine.OpID { return engine.OpDriveOpen }

func (o *openOp) Execute(ctx context.Context) (uint64, error) {
	r := o.b.finishOpen(ctx, o.c, o.h, o.filename, o.mode)
	return api.EncodeI32(r.Or(Sentinel)), nil
}

// readOp checks the destination range against guest memory and resolves the
// provider. A zero length completes with 0 before anything else.
func (b *Bridge) readOp(ctx context.Context, mod api.Module, stack []uint64) engine.PendingOp {
	fd := api.DecodeI32(stack[0])
	ptr := api.DecodeU32(stack[1])
	length := api.DecodeI32(stack[2])

	c := b.startRead(ctx, fd, int(length))
	if length == 0 {
		c.succeed()
		return engine.Completed(0)
	}

	mem := wasmdrive.WrapMemory(mod.Memory())
	switch {
	case length < 0:
		b.reject(c, "drive read: invalid input", errors.InvalidInput(errors.PhaseRead, "negative length"))
		return sentinel
	case mem == nil:
		b.reject(c, "drive read: invalid input", errors.InvalidInput(errors.PhaseRead, "guest exports no memory"))
		return sentinel
	case ptr == 0:
		b.reject(c, "drive read: invalid input", errors.InvalidInput(errors.PhaseRead, "null destination pointer"))
		return sentinel
	}
	if _, err := mem.View(ptr, uint32(length)); err != nil {
		b.reject(c, "drive read: invalid input", err)
		return sentinel
	}

	h := b.prepareRead(c, fd)
	if h == nil {
		return sentinel
	}
	return &readOp{b: b, c: c, h: h, mem: mem, fd: fd, ptr: ptr, length: uint32(length)}
}

type readOp struct {
	b      *Bridge
	c      *call
	h      drive.Handle
	mem    wasmdrive.Memory
	fd     int32
	ptr    uint32
	length uint32
}

func (o *readOp) ID() engine.OpID { return engine.OpDriveRead }

// Execute takes the destination view only now; the guest is parked, so the
// view stays valid until the op settles.
func (o *readOp) Execute(ctx context.Context) (uint64, error) {
	dst, err := o.mem.View(o.ptr, o.length)
	if err != nil {
		o.b.reject(o.c, "drive read failed", err, zap.Int32("fd", o.fd))
		return api.EncodeI32(Sentinel), nil
	}
	r := o.b.finishRead(ctx, o.c, o.h, o.fd, dst)
	return api.EncodeI32(int32(r.Or(int(Sentinel)))), nil
}

// hostLog forwards a NUL-terminated guest string to the sink. Guest memory
// is not read while diagnostics are disabled.
func (b *Bridge) hostLog(ctx context.Context, mod api.Module, stack []uint64) {
	if !b.sink.Enabled() {
		return
	}
	mem := wasmdrive.WrapMemory(mod.Memory())
	if mem == nil {
		return
	}
	msg, err := mem.CString(api.DecodeU32(stack[0]))
	if err != nil {
		b.sink.Error("guest log: unreadable message", err)
		return
	}
	b.sink.Log(msg, zap.String("source", "guest"), zap.String("module", mod.Name()))
}
