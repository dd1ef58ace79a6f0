package bridge

import (
	"context"
	stderrors "errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-drive/diag"
	"github.com/wippyai/wasm-drive/drive"
	"github.com/wippyai/wasm-drive/errors"
)

// Sentinel is the failure value returned to guests by open and read.
const Sentinel int32 = -1

// DefaultChunkSize is the read size ReadAll uses when none is given.
const DefaultChunkSize = 1024

// Bridge performs drive operations on behalf of sandboxed callers. It holds
// no per-operation state; every call resolves its own provider handle and
// runs its own state machine, so a Bridge is safe for concurrent use.
type Bridge struct {
	resolver drive.Resolver
	sink     *diag.Sink
	observer Observer
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithObserver reports every operation's state transitions to fn.
func WithObserver(fn Observer) Option {
	return func(b *Bridge) { b.observer = fn }
}

// New returns a bridge resolving providers through resolver and reporting
// failures to sink. A nil sink discards diagnostics.
func New(resolver drive.Resolver, sink *diag.Sink, opts ...Option) *Bridge {
	b := &Bridge{resolver: resolver, sink: sink}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Sink returns the diagnostic sink.
func (b *Bridge) Sink() *diag.Sink {
	return b.sink
}

// Open opens filename on the resolved provider and waits for the descriptor.
func (b *Bridge) Open(ctx context.Context, filename, mode string) drive.Result[int32] {
	c := b.startOpen(ctx, filename, mode)
	h := b.prepareOpen(c, filename)
	if h == nil {
		return drive.Fail[int32](c.err)
	}
	return b.finishOpen(ctx, c, h, filename, mode)
}

// Read fills dst from fd and returns the number of bytes written into it,
// 0 at end of data. An empty dst returns 0 without resolving a provider.
// After a failure the contents of dst are unspecified.
func (b *Bridge) Read(ctx context.Context, fd int32, dst []byte) drive.Result[int] {
	c := b.startRead(ctx, fd, len(dst))
	if len(dst) == 0 {
		c.succeed(attribute.Int("drive.bytes", 0))
		return drive.Ok(0)
	}
	h := b.prepareRead(c, fd)
	if h == nil {
		return drive.Fail[int](c.err)
	}
	return b.finishRead(ctx, c, h, fd, dst)
}

// ReadAll reads fd in chunk-sized pieces until a short read. A chunk of 0
// selects DefaultChunkSize.
func (b *Bridge) ReadAll(ctx context.Context, fd int32, chunk int) ([]byte, error) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	var out []byte
	buf := make([]byte, chunk)
	for {
		n, err := b.Read(ctx, fd, buf).Get()
		if err != nil {
			return out, err
		}
		out = append(out, buf[:n]...)
		if n < chunk {
			return out, nil
		}
	}
}

func (b *Bridge) startOpen(ctx context.Context, filename, mode string) *call {
	return startCall(ctx, OpOpen, b.observer,
		attribute.String("drive.filename", filename),
		attribute.String("drive.mode", mode))
}

func (b *Bridge) startRead(ctx context.Context, fd int32, length int) *call {
	return startCall(ctx, OpRead, b.observer,
		attribute.Int("drive.fd", int(fd)),
		attribute.Int("drive.length", length))
}

// prepareOpen validates input and resolves the provider. It returns nil once
// the call has failed; every failure has been reported to the sink.
func (b *Bridge) prepareOpen(c *call, filename string) drive.Handle {
	if filename == "" {
		b.reject(c, "drive open: invalid input", errors.InvalidInput(errors.PhaseOpen, "empty filename"))
		return nil
	}
	return b.resolve(c)
}

func (b *Bridge) prepareRead(c *call, fd int32) drive.Handle {
	if fd < 0 {
		b.reject(c, "drive read: invalid input",
			errors.New(errors.PhaseRead, errors.KindInvalidInput).
				Value(fd).
				Detail("negative descriptor %d", fd).
				Build())
		return nil
	}
	return b.resolve(c)
}

// resolve asks the resolver for a handle. The resolver reports its own
// failures, so the bridge does not log them again.
func (b *Bridge) resolve(c *call) drive.Handle {
	if b.resolver == nil {
		b.reject(c, "drive: no resolver configured", errors.ProviderUnavailable("no resolver configured", nil))
		return nil
	}
	h, err := b.resolver.Resolve(c.ctx)
	if err != nil {
		c.fail(err)
		return nil
	}
	return h
}

// finishOpen issues the open and awaits it exactly once.
func (b *Bridge) finishOpen(ctx context.Context, c *call, h drive.Handle, filename, mode string) drive.Result[int32] {
	c.awaiting()
	fd, err := await(h.OpenAsync(trace.ContextWithSpan(ctx, c.span), filename, mode), errors.PhaseOpen)
	if err != nil {
		b.reject(c, "drive open failed", providerError(errors.PhaseOpen, filename, err), zap.String("filename", filename))
		return drive.Fail[int32](c.err)
	}
	if fd < 0 {
		b.reject(c, "drive open failed",
			errors.Protocol(errors.PhaseOpen, "provider returned negative descriptor %d", fd),
			zap.String("filename", filename))
		return drive.Fail[int32](c.err)
	}

	c.succeed(attribute.Int("drive.result_fd", int(fd)))
	return drive.Ok(fd)
}

// finishRead issues the read and awaits it exactly once.
func (b *Bridge) finishRead(ctx context.Context, c *call, h drive.Handle, fd int32, dst []byte) drive.Result[int] {
	c.awaiting()
	n, err := await(h.ReadAsync(trace.ContextWithSpan(ctx, c.span), fd, dst), errors.PhaseRead)
	if err != nil {
		b.reject(c, "drive read failed", providerError(errors.PhaseRead, "", err), zap.Int32("fd", fd))
		return drive.Fail[int](c.err)
	}
	if n < 0 || n > len(dst) {
		b.reject(c, "drive read failed",
			errors.Protocol(errors.PhaseRead, "provider reported %d bytes for a %d byte buffer", n, len(dst)),
			zap.Int32("fd", fd))
		return drive.Fail[int](c.err)
	}

	c.succeed(attribute.Int("drive.bytes", n))
	return drive.Ok(n)
}

// await blocks until f settles. There is no timeout; a provider that never
// settles blocks the caller.
func await[T any](f *drive.Future[T], phase errors.Phase) (T, error) {
	if f == nil {
		var zero T
		return zero, errors.Protocol(phase, "provider returned no future")
	}
	return f.Await().Get()
}

// reject fails the call and emits exactly one diagnostic for it.
func (b *Bridge) reject(c *call, msg string, err error, fields ...zap.Field) {
	c.fail(err)
	b.sink.Error(msg, err, fields...)
}

// providerError tags a provider failure as a rejection unless the provider
// already classified it.
func providerError(phase errors.Phase, path string, err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}
	return errors.Rejected(phase, path, err)
}
