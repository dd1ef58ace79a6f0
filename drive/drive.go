package drive

import (
	"context"
	"fmt"
)

// Drive is a blocking storage provider.
//
// Open returns a non-negative descriptor whose meaning is owned by the
// provider. Read fills p from the current position of fd and returns the
// number of bytes written into p, 0 at end of data.
type Drive interface {
	Open(ctx context.Context, filename, mode string) (int32, error)
	Read(ctx context.Context, fd int32, p []byte) (int, error)
}

// AsyncDrive is the asynchronous provider capability the bridge talks to.
// Each call returns a future that settles exactly once.
//
// ReadAsync owns p until its future settles; the caller must not touch p in
// the meantime.
type AsyncDrive interface {
	OpenAsync(ctx context.Context, filename, mode string) *Future[int32]
	ReadAsync(ctx context.Context, fd int32, p []byte) *Future[int]
}

// Handle is a resolved provider. It lives for one operation.
type Handle = AsyncDrive

// Async adapts a blocking Drive by running every call on its own goroutine.
// A panicking provider settles the future with an error.
func Async(d Drive) AsyncDrive {
	if ad, ok := d.(AsyncDrive); ok {
		return ad
	}
	return asyncDrive{d: d}
}

type asyncDrive struct {
	d Drive
}

func (a asyncDrive) OpenAsync(ctx context.Context, filename, mode string) *Future[int32] {
	f := NewFuture[int32]()
	go func() {
		defer settlePanic(f)
		f.Settle(a.d.Open(ctx, filename, mode))
	}()
	return f
}

func (a asyncDrive) ReadAsync(ctx context.Context, fd int32, p []byte) *Future[int] {
	f := NewFuture[int]()
	go func() {
		defer settlePanic(f)
		f.Settle(a.d.Read(ctx, fd, p))
	}()
	return f
}

func settlePanic[T any](f *Future[T]) {
	if r := recover(); r != nil {
		var zero T
		f.Settle(zero, fmt.Errorf("drive: provider panicked: %v", r))
	}
}
