package drive

import "sync"

// Future is a drive request in flight. It settles exactly once; later
// settlements are ignored. There is no cancellation and no timeout: a
// provider that never settles blocks Await forever.
type Future[T any] struct {
	done chan struct{}
	res  Result[T]
	once sync.Once
}

// NewFuture returns an unsettled future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Settled returns a future already settled with (v, err).
func Settled[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Settle(v, err)
	return f
}

// Settle records the outcome. It reports whether this call settled the
// future.
func (f *Future[T]) Settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		if err != nil {
			f.res = Fail[T](err)
		} else {
			f.res = Ok(v)
		}
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles and returns its result.
func (f *Future[T]) Await() Result[T] {
	<-f.done
	return f.res
}
