package drive

import stderrors "errors"

var errUnknown = stderrors.New("drive: operation failed without a reason")

// Result is the settled outcome of a drive operation: a value or a failure
// reason, never both.
type Result[T any] struct {
	value T
	err   error
}

// Ok returns a successful result.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail returns a failed result. A nil err still yields a failure.
func Fail[T any](err error) Result[T] {
	if err == nil {
		err = errUnknown
	}
	return Result[T]{err: err}
}

// IsOk reports whether the result carries a value.
func (r Result[T]) IsOk() bool {
	return r.err == nil
}

// Value returns the value and whether the result succeeded.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.err == nil
}

// Err returns the failure reason, or nil on success.
func (r Result[T]) Err() error {
	return r.err
}

// Get returns the value and failure reason in Go's usual order.
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}

// Or returns the value on success and fallback on failure.
func (r Result[T]) Or(fallback T) T {
	if r.err != nil {
		return fallback
	}
	return r.value
}
