package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

type ctxKeyScheduler struct{}
type ctxKeyAsyncify struct{}

func WithScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, ctxKeyScheduler{}, s)
}

func GetScheduler(ctx context.Context) *Scheduler {
	if v := ctx.Value(ctxKeyScheduler{}); v != nil {
		return v.(*Scheduler)
	}
	return nil
}

func WithAsyncify(ctx context.Context, a *Asyncify) context.Context {
	return context.WithValue(ctx, ctxKeyAsyncify{}, a)
}

func GetAsyncify(ctx context.Context) *Asyncify {
	if v := ctx.Value(ctxKeyAsyncify{}); v != nil {
		return v.(*Asyncify)
	}
	return nil
}

// Suspend registers op and starts unwinding. Called by host handlers.
func Suspend(ctx context.Context, op PendingOp) error {
	sched := GetScheduler(ctx)
	async := GetAsyncify(ctx)
	if sched == nil || async == nil {
		return fmt.Errorf("suspend: scheduler or asyncify not in context")
	}

	sched.SetPending(op)
	return async.StartUnwind(ctx)
}

// Resume returns the settled value and stops rewinding. Called by host
// handlers re-entered during rewind.
func Resume(ctx context.Context) (uint64, error) {
	sched := GetScheduler(ctx)
	async := GetAsyncify(ctx)
	if sched == nil || async == nil {
		return 0, fmt.Errorf("resume: scheduler or asyncify not in context")
	}

	result, err := sched.GetResult()
	if err != nil {
		return 0, err
	}
	if err := async.StopRewind(ctx); err != nil {
		return 0, err
	}

	sched.ClearPending()
	return result, nil
}

// MakeAsyncHandler turns an operation factory into a host function.
//
// Under asyncify the first entry suspends the guest with the op and the
// rewind entry writes the settled value to stack[0]. Without asyncify in ctx
// the op executes inline and the calling goroutine blocks until it settles.
// Completed ops never suspend. A nil op leaves the stack untouched.
func MakeAsyncHandler(createOp func(ctx context.Context, mod api.Module, stack []uint64) PendingOp) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		async := GetAsyncify(ctx)

		if async != nil && async.IsRewinding() {
			result, err := Resume(ctx)
			if err != nil {
				Logger().Warn("async handler: resume failed", zap.Error(err))
				return
			}
			if len(stack) > 0 {
				stack[0] = result
			}
			return
		}

		op := createOp(ctx, mod, stack)
		if op == nil {
			return
		}

		if sched := GetScheduler(ctx); sched != nil && async != nil {
			if _, done := op.(Completed); !done {
				err := Suspend(ctx, op)
				if err == nil {
					return
				}
				sched.ClearPending()
				Logger().Warn("async handler: suspend failed, executing inline",
					zap.Stringer("op", op.ID()),
					zap.Error(err))
			}
		}

		val, err := op.Execute(ctx)
		if err != nil {
			Logger().Warn("async handler: operation failed",
				zap.Stringer("op", op.ID()),
				zap.Error(err))
		}
		if len(stack) > 0 {
			stack[0] = val
		}
	}
}
