package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// ErrorKind categorizes scheduler errors for callers running their own loop.
type ErrorKind string

const (
	KindUnknown  ErrorKind = "Unknown"
	KindCanceled ErrorKind = "Canceled"
	KindTimeout  ErrorKind = "Timeout"
	KindInternal ErrorKind = "Internal"
	KindInvalid  ErrorKind = "Invalid"
)

func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// OpID identifies the kind of a pending operation.
type OpID uint16

const (
	OpCompleted OpID = iota
	OpDriveOpen
	OpDriveRead
)

func (id OpID) String() string {
	switch id {
	case OpCompleted:
		return "completed"
	case OpDriveOpen:
		return "drive_open"
	case OpDriveRead:
		return "drive_read"
	default:
		return fmt.Sprintf("op(%d)", uint16(id))
	}
}

// PendingOp is work a host function hands to the scheduler when it suspends
// the guest. Execute runs exactly once, outside the guest call, and its value
// becomes the host function's result when the guest resumes.
type PendingOp interface {
	ID() OpID
	Execute(ctx context.Context) (uint64, error)
}

// Completed is an operation whose result is known without suspending.
type Completed uint64

func (Completed) ID() OpID { return OpCompleted }

func (c Completed) Execute(context.Context) (uint64, error) { return uint64(c), nil }

type StepStatus int

const (
	StepContinue StepStatus = iota // guest suspended on PendingOp
	StepDone                       // guest call returned
)

type StepResult struct {
	PendingOp PendingOp
	Error     error
	ErrorKind ErrorKind
	Results   []uint64
	Status    StepStatus
}

// YieldResult carries a settled operation back into Step.
type YieldResult struct {
	Error error
	Value uint64
}

// Scheduler runs one guest call to completion across any number of
// suspensions. Each suspension yields exactly one PendingOp and is resumed
// exactly once.
type Scheduler struct {
	fn          api.Function
	pendingOp   PendingOp
	err         error
	asyncify    *Asyncify
	args        []uint64
	result      uint64
	initialized bool
	suspends    int
}

func NewScheduler(a *Asyncify) *Scheduler {
	return &Scheduler{asyncify: a}
}

func (s *Scheduler) SetPending(op PendingOp) {
	s.pendingOp = op
}

func (s *Scheduler) GetResult() (uint64, error) {
	return s.result, s.err
}

func (s *Scheduler) ClearPending() {
	s.pendingOp = nil
	s.result = 0
	s.err = nil
}

// Suspends returns how many times the current call has suspended.
func (s *Scheduler) Suspends() int {
	return s.suspends
}

// Execute prepares a call. Call Step to advance it.
func (s *Scheduler) Execute(ctx context.Context, fn api.Function, args ...uint64) error {
	if !s.asyncify.IsNormal() {
		return fmt.Errorf("scheduler: asyncify in %s state", s.asyncify.State())
	}
	s.fn = fn
	s.args = args
	s.initialized = true
	s.suspends = 0
	s.asyncify.ResetStack()
	return nil
}

// Step advances the call. Pass nil on the first step and the settled value of
// the previous PendingOp afterwards. Cancellation is checked only on the
// first step; a settled value always rewinds the guest.
func (s *Scheduler) Step(ctx context.Context, yr *YieldResult) (StepResult, error) {
	if yr == nil {
		if err := ctx.Err(); err != nil {
			return StepResult{Error: err, ErrorKind: ClassifyError(err)}, err
		}
	}
	if !s.initialized {
		err := fmt.Errorf("scheduler: call Execute first")
		return StepResult{Error: err, ErrorKind: KindInvalid}, err
	}

	if yr != nil {
		s.result = yr.Value
		s.err = yr.Error
		if s.err != nil {
			return StepResult{Error: s.err, ErrorKind: ClassifyError(s.err)}, s.err
		}
		if err := s.asyncify.StartRewind(ctx); err != nil {
			err = fmt.Errorf("scheduler: start rewind: %w", err)
			return StepResult{Error: err, ErrorKind: KindInternal}, err
		}
	}

	results, callErr := s.fn.Call(ctx, s.args...)

	if s.asyncify.IsUnwinding() {
		if err := s.asyncify.StopUnwind(ctx); err != nil {
			err = fmt.Errorf("scheduler: stop unwind: %w", err)
			return StepResult{Error: err, ErrorKind: KindInternal}, err
		}
		if s.pendingOp == nil {
			err := fmt.Errorf("scheduler: no pending operation after unwind")
			return StepResult{Error: err, ErrorKind: KindInternal}, err
		}
		op := s.pendingOp
		s.pendingOp = nil
		s.suspends++
		return StepResult{Status: StepContinue, PendingOp: op}, nil
	}

	if callErr != nil {
		return StepResult{Error: callErr, ErrorKind: ClassifyError(callErr)}, callErr
	}

	if !s.asyncify.IsNormal() {
		err := fmt.Errorf("scheduler: guest returned in %s state", s.asyncify.State())
		return StepResult{Error: err, ErrorKind: KindInternal}, err
	}

	s.initialized = false
	return StepResult{Status: StepDone, Results: results}, nil
}

func (s *Scheduler) Reset() {
	s.fn = nil
	s.args = nil
	s.pendingOp = nil
	s.result = 0
	s.err = nil
	s.initialized = false
	s.suspends = 0
}

// Run drives Execute/Step with an internal loop. Pending ops execute on the
// calling goroutine. Cancellation stops the call before the next op is
// issued; an op already issued always resumes the guest with its value.
func (s *Scheduler) Run(ctx context.Context, fn api.Function, args ...uint64) ([]uint64, error) {
	if err := s.Execute(ctx, fn, args...); err != nil {
		return nil, err
	}

	var yr *YieldResult
	for {
		sr, err := s.Step(ctx, yr)
		if err != nil {
			s.Reset()
			return nil, err
		}

		switch sr.Status {
		case StepDone:
			return sr.Results, nil
		case StepContinue:
			if err := ctx.Err(); err != nil {
				s.Reset()
				return nil, err
			}
			val, opErr := sr.PendingOp.Execute(ctx)
			yr = &YieldResult{Value: val, Error: opErr}
		}
	}
}
