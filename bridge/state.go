package bridge

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "wasm-drive/bridge"

// State is the lifecycle position of one bridge operation.
//
//	Requested -> AwaitingProvider -> Succeeded | Failed
//
// Operations that short-circuit before reaching the provider move from
// Requested straight to a terminal state. No operation moves backwards.
type State int

const (
	StateRequested State = iota
	StateAwaitingProvider
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateAwaitingProvider:
		return "awaiting_provider"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends an operation.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Op names a bridge operation.
type Op string

const (
	OpOpen Op = "open"
	OpRead Op = "read"
)

// Transition is reported to an Observer on every state change, including
// the initial Requested state (From equals To).
type Transition struct {
	Err  error
	Op   Op
	ID   uint64
	From State
	To   State
}

// Observer receives transitions synchronously on the goroutine driving the
// operation.
type Observer func(Transition)

// call is one operation's state machine. It is owned by a single logical
// thread of control and never shared between operations.
type call struct {
	ctx      context.Context
	span     trace.Span
	err      error
	observer Observer
	op       Op
	id       uint64
	state    State
}

var callSeq atomic.Uint64

func startCall(ctx context.Context, op Op, observer Observer, attrs ...attribute.KeyValue) *call {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "bridge."+string(op), trace.WithAttributes(attrs...))
	c := &call{
		ctx:      ctx,
		span:     span,
		observer: observer,
		op:       op,
		id:       callSeq.Add(1),
		state:    StateRequested,
	}
	c.notify(StateRequested)
	return c
}

func (c *call) move(to State) {
	if c.state.Terminal() {
		return
	}
	from := c.state
	c.state = to
	if c.observer != nil {
		c.observer(Transition{Op: c.op, ID: c.id, From: from, To: to, Err: c.err})
	}
}

func (c *call) notify(s State) {
	if c.observer != nil {
		c.observer(Transition{Op: c.op, ID: c.id, From: s, To: s})
	}
}

func (c *call) awaiting() {
	c.move(StateAwaitingProvider)
}

func (c *call) succeed(attrs ...attribute.KeyValue) {
	if c.state.Terminal() {
		return
	}
	c.span.SetAttributes(attrs...)
	c.span.SetStatus(codes.Ok, "")
	c.move(StateSucceeded)
	c.span.End()
}

func (c *call) fail(err error) {
	if c.state.Terminal() {
		return
	}
	c.err = err
	c.span.RecordError(err)
	c.span.SetStatus(codes.Error, err.Error())
	c.move(StateFailed)
	c.span.End()
}
