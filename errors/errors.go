package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseResolve Phase = "resolve" // drive capability lookup
	PhaseOpen    Phase = "open"    // drive open request
	PhaseRead    Phase = "read"    // drive read request
	PhaseLog     Phase = "log"     // diagnostic emission
	PhaseHost    Phase = "host"    // host module registration
	PhaseLoad    Phase = "load"    // module loading
	PhaseRuntime Phase = "runtime" // guest execution
	PhaseConfig  Phase = "config"  // configuration parsing
)

// Kind categorizes the error
type Kind string

const (
	KindProviderUnavailable Kind = "provider_unavailable"
	KindRejected            Kind = "rejected"
	KindInvalidInput        Kind = "invalid_input"
	KindOutOfBounds         Kind = "out_of_bounds"
	KindNotFound            Kind = "not_found"
	KindProtocol            Kind = "protocol"
	KindConfig              Kind = "config"
	KindInstantiation       Kind = "instantiation"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "/"))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Path sets the drive path the error refers to
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// DetailString sets the detail message verbatim, without formatting.
func (b *Builder) DetailString(msg string) *Builder {
	b.err.Detail = msg
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// ProviderUnavailable creates an error for a host without a registered drive
func ProviderUnavailable(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindProviderUnavailable,
		Detail: detail,
		Cause:  cause,
	}
}

// Rejected creates an error for a request the drive actively refused
func Rejected(phase Phase, path string, cause error) *Error {
	e := &Error{
		Phase: phase,
		Kind:  KindRejected,
		Cause: cause,
	}
	if path != "" {
		e.Path = []string{path}
	}
	return e
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// OutOfBounds creates a guest memory range error
func OutOfBounds(phase Phase, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%d, %d) outside linear memory", offset, uint64(offset)+uint64(length)),
		Value:  offset,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Protocol creates an error for a drive that broke its result contract
func Protocol(phase Phase, detail string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindProtocol,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Config creates a configuration error
func Config(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindConfig,
		Detail: detail,
		Cause:  cause,
	}
}

// Registration creates a host module registration error
func Registration(namespace, name string, cause error) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindInstantiation,
		Detail: fmt.Sprintf("register %s.%s", namespace, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

// IsKind reports whether err is an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
