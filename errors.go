package mainloop

import (
	"errors"
	"fmt"
)

// Error domains. A domain identifies the subsystem an [Error] originated from,
// and scopes its Code.
const (
	DomainSource   = "mainloop-source"
	DomainDispatch = "mainloop-dispatch"
	DomainLoop     = "mainloop-loop"
)

// Codes within [DomainSource].
const (
	CodeInvalidSource   = 1
	CodeUnknownSourceID = 2
)

// Codes within [DomainDispatch].
const (
	CodeCallbackFailure = 1
)

// Codes within [DomainLoop].
const (
	CodeReentrancyViolation = 1
	CodeContextReleased     = 2
	CodePollFailure         = 3
)

// Standard errors. These are templates, intended for use with [errors.Is],
// which matches any [*Error] with the same Domain and Code.
var (
	// ErrInvalidSource indicates a malformed attach request.
	ErrInvalidSource = &Error{Domain: DomainSource, Code: CodeInvalidSource, Message: "invalid source"}

	// ErrUnknownSourceID indicates an operation referenced a source that is
	// not attached. It is returned by Context.Lookup. Detach and SetEnabled
	// treat this as a benign no-op, and report it only via their boolean
	// result.
	ErrUnknownSourceID = &Error{Domain: DomainSource, Code: CodeUnknownSourceID, Message: "unknown source id"}

	// ErrCallbackFailure indicates a dispatch callback returned an error or
	// panicked.
	ErrCallbackFailure = &Error{Domain: DomainDispatch, Code: CodeCallbackFailure, Message: "callback failure"}

	// ErrReentrancyViolation is returned when a loop is run against a Context
	// that is already owned by a different goroutine.
	ErrReentrancyViolation = &Error{Domain: DomainLoop, Code: CodeReentrancyViolation, Message: "context is owned by another goroutine"}

	// ErrContextReleased is returned by operations on a Context whose last
	// reference has been released.
	ErrContextReleased = &Error{Domain: DomainLoop, Code: CodeContextReleased, Message: "context has been released"}

	// ErrPollFailure wraps an unexpected error from the readiness poll.
	ErrPollFailure = &Error{Domain: DomainLoop, Code: CodePollFailure, Message: "poll failed"}
)

// Error is the structured error reported by this package. Domain identifies
// the subsystem, Code is scoped to the Domain, and Message is diagnostic text.
type Error struct {
	// Cause is the underlying error, if any, e.g. the error returned by a
	// dispatch callback.
	Cause error

	Domain  string
	Message string
	Code    int

	// Source identifies the source involved, if any.
	Source SourceID
}

// Error formats the error as "<domain> error <code>: <message>".
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("%s error %d: %s", e.Domain, e.Code, msg)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an [*Error] with the same Domain and Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return t.Domain == e.Domain && t.Code == e.Code
}

// newError derives an error from one of the templates.
func newError(template *Error, cause error, format string, args ...any) *Error {
	return &Error{
		Domain:  template.Domain,
		Code:    template.Code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// callbackFailure wraps the error reported by a callback (or a recovered
// panic) for the given source.
func callbackFailure(s *Source, cause error) *Error {
	e := newError(ErrCallbackFailure, cause, "source %s: %v", s, cause)
	e.Source = s.ID()
	return e
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
//
// If the panic Value is not an error (e.g., a string or other type),
// returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
