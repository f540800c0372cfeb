// Package toolerrors adapts skill-dispatch failures (unknown skill, handler
// panic, handler error) into runtimeerr's Kind-tagged error family, so a
// tool failure carries the same kind/message/at_block/stack shape as every
// other runtime error (spec §7) instead of a second, parallel error type.
package toolerrors

import (
	"errors"
	"fmt"

	"agent-runtime/runtimeerr"
)

// ToolError wraps a runtimeerr.Error tagged runtimeerr.KindTool. Cause chains
// flow through runtimeerr.Error.Cause, so errors.Is/As and Unwrap work the
// same way they do for every other runtimeerr family.
type ToolError struct {
	err *runtimeerr.Error
}

// Error returns the wrapped runtimeerr.Error's message.
func (e *ToolError) Error() string { return e.err.Error() }

// Unwrap returns the wrapped runtimeerr.Error, whose own Unwrap yields Cause.
func (e *ToolError) Unwrap() error { return e.err }

// New constructs a ToolError with the provided message. Use when the
// failure does not wrap an underlying error but still requires structured
// reporting.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{runtimeerr.New(runtimeerr.KindTool, message)}
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is kept exactly as given, so Unwrap always exposes the original
// chain.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	e := runtimeerr.New(runtimeerr.KindTool, message)
	if cause != nil {
		e.Cause = cause
	}
	return &ToolError{e}
}

// FromError converts an arbitrary error into a ToolError, reusing it as-is
// if it already is one.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return NewWithCause(err.Error(), err)
}

// Errorf formats according to a format specifier and returns the result as
// a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}
