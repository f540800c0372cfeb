// Package runtimeerr defines the Fatal/propagate and Typed-but-recoverable
// error families from spec §7. Fatal errors (parse, config, unknown skill,
// snapshot corruption) propagate to the caller; UserInterrupt, ToolInterrupt,
// and Conflict are caught at specific boundaries (Explore loop, frame
// engine) and converted into state transitions rather than failures.
package runtimeerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a runtime error for callers that want to branch on
// severity without string matching.
type Kind string

const (
	// KindParse identifies agent-file syntax errors (§4.6).
	KindParse Kind = "parse"
	// KindConfig identifies configuration/registration errors.
	KindConfig Kind = "config"
	// KindUnknownSkill identifies a reference to an unregistered skill.
	KindUnknownSkill Kind = "unknown_skill"
	// KindSnapshotCorrupt identifies unrecoverable snapshot-store corruption.
	KindSnapshotCorrupt Kind = "snapshot_corrupt"
	// KindConflict identifies an optimistic-concurrency version mismatch
	// (§4.11 "Concurrency").
	KindConflict Kind = "conflict"
	// KindTool identifies a skill-dispatch failure: unknown skill name,
	// handler panic, or handler-returned error (§4.3 "structured error
	// propagation"). toolerrors.ToolError is this Kind under the hood.
	KindTool Kind = "tool"
)

// Error is a user-facing failure carrying kind, message, and optional
// location/diagnostic context (§7 "User-facing failures always include
// kind, message, and (when available) at_block and stack digest").
type Error struct {
	Kind    Kind
	Message string
	AtBlock string
	Stack   string
	Cause   error
}

func (e *Error) Error() string {
	if e.AtBlock != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Kind, e.Message, e.AtBlock)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a runtime Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a runtime Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithBlock annotates the error with the block identifier where it occurred.
func (e *Error) WithBlock(blockID string) *Error {
	e.AtBlock = blockID
	return e
}

// WithCause chains an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// UserInterrupt is raised when context.CheckUserInterrupt() observes a
// pending pause request (§4.8 step 1). The Explore loop and frame engine
// catch it and transition the frame to paused rather than propagating it as
// a failure.
type UserInterrupt struct {
	Reason string
}

func (e *UserInterrupt) Error() string {
	if e.Reason == "" {
		return "user interrupt"
	}
	return "user interrupt: " + e.Reason
}

// ToolInterrupt is raised by a skill to request user intervention before it
// can complete (§4.3 step 4, §4.8 step 5c). The dispatcher propagates it to
// the Explore loop, which propagates it to the frame engine; the frame moves
// to waiting_for_intervention rather than failed.
type ToolInterrupt struct {
	Tool       string
	Args       map[string]any
	ToolCallID string
	Reason     string
}

func (e *ToolInterrupt) Error() string {
	return fmt.Sprintf("tool interrupt: %s requires intervention: %s", e.Tool, e.Reason)
}

// Conflict indicates an optimistic-concurrency mismatch on a frame mutation
// (§4.11 "Concurrency": "mismatches surface a Conflict error").
type Conflict struct {
	FrameID         string
	ExpectedVersion int
	ActualVersion   int
}

func (e *Conflict) Error() string {
	return fmt.Sprintf("conflict: frame %s expected version %d, got %d", e.FrameID, e.ExpectedVersion, e.ActualVersion)
}

// AsUserInterrupt reports whether err is (or wraps) a UserInterrupt.
func AsUserInterrupt(err error) (*UserInterrupt, bool) {
	var ui *UserInterrupt
	ok := errors.As(err, &ui)
	return ui, ok
}

// AsToolInterrupt reports whether err is (or wraps) a ToolInterrupt.
func AsToolInterrupt(err error) (*ToolInterrupt, bool) {
	var ti *ToolInterrupt
	ok := errors.As(err, &ti)
	return ti, ok
}

// AsConflict reports whether err is (or wraps) a Conflict.
func AsConflict(err error) (*Conflict, bool) {
	var c *Conflict
	ok := errors.As(err, &c)
	return c, ok
}
