// Package errs defines the error kinds raised across the builder, splitter,
// cache, and scheduler, and a single wrapped error type used to carry them.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the stage of the pipeline that raised it.
type Kind string

const (
	TypeMismatch        Kind = "type-mismatch"
	DuplicateNodeName    Kind = "duplicate-node-name"
	LazyInCondition      Kind = "lazy-in-condition"
	AxisMismatch         Kind = "axis-mismatch"
	MissingRequiredInput Kind = "missing-required-input"
	WorkerFailure        Kind = "worker-failure"
	Timeout              Kind = "timeout"
	Cancelled            Kind = "cancelled"
	CacheCorruption      Kind = "cache-corruption"
	EnvUnavailable       Kind = "env-unavailable"
)

// Error is the concrete error type raised by every package in this module.
// Builder-time errors (TypeMismatch, DuplicateNodeName, LazyInCondition,
// MissingRequiredInput) abort construction. AxisMismatch is raised by the
// splitter when shapes are resolved, which scheduler.Run does before any
// dispatch. Scheduler errors (WorkerFailure, Timeout, Cancelled) are
// recorded per work unit instead of propagating as a Go error from Run.
type Error struct {
	Kind Kind

	// Node/Field identify the builder-time location of the error, when known.
	Node  string
	Field string

	// UnitID identifies the work unit for scheduler-time errors.
	UnitID string

	Message string
	Err     error
}

func (e *Error) Error() string {
	loc := ""
	switch {
	case e.UnitID != "":
		loc = fmt.Sprintf(" unit=%s", e.UnitID)
	case e.Node != "" && e.Field != "":
		loc = fmt.Sprintf(" %s.%s", e.Node, e.Field)
	case e.Node != "":
		loc = fmt.Sprintf(" node=%s", e.Node)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s:%s %s: %v", e.Kind, loc, e.Message, e.Err)
	}
	return fmt.Sprintf("%s:%s %s", e.Kind, loc, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, errs.New(errs.TypeMismatch, "", "", "")) works as a kind
// check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a builder/splitter-time error.
func New(kind Kind, node, field, format string, args ...any) *Error {
	return &Error{Kind: kind, Node: node, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a scheduler-time error referencing a work unit and an
// underlying cause.
func Wrap(kind Kind, unitID string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, UnitID: unitID, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
