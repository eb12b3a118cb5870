// Package hearterr defines the typed error kinds used across hearth to decide
// HTTP status codes and worker-pass error policy without string matching.
package hearterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its handling policy: which HTTP
// status it maps to, and whether a worker pass should log-and-continue or
// treat it as fatal to the current reconciliation.
type Kind string

const (
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	Unauthorized Kind = "unauthorized"
	Upstream     Kind = "upstream"
	Build        Kind = "build"
	Transient    Kind = "transient"
	Fatal        Kind = "fatal"
)

// Error is a Kind-tagged error that wraps an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, hearterr.New(hearterr.NotFound, "")) match any
// Error of that Kind: the target is a sentinel constructed with New(kind, "").
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an existing error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func Unauthorizedf(format string, args ...any) *Error {
	return New(Unauthorized, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind of err, defaulting to Transient when err does not
// wrap a *Error — matching the proxy's "unknown errors are transient" policy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}
