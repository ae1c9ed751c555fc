// Package errs defines the error taxonomy shared by the store, the exposure
// correlator, the query engine and the HTTP layer.
//
// Every failure that a caller is expected to act on is an *Error with one of
// four codes. Callers test the kind with the IsXxx helpers, which unwrap with
// errors.As, so wrapping with fmt.Errorf("...: %w", err) is always safe.
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes an Error.
type Code string

const (
	// CodeNotFound indicates a referenced entry, revision or exposure does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict indicates an optimistic-concurrency violation on edit.
	CodeConflict Code = "CONFLICT"

	// CodeUpstreamUnavailable indicates the Butler or the storage backend
	// could not be reached or timed out. Retryable.
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"

	// CodeValidation indicates a malformed field or filter.
	CodeValidation Code = "VALIDATION"
)

// Error is a classified failure.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// EntryID identifies the affected entry, when there is one.
	EntryID string

	// Field names the offending input for validation errors.
	Field string

	// Err is the underlying cause (optional).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.EntryID != "" {
		msg += fmt.Sprintf(" (entry=%s)", e.EntryID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Code == CodeUpstreamUnavailable
}

// NotFound creates a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a CONFLICT error for entryID.
func Conflict(entryID, format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...), EntryID: entryID}
}

// Upstream creates an UPSTREAM_UNAVAILABLE error wrapping cause.
func Upstream(cause error, format string, args ...any) *Error {
	return &Error{Code: CodeUpstreamUnavailable, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Validation creates a VALIDATION error for field.
func Validation(field, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...), Field: field}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsUpstreamUnavailable reports whether err is an UPSTREAM_UNAVAILABLE error.
func IsUpstreamUnavailable(err error) bool { return CodeOf(err) == CodeUpstreamUnavailable }

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }
