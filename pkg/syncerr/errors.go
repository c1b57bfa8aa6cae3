// Package syncerr provides error codes shared across the sync, media, and
// session layers. This is a leaf package with no internal dependencies so the
// transport layer can map codes to HTTP statuses without importing the engines.
package syncerr

import (
	"errors"
	"fmt"
)

// Code classifies a sync failure.
type Code int

const (
	// CodeUnauthorized indicates the presented credentials or session key
	// are invalid.
	CodeUnauthorized Code = iota + 1

	// CodeAuthRequired indicates an operation that needs a session was
	// called without one.
	CodeAuthRequired

	// CodeBusy indicates another request holds the user's serialization
	// lock.
	CodeBusy

	// CodeBadRequest indicates the request body or parameters could not be
	// understood.
	CodeBadRequest

	// CodeConflict indicates the operation cannot proceed in the current
	// sync state, such as a chunk arriving before start.
	CodeConflict

	// CodeObsoleteClient indicates the client speaks a protocol version
	// older than the server supports.
	CodeObsoleteClient

	// CodeTemporary indicates a transient server condition; the client may
	// retry later.
	CodeTemporary

	// CodeInternal indicates an unexpected server failure.
	CodeInternal
)

// String returns a human-readable name for the code.
func (c Code) String() string {
	switch c {
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeAuthRequired:
		return "AuthRequired"
	case CodeBusy:
		return "Busy"
	case CodeBadRequest:
		return "BadRequest"
	case CodeConflict:
		return "Conflict"
	case CodeObsoleteClient:
		return "ObsoleteClient"
	case CodeTemporary:
		return "Temporary"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error carries a code, a message, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code wrapping an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Unauthorized creates an Unauthorized error.
func Unauthorized(format string, args ...any) *Error {
	return New(CodeUnauthorized, format, args...)
}

// AuthRequired creates an AuthRequired error.
func AuthRequired(format string, args ...any) *Error {
	return New(CodeAuthRequired, format, args...)
}

// Busy creates a Busy error.
func Busy(format string, args ...any) *Error {
	return New(CodeBusy, format, args...)
}

// BadRequest creates a BadRequest error.
func BadRequest(format string, args ...any) *Error {
	return New(CodeBadRequest, format, args...)
}

// Conflict creates a Conflict error.
func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

// ObsoleteClient creates an ObsoleteClient error.
func ObsoleteClient(format string, args ...any) *Error {
	return New(CodeObsoleteClient, format, args...)
}

// Temporary creates a Temporary error.
func Temporary(format string, args ...any) *Error {
	return New(CodeTemporary, format, args...)
}

// Internal creates an Internal error wrapping a cause.
func Internal(cause error, format string, args ...any) *Error {
	return Wrap(CodeInternal, cause, format, args...)
}

// CodeOf extracts the Code from err. Errors that are not *Error report
// CodeInternal.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
