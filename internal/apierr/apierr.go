// Package apierr defines the typed errors shared between the storage engine
// and the HTTP surface. Every service-level failure carries the HTTP status
// it maps to at the boundary, so handlers never have to guess.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a service error with an associated HTTP status.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given status and formatted message.
func New(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a status and message to an underlying error.
func Wrap(status int, err error, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...), Err: err}
}

// BadRequest reports invalid caller input (400).
func BadRequest(format string, args ...any) *Error {
	return New(http.StatusBadRequest, format, args...)
}

// Unauthorized reports missing or bad credentials (401).
func Unauthorized(format string, args ...any) *Error {
	return New(http.StatusUnauthorized, format, args...)
}

// Forbidden reports a state that disallows the operation (403).
func Forbidden(format string, args ...any) *Error {
	return New(http.StatusForbidden, format, args...)
}

// NotFound reports a missing entity (404).
func NotFound(format string, args ...any) *Error {
	return New(http.StatusNotFound, format, args...)
}

// Conflict reports a uniqueness violation (409).
func Conflict(format string, args ...any) *Error {
	return New(http.StatusConflict, format, args...)
}

// Unprocessable reports semantically invalid input (422).
func Unprocessable(format string, args ...any) *Error {
	return New(http.StatusUnprocessableEntity, format, args...)
}

// Internal reports a server-side failure (500).
func Internal(format string, args ...any) *Error {
	return New(http.StatusInternalServerError, format, args...)
}

// StatusOf extracts the HTTP status from err, defaulting to 500 for errors
// that carry no explicit status.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// MessageOf extracts the boundary-safe message from err.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal server error"
}
