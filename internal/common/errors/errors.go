// Package errors defines the structured error taxonomy used across the
// control plane. Every failure that crosses a boundary carries a stable code,
// a human-readable message, and an optional hint for the caller.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the error class. Codes are stable and part of the API.
type Code string

const (
	CodeInvalidInput        Code = "invalid_input"
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeQueueNotReady       Code = "queue_not_ready"
	CodeTemplateUnavailable Code = "template_unavailable"
	CodeEngineUnavailable   Code = "engine_unavailable"
	CodeTimeout             Code = "timeout"
	CodeCancelled           Code = "cancelled"
	CodeInternal            Code = "internal"
)

// statusCodes maps error codes to HTTP status codes.
var statusCodes = map[Code]int{
	CodeInvalidInput:        http.StatusBadRequest,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeConflict:            http.StatusConflict,
	CodeQueueNotReady:       http.StatusConflict,
	CodeTemplateUnavailable: http.StatusServiceUnavailable,
	CodeEngineUnavailable:   http.StatusServiceUnavailable,
	CodeTimeout:             http.StatusGatewayTimeout,
	CodeCancelled:           499, // client closed request
	CodeInternal:            http.StatusInternalServerError,
}

// AppError is a structured application error.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithHint attaches a hint and returns the error for chaining.
func (e *AppError) WithHint(hint string) *AppError {
	e.Hint = hint
	return e
}

// HTTPStatus returns the status code for the error's class.
func (e *AppError) HTTPStatus() int {
	if s, ok := statusCodes[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func newError(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidInput reports a boundary validation failure.
func InvalidInput(format string, args ...any) *AppError {
	return newError(CodeInvalidInput, format, args...)
}

// Unauthorized reports missing or invalid authentication.
func Unauthorized(format string, args ...any) *AppError {
	return newError(CodeUnauthorized, format, args...)
}

// Forbidden reports an ACL denial.
func Forbidden(format string, args ...any) *AppError {
	return newError(CodeForbidden, format, args...)
}

// NotFound reports a failed lookup.
func NotFound(format string, args ...any) *AppError {
	return newError(CodeNotFound, format, args...)
}

// Conflict reports a uniqueness violation or illegal state transition.
func Conflict(format string, args ...any) *AppError {
	return newError(CodeConflict, format, args...)
}

// QueueNotReady reports that the target agent is not running.
func QueueNotReady(format string, args ...any) *AppError {
	return newError(CodeQueueNotReady, format, args...)
}

// TemplateUnavailable reports an upstream template fetch failure.
func TemplateUnavailable(err error, format string, args ...any) *AppError {
	e := newError(CodeTemplateUnavailable, format, args...)
	e.Err = err
	return e
}

// EngineUnavailable reports a container engine failure.
func EngineUnavailable(err error, format string, args ...any) *AppError {
	e := newError(CodeEngineUnavailable, format, args...)
	e.Err = err
	return e
}

// Timeout reports an exceeded deadline.
func Timeout(format string, args ...any) *AppError {
	return newError(CodeTimeout, format, args...)
}

// Cancelled reports a user- or system-initiated cancellation.
func Cancelled(format string, args ...any) *AppError {
	return newError(CodeCancelled, format, args...)
}

// Internal wraps an invariant violation. The underlying detail is never
// surfaced to callers.
func Internal(err error, format string, args ...any) *AppError {
	e := newError(CodeInternal, format, args...)
	e.Err = err
	return e
}

// As extracts an *AppError from an error chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus returns the HTTP status for any error. Unclassified errors map
// to 500.
func HTTPStatus(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
