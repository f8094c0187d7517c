// Package apperrors provides coded application errors so callers can map
// failures to transport status codes without string matching.
package apperrors

import (
	"errors"
	"fmt"
)

// Code identifies the class of an application error.
type Code string

const (
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeConflict     Code = "CONFLICT"
	CodeAICall       Code = "AI_CALL_FAILED"
	CodeInternal     Code = "INTERNAL"
)

// Error is a coded application error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, reason string) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, reason)}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Unauthorized reports an actor acting outside their role.
func Unauthorized(reason string) *Error {
	return &Error{Code: CodeUnauthorized, Message: reason}
}

// AICall reports a failed call to the AI capability provider.
func AICall(err error, operation string) *Error {
	return &Error{Code: CodeAICall, Message: fmt.Sprintf("ai %s call failed", operation), cause: err}
}

// CodeOf extracts the code from an error chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
