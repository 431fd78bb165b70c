package errors

import (
	"errors"
	"fmt"
)

// Error codes used across the pipeline. The worker's retry loop keys off
// CodeServiceUnavailable; everything else is fatal on first sight.
const (
	// CodeConfig indicates an invalid column spec, unresolvable column
	// name, or missing credentials. Reported before any row is processed.
	CodeConfig = "CONFIG"

	// CodeColumnConflict indicates that a geocoded output column collides
	// with an input column and the duplicate-column policy is "error".
	CodeColumnConflict = "COLUMN_CONFLICT"

	// CodeServiceUnavailable indicates a transient geocoding failure
	// (network error, 5xx, 429). Safe to retry.
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// CodeRequestRejected indicates the geocoding service rejected the
	// request outright (4xx). Retrying would not help.
	CodeRequestRejected = "REQUEST_REJECTED"

	// CodeMalformedResponse indicates the service returned a result that
	// cannot be correlated back to its request. Row identity can no longer
	// be guaranteed, so this is always fatal.
	CodeMalformedResponse = "MALFORMED_RESPONSE"

	// CodeStage indicates a stage-communication failure, such as a queue
	// that closed before the end marker arrived.
	CodeStage = "STAGE"
)

// Error represents a structured pipeline error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new pipeline error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Newf creates a new pipeline error with a formatted message and no cause
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// CodeOf returns the code of err if it is (or wraps) an *Error, or ""
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a transient service failure worth
// retrying. Anything that is not explicitly transient is treated as fatal.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeServiceUnavailable
}

// IsConfig checks if an error was raised before any row was processed
func IsConfig(err error) bool {
	code := CodeOf(err)
	return code == CodeConfig || code == CodeColumnConflict
}
