package protocol

import "fmt"

// Error codes form a closed taxonomy. Handlers may add domain codes of
// their own, but every code is a SCREAMING_SNAKE_CASE string.
const (
	// Envelope family.
	CodeInvalidEnvelope  = "INVALID_ENVELOPE"
	CodeUnknownOperation = "UNKNOWN_OPERATION"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"

	// Validation.
	CodeSchemaValidationFailed = "SCHEMA_VALIDATION_FAILED"

	// Auth.
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeInsufficientScopes = "INSUFFICIENT_SCOPES"
	CodeInvalidCard        = "INVALID_CARD"
	CodePatronNotFound     = "PATRON_NOT_FOUND"

	// Deprecation.
	CodeOpRemoved = "OP_REMOVED"

	// Async lifecycle.
	CodeOperationNotFound    = "OPERATION_NOT_FOUND"
	CodeOperationNotComplete = "OPERATION_NOT_COMPLETE"
	CodeRateLimited          = "RATE_LIMITED"

	// Infrastructure.
	CodeInternal = "INTERNAL_ERROR"
)

// Error is the wire-level error object carried inside an envelope.
// Cause, when present, has a stable shape per code (e.g. {"missing": [...]}
// for INSUFFICIENT_SCOPES).
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   any    `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error without a cause.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds an Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches a cause object and returns the error for chaining.
func (e *Error) WithCause(cause any) *Error {
	e.Cause = cause
	return e
}
