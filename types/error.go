package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Task error codes
const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Browser / pool error codes
const (
	ErrProvider      ErrorCode = "PROVIDER_ERROR"
	ErrPoolExhausted ErrorCode = "POOL_EXHAUSTED"
	ErrPoolClosed    ErrorCode = "POOL_CLOSED"
)

// Decision / login error codes
const (
	ErrDecision   ErrorCode = "DECISION_FAILED"
	ErrCredential ErrorCode = "CREDENTIAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether any error in err's chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}

// HTTPStatusFor 将错误码映射为 HTTP 状态码
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrValidation, ErrInvalidTransition:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrPoolExhausted, ErrPoolClosed:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrProvider, ErrDecision:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
