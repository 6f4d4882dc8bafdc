package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the load balancer.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrAuthentication     ErrorCode = "AUTHENTICATION"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	ErrConflict           ErrorCode = "CONFLICT"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrQueueFull          ErrorCode = "QUEUE_FULL"
	ErrQueueTimeout       ErrorCode = "QUEUE_TIMEOUT"
	ErrNoCapableNodes     ErrorCode = "NO_CAPABLE_NODES"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUnreachable        ErrorCode = "UNREACHABLE"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
// The external message is a fixed safe string; internal diagnostics travel
// in Cause and are logged, never surfaced.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
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

// Status returns the HTTP status for the error, deriving it from the code
// when no explicit status was set.
func (e *Error) Status() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch e.Code {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound, ErrModelNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrRateLimited, ErrQueueFull:
		return http.StatusTooManyRequests
	case ErrQueueTimeout, ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrUpstreamError, ErrUnreachable:
		return http.StatusBadGateway
	case ErrNoCapableNodes, ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Category returns the OpenAI error category for the error, used as the
// "type" field of OpenAI-shaped error bodies.
func (e *Error) Category() string {
	switch e.Code {
	case ErrInvalidRequest, ErrModelNotFound:
		return "invalid_request_error"
	case ErrAuthentication:
		return "authentication_error"
	case ErrForbidden:
		return "permission_error"
	case ErrNotFound:
		return "not_found_error"
	case ErrRateLimited, ErrQueueFull:
		return "rate_limit_error"
	case ErrNoCapableNodes, ErrServiceUnavailable, ErrUnreachable,
		ErrUpstreamError, ErrUpstreamTimeout, ErrQueueTimeout:
		return "service_unavailable"
	default:
		return "server_error"
	}
}

// APICode returns the "code" field for OpenAI-shaped error bodies. A few
// codes carry a well-known symbolic value; the rest use the HTTP status.
func (e *Error) APICode() string {
	switch e.Code {
	case ErrNoCapableNodes:
		return "no_capable_nodes"
	default:
		return fmt.Sprintf("%d", e.Status())
	}
}

// AsError extracts a *Error from err, or wraps err as an internal error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(ErrInternalError, "internal server error").WithCause(err)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
