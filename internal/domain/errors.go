// Package domain holds the canonical API error that every layer of the
// gateway speaks: the upstream client parses into it, the pool and pipeline
// sentinels map onto it, and the frontdoor renders it.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorType is the category of an APIError. It decides the HTTP status.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeOverloaded     ErrorType = "overloaded"
	ErrorTypeServer         ErrorType = "server"
	ErrorTypeContextLength  ErrorType = "context_length"

	// ErrorTypePoolExhausted means no pooled credential could serve the call.
	ErrorTypePoolExhausted ErrorType = "pool_exhausted"
)

// ErrorCode narrows an ErrorType, using OpenAI's code strings.
type ErrorCode string

const (
	ErrorCodeContextLengthExceeded ErrorCode = "context_length_exceeded"
	ErrorCodeRateLimitExceeded     ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey         ErrorCode = "invalid_api_key"
	ErrorCodeModelNotFound         ErrorCode = "model_not_found"
	ErrorCodeQuotaExceeded         ErrorCode = "insufficient_quota"
)

var statusByType = map[ErrorType]int{
	ErrorTypeInvalidRequest: http.StatusBadRequest,
	ErrorTypeContextLength:  http.StatusBadRequest,
	ErrorTypeAuthentication: http.StatusUnauthorized,
	ErrorTypeNotFound:       http.StatusNotFound,
	ErrorTypeRateLimit:      http.StatusTooManyRequests,
	ErrorTypePoolExhausted:  http.StatusServiceUnavailable,
	ErrorTypeOverloaded:     http.StatusServiceUnavailable,
}

// APIError is a canonical error with enough detail to render an
// OpenAI-style error body.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`

	// StatusCode overrides the status derived from Type when non-zero.
	StatusCode int `json:"-"`

	cause error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the error this APIError was built from, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns StatusCode, or the status for Type. Unknown types
// are 500.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	if status, ok := statusByType[e.Type]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// NewAPIError creates an APIError.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause keeps err reachable through errors.Is and errors.As.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).WithCode(ErrorCodeRateLimitExceeded)
}

func ErrPoolExhausted(message string) *APIError {
	return NewAPIError(ErrorTypePoolExhausted, message).WithCode(ErrorCodeQuotaExceeded)
}

func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}
