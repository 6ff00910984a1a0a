package providers

import (
	"errors"
	"time"
)

// Error codes classifying backend failures. The code decides whether
// the retry controller may attempt the request again.
const (
	// ErrCodeAuthentication covers invalid or missing credentials (401/403)
	ErrCodeAuthentication = "authentication_error"

	// ErrCodeRateLimited covers throttling by the backend (429)
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeModelNotFound covers requests for unknown models (404)
	ErrCodeModelNotFound = "model_not_found"

	// ErrCodeInvalidRequest covers malformed requests (400)
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeTransient covers server errors and timeouts (408/5xx, network)
	ErrCodeTransient = "transient_error"

	// ErrCodePermanent covers everything that will not succeed on retry
	ErrCodePermanent = "permanent_error"

	// ErrCodeDeadline covers caller deadlines expiring mid-request
	ErrCodeDeadline = "deadline_exceeded"

	// ErrCodeCancelled covers caller-initiated cancellation
	ErrCodeCancelled = "cancelled"
)

// Registry lookup sentinels.
var (
	ErrBackendNotFound    = errors.New("backend not found")
	ErrBackendDisabled    = errors.New("backend is disabled")
	ErrNoBackendAvailable = errors.New("no backend available for request")
	ErrDuplicateBackend   = errors.New("backend already registered")
	ErrNotAuthenticated   = errors.New("backend is not authenticated")
)

// ProviderError is the typed error every adapter returns. The pipeline
// inspects Code and Retryable; everything else is diagnostic.
type ProviderError struct {
	// Backend that generated the error
	Backend string

	// Code is one of the ErrCode constants
	Code string

	// Message is the human-readable description
	Message string

	// StatusCode is the HTTP status code, zero when not applicable
	StatusCode int

	// RetryAfter is the backend-suggested wait, zero when absent
	RetryAfter time.Duration

	// Retryable indicates whether the request may be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := e.Backend + ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a provider error with an explicit
// retryability decision.
func NewProviderError(backend, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Backend:    backend,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// NewAuthenticationError builds a permanent credential failure.
func NewAuthenticationError(backend, message string, statusCode int) *ProviderError {
	return NewProviderError(backend, ErrCodeAuthentication, message, statusCode, false, nil)
}

// NewRateLimitError builds a transient throttling failure carrying the
// backend-suggested wait, which the retry controller honors when it
// exceeds the computed backoff.
func NewRateLimitError(backend, message string, retryAfter time.Duration) *ProviderError {
	return &ProviderError{
		Backend:    backend,
		Code:       ErrCodeRateLimited,
		Message:    message,
		StatusCode: 429,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewModelNotFoundError builds a permanent unknown-model failure.
func NewModelNotFoundError(backend, model string) *ProviderError {
	return NewProviderError(backend, ErrCodeModelNotFound, "model not found: "+model, 404, false, nil)
}

// NewTransientError builds a retryable server-side or network failure.
func NewTransientError(backend, message string, statusCode int, cause error) *ProviderError {
	return NewProviderError(backend, ErrCodeTransient, message, statusCode, true, cause)
}

// asProviderError unwraps err to the first ProviderError in its chain.
func asProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether the request that produced err may be
// attempted again. Errors outside the taxonomy are never retried.
func IsRetryable(err error) bool {
	if pe, ok := asProviderError(err); ok {
		return pe.Retryable
	}
	return false
}

// IsAuthenticationError reports whether err is a credential failure.
func IsAuthenticationError(err error) bool {
	pe, ok := asProviderError(err)
	return ok && pe.Code == ErrCodeAuthentication
}

// IsRateLimited reports whether err is backend throttling.
func IsRateLimited(err error) bool {
	pe, ok := asProviderError(err)
	return ok && pe.Code == ErrCodeRateLimited
}

// IsModelNotFound reports whether err is an unknown-model failure.
func IsModelNotFound(err error) bool {
	pe, ok := asProviderError(err)
	return ok && pe.Code == ErrCodeModelNotFound
}

// IsInvalidRequest reports whether err is a malformed-request failure.
func IsInvalidRequest(err error) bool {
	pe, ok := asProviderError(err)
	return ok && pe.Code == ErrCodeInvalidRequest
}

// IsDeadlineExceeded reports whether err is an expired caller deadline.
func IsDeadlineExceeded(err error) bool {
	pe, ok := asProviderError(err)
	return ok && pe.Code == ErrCodeDeadline
}

// RetryAfterHint returns the backend-suggested wait from a rate limit
// error, or zero when none was supplied.
func RetryAfterHint(err error) time.Duration {
	if pe, ok := asProviderError(err); ok {
		return pe.RetryAfter
	}
	return 0
}

// ClassifyHTTPStatus converts an HTTP status code from a backend into
// a provider error. Adapters call this after their own handling of
// body-level detail.
func ClassifyHTTPStatus(backend string, statusCode int, message string) *ProviderError {
	switch {
	case statusCode == 401 || statusCode == 403:
		return NewAuthenticationError(backend, message, statusCode)
	case statusCode == 404:
		return NewProviderError(backend, ErrCodeModelNotFound, message, statusCode, false, nil)
	case statusCode == 429:
		return NewRateLimitError(backend, message, 0)
	case statusCode == 400:
		return NewProviderError(backend, ErrCodeInvalidRequest, message, statusCode, false, nil)
	case statusCode == 408 || statusCode >= 500:
		return NewTransientError(backend, message, statusCode, nil)
	default:
		return NewProviderError(backend, ErrCodePermanent, message, statusCode, false, nil)
	}
}
