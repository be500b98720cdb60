package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Registration errors
	ErrActionNotFound    = errors.New("action definition not found")
	ErrAlreadyRegistered = errors.New("already registered")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout         = errors.New("operation timeout")
	ErrContextCanceled = errors.New("context canceled")
	ErrCircuitOpen     = errors.New("circuit breaker is open")

	// HTTP/Network errors
	ErrConnectionFailed  = errors.New("connection failed")
	ErrResponseTooLarge  = errors.New("response exceeds size limit")
	ErrTokenRateLimited  = errors.New("token refresh rate limited")
	ErrReauthRequired    = errors.New("re-authentication required")
	ErrStorageSaveFailed = errors.New("storage save failed")
)

// Category is the closed set of failure categories. Control flow depends only
// on Category and Retryable; everything else on ErrorDetail is diagnostic.
type Category string

const (
	CategoryAuthInvalid              Category = "auth_invalid"
	CategoryAuthExpired              Category = "auth_expired"
	CategoryRateLimitBurst           Category = "rate_limit_burst"
	CategoryRateLimitDaily           Category = "rate_limit_daily"
	CategoryNetworkTimeout           Category = "network_timeout"
	CategoryNetworkConnectionRefused Category = "network_connection_refused"
	CategoryAPIResponseMalformed     Category = "api_response_malformed"
	CategoryAPIEndpointRemoved       Category = "api_endpoint_removed"
	CategoryAPIUnexpectedStatus      Category = "api_unexpected_status"
	CategoryAPIUnavailable           Category = "api_unavailable"
	CategoryValidationFailed         Category = "validation_failed"
	CategoryStateInconsistent        Category = "state_inconsistent"
	CategoryUserCancelled            Category = "user_cancelled"

	// Storage-specific categories produced while persisting outputs.
	CategoryNetworkError Category = "network_error"
	CategoryRateLimited  Category = "rate_limited"
	CategoryUnauthorized Category = "unauthorized"
)

// KnownCategories lists every category the executor can produce.
var KnownCategories = []Category{
	CategoryAuthInvalid, CategoryAuthExpired,
	CategoryRateLimitBurst, CategoryRateLimitDaily,
	CategoryNetworkTimeout, CategoryNetworkConnectionRefused,
	CategoryAPIResponseMalformed, CategoryAPIEndpointRemoved,
	CategoryAPIUnexpectedStatus, CategoryAPIUnavailable,
	CategoryValidationFailed, CategoryStateInconsistent, CategoryUserCancelled,
	CategoryNetworkError, CategoryRateLimited, CategoryUnauthorized,
}

// IsKnownCategory reports whether c belongs to the closed category set.
func IsKnownCategory(c Category) bool {
	for _, k := range KnownCategories {
		if c == k {
			return true
		}
	}
	return false
}

// ErrorDetail provides structured error information with context.
// It implements the error interface and supports error wrapping.
type ErrorDetail struct {
	Category   Category               `json:"category"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	StatusCode int                    `json:"statusCode,omitempty"`
	Retryable  bool                   `json:"retryable"`
	RetryAfter *time.Time             `json:"retryAfter,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Cause      error                  `json:"-"`
}

// Error returns the string representation of the error
func (e *ErrorDetail) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Category, e.Cause)
	}
	return string(e.Category)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *ErrorDetail) Unwrap() error {
	return e.Cause
}

// WithContext sets a context key and returns the detail for chaining.
func (e *ErrorDetail) WithContext(key string, value interface{}) *ErrorDetail {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewErrorDetail creates an ErrorDetail with the given category and message.
func NewErrorDetail(category Category, message string, retryable bool) *ErrorDetail {
	return &ErrorDetail{
		Category:  category,
		Message:   message,
		Retryable: retryable,
		Context:   make(map[string]interface{}),
	}
}

// ValidationError creates a non-retryable validation_failed detail.
func ValidationError(message string) *ErrorDetail {
	return NewErrorDetail(CategoryValidationFailed, message, false)
}

// StateError creates a non-retryable state_inconsistent detail. Anything that
// does not match a known category maps here so failures are never hidden.
func StateError(message string, cause error) *ErrorDetail {
	d := NewErrorDetail(CategoryStateInconsistent, message, false)
	d.Cause = cause
	return d
}

// AsErrorDetail extracts an *ErrorDetail from an error chain.
func AsErrorDetail(err error) (*ErrorDetail, bool) {
	var d *ErrorDetail
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// EnsureErrorDetail returns the ErrorDetail in err's chain, or wraps err as
// state_inconsistent when no category is attached.
func EnsureErrorDetail(err error) *ErrorDetail {
	if d, ok := AsErrorDetail(err); ok {
		return d
	}
	if errors.Is(err, ErrContextCanceled) || errors.Is(err, context.Canceled) {
		d := NewErrorDetail(CategoryUserCancelled, "execution cancelled", false)
		d.Cause = err
		return d
	}
	return StateError(err.Error(), err)
}

// IsRetryable checks if an error carries a retryable category.
func IsRetryable(err error) bool {
	if d, ok := AsErrorDetail(err); ok {
		return d.Retryable
	}
	return false
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
