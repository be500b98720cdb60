package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDetailErrorString(t *testing.T) {
	d := NewErrorDetail(CategoryNetworkTimeout, "request timed out", true)
	assert.Equal(t, "network_timeout: request timed out", d.Error())

	withCause := &ErrorDetail{Category: CategoryAPIUnavailable, Cause: ErrConnectionFailed}
	assert.Equal(t, "api_unavailable: connection failed", withCause.Error())

	bare := &ErrorDetail{Category: CategoryUserCancelled}
	assert.Equal(t, "user_cancelled", bare.Error())
}

func TestErrorDetailUnwrapsToSentinel(t *testing.T) {
	d := NewErrorDetail(CategoryAPIUnavailable, "host circuit is open", false)
	d.Cause = ErrCircuitOpen

	assert.ErrorIs(t, d, ErrCircuitOpen)

	wrapped := fmt.Errorf("executing action: %w", d)
	extracted, ok := AsErrorDetail(wrapped)
	require.True(t, ok)
	assert.Equal(t, CategoryAPIUnavailable, extracted.Category)
	assert.ErrorIs(t, wrapped, ErrCircuitOpen)
}

func TestEnsureErrorDetail(t *testing.T) {
	original := ValidationError("bad input")
	assert.Same(t, original, EnsureErrorDetail(fmt.Errorf("wrap: %w", original)))

	plain := EnsureErrorDetail(errors.New("boom"))
	assert.Equal(t, CategoryStateInconsistent, plain.Category)
	assert.False(t, plain.Retryable)

	cancelled := EnsureErrorDetail(context.Canceled)
	assert.Equal(t, CategoryUserCancelled, cancelled.Category)
	assert.False(t, cancelled.Retryable)
}

func TestWithContextChains(t *testing.T) {
	d := NewErrorDetail(CategoryRateLimitBurst, "throttled", true).
		WithContext("host", "api.example.com").
		WithContext("suggestedBackoffMs", 5000)

	assert.Equal(t, "api.example.com", d.Context["host"])
	assert.Equal(t, 5000, d.Context["suggestedBackoffMs"])
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewErrorDetail(CategoryAPIUnavailable, "down", true)))
	assert.False(t, IsRetryable(ValidationError("nope")))
	assert.False(t, IsRetryable(errors.New("uncategorized")))
}

func TestIsKnownCategory(t *testing.T) {
	for _, c := range KnownCategories {
		assert.True(t, IsKnownCategory(c), string(c))
	}
	assert.False(t, IsKnownCategory(Category("made_up")))
}

func TestIsConfigurationError(t *testing.T) {
	assert.True(t, IsConfigurationError(fmt.Errorf("breaker: %w", ErrInvalidConfiguration)))
	assert.True(t, IsConfigurationError(fmt.Errorf("registry: %w", ErrMissingConfiguration)))
	assert.False(t, IsConfigurationError(errors.New("other")))
}
