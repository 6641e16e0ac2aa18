package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwarden/meshwarden/internal/errors"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), fastRetryConfig(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.NewTransient("blip", 0)
		}
		return nil
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
}

func TestRetryStopsOnIntegrityError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetryConfig(5), func(ctx context.Context) error {
		calls++
		return errors.NewIntegrity("signature mismatch")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsKind(err, errors.KindIntegrity))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		return errors.NewTransient("still down", 0)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
	assert.False(t, result.Success)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	cfg := &RetryConfig{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, cfg, func(ctx context.Context) error {
		calls++
		return errors.NewTransient("down", 0)
	})

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("charter", &BreakerConfig{
		MaxProbes:        1,
		OpenTimeout:      20 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 1,
	})

	boom := stderrors.New("boom")
	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(func() error { return boom }))
	}
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("charter", &BreakerConfig{
		MaxProbes:        2,
		OpenTimeout:      5 * time.Millisecond,
		FailureThreshold: 1,
		SuccessThreshold: 1,
	})

	require.Error(t, cb.Execute(func() error { return stderrors.New("boom") }))
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewCircuitBreaker("charter", &BreakerConfig{
		MaxProbes:        1,
		OpenTimeout:      5 * time.Millisecond,
		FailureThreshold: 1,
		SuccessThreshold: 2,
	})

	require.Error(t, cb.Execute(func() error { return stderrors.New("boom") }))
	time.Sleep(10 * time.Millisecond)

	require.Error(t, cb.Execute(func() error { return stderrors.New("boom again") }))
	assert.Equal(t, StateOpen, cb.GetState())
}
