// Package resilience wraps outbound calls with retry and circuit-breaker
// protection.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/logger"
)

// RetryConfig defines backoff behavior.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig suits most transient upstream failures.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryableFunc is one attempt of the guarded operation.
type RetryableFunc func(ctx context.Context) error

// RetryResult reports how the retry loop ended.
type RetryResult struct {
	Attempts      int
	LastError     error
	Success       bool
	TotalDuration time.Duration
}

// Retry executes fn with exponential backoff. Only errors the taxonomy
// classifies retryable are retried; integrity and permanent failures
// surface immediately.
func Retry(ctx context.Context, config *RetryConfig, fn RetryableFunc) (*RetryResult, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	log := logger.New("retry")
	start := time.Now()
	result := &RetryResult{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			if attempt > 1 {
				log.Info("operation succeeded after retry",
					logger.Int("attempt", attempt),
					logger.Duration("duration", result.TotalDuration))
			}
			return result, nil
		}
		result.LastError = err

		if !errors.IsRetryable(err) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if attempt >= config.MaxAttempts {
			result.TotalDuration = time.Since(start)
			return result, fmt.Errorf("operation failed after %d attempts: %w", attempt, err)
		}

		delay := backoffDelay(attempt, config)
		if me := errors.Classify(err); me.RetryAfter > delay {
			delay = me.RetryAfter
		}

		log.Debug("retrying operation",
			logger.Int("attempt", attempt),
			logger.Duration("next_delay", delay),
			logger.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		}
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// backoffDelay computes the next wait with up to 30% jitter.
func backoffDelay(attempt int, config *RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.Jitter {
		delay += rand.Float64() * 0.3 * delay
	}
	return time.Duration(delay)
}
