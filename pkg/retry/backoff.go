// Package retry implements exponential backoff with jitter for
// transient upstream failures (Gmail REST calls, submission retries).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls the retry schedule.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// DefaultBackoffConfig returns a schedule suitable for HTTP APIs.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// ExponentialBackoff returns the delay function for a schedule.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}
		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		duration := time.Duration(interval)
		if config.Jitter && duration > 0 {
			duration = duration/2 + time.Duration(rand.Int63n(int64(duration/2)+1))
		}
		return duration
	}
}

// StopError wraps an error to indicate that retries should stop immediately.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }

func (s StopError) Unwrap() error { return s.Err }

// Stop wraps an error so WithRetry returns it without further attempts.
func Stop(err error) error { return StopError{Err: err} }

// WithRetry runs fn until it succeeds, returns a StopError, exhausts the
// configured attempts, or the context is cancelled.
func WithRetry(ctx context.Context, config BackoffConfig, fn func() error) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
