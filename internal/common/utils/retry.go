package utils

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry operations with exponential backoff.
type RetryConfig struct {
	// MaxAttempts includes the initial attempt
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps exponential growth
	MaxDelay time.Duration
	// BackoffFactor is the multiplier applied per retry (2.0 doubles the delay)
	BackoffFactor float64
	// JitterFactor adds up to this fraction of the delay at random (0.1 = 10%)
	JitterFactor float64
	// RetryableErrors decides which errors trigger a retry. nil retries everything.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig suits short outbound deliveries that already run under a dispatch timeout.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// ExponentialDelay returns base*factor^step capped at max. step 0 returns base.
func ExponentialDelay(base time.Duration, factor float64, max time.Duration, step int) time.Duration {
	if step <= 0 || factor <= 1 {
		return capDelay(base, max)
	}
	d := float64(base) * math.Pow(factor, float64(step))
	if max > 0 && d > float64(max) {
		return max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// RetryWithBackoff runs fn until it succeeds, returns a non-retryable error,
// exhausts MaxAttempts or ctx is done.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := ExponentialDelay(config.InitialDelay, config.BackoffFactor, config.MaxDelay, attempt-1)
			if config.JitterFactor > 0 && delay > 0 {
				delay += time.Duration(rand.Int63n(int64(float64(delay)*config.JitterFactor) + 1))
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled: %w", lastErr)
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
