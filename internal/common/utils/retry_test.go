package utils

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestExponentialDelay(t *testing.T) {
	base := 30 * time.Second
	max := 10 * time.Minute

	assert.Equal(t, 30*time.Second, ExponentialDelay(base, 2, max, 0))
	assert.Equal(t, 60*time.Second, ExponentialDelay(base, 2, max, 1))
	assert.Equal(t, 240*time.Second, ExponentialDelay(base, 2, max, 3))
	assert.Equal(t, max, ExponentialDelay(base, 2, max, 10))
	assert.Equal(t, max, ExponentialDelay(base, 2, max, 5000))
	assert.Equal(t, base, ExponentialDelay(base, 1, max, 4))
	assert.Equal(t, max, ExponentialDelay(time.Hour, 2, max, 0))
}

func TestRetryWithBackoff_Success(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryWithBackoff_AllAttemptsFail(t *testing.T) {
	attempts := 0
	testError := errors.New("persistent error")

	err := RetryWithBackoff(context.Background(), fastConfig(3), func() error {
		attempts++
		return testError
	})

	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.ErrorIs(t, err, testError)
}

func TestRetryWithBackoff_NonRetryableError(t *testing.T) {
	config := fastConfig(3)
	config.RetryableErrors = func(err error) bool {
		return !strings.Contains(err.Error(), "4xx")
	}

	attempts := 0
	clientErr := errors.New("4xx bad request")
	err := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		return clientErr
	})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, clientErr, err)
}

func TestRetryWithBackoff_ContextCancellation(t *testing.T) {
	config := fastConfig(5)
	config.InitialDelay = time.Hour
	config.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := RetryWithBackoff(ctx, config, func() error {
		attempts++
		cancel()
		return errors.New("always fails")
	})

	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewMessageID())
	assert.True(t, strings.HasPrefix(NewRequestID(), "req-"))
}
