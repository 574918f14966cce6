package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	underlying := errors.New("still broken")
	err := Retry(context.Background(), fastRetryConfig(2), func() error {
		calls++
		return underlying
	})

	require.Error(t, err)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, underlying))
	assert.Contains(t, err.Error(), "failed after 2 retries")
}

func TestRetry_ContextCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetryConfig(3), func() error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestRetry_ContextCancelledWhileWaiting(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:   5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, cfg, func() error {
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	// The wait was interrupted, so we returned well before the full delay.
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(2), func() ([]float64, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return []float64{0.1, 0.9}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.9}, got)
}

func TestRetry_RetryIfStopsOnNonRetryable(t *testing.T) {
	cfg := fastRetryConfig(3)
	cfg.RetryIf = IsRetryable

	calls := 0
	rejected := New(ErrCodeInvalidInput, "bad request", nil)
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return rejected
	})

	// A non-retryable error surfaces immediately and unchanged.
	assert.Equal(t, 1, calls)
	assert.Same(t, rejected, err)
}

func TestRetry_RetryIfAllowsRetryableCodes(t *testing.T) {
	cfg := fastRetryConfig(3)
	cfg.RetryIf = IsRetryable

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return New(ErrCodeBackendUnavailable, "connection refused", nil)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustionKeepsErrorCode(t *testing.T) {
	err := Retry(context.Background(), fastRetryConfig(2), func() error {
		return New(ErrCodeNetworkTimeout, "upstream timed out", nil)
	})

	require.Error(t, err)
	assert.Equal(t, ErrCodeNetworkTimeout, GetCode(err))
	me := err.(*MatchError)
	assert.Equal(t, "3", me.Details["attempts"])
}

func TestRetryWithResult_ZeroValueOnFailure(t *testing.T) {
	got, err := RetryWithResult(context.Background(), fastRetryConfig(1), func() (int, error) {
		return 42, errors.New("broken")
	})

	assert.Error(t, err)
	assert.Equal(t, 0, got)
}
