package errors

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// RetryConfig configures retry behavior for transient failures against the
// embedding, reranker, backend, and LLM transports.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (not including
	// the initial attempt).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay grows after each retry.
	Multiplier float64

	// Jitter randomizes the delay to avoid synchronized retry storms.
	Jitter bool

	// RetryIf filters which errors are retried. Nil retries every error;
	// transports set this to IsRetryable so validation and internal
	// failures surface immediately.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the stock retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry executes fn with exponential backoff. The context is honored both
// before each attempt and while waiting between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that also return a value. The
// value of the last successful attempt is returned; after exhausting all
// attempts the zero value is returned together with the last error.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(jittered(delay, cfg.Jitter)):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	// A coded error keeps its identity so GetCode and HTTPStatus still
	// see it after the retries are spent.
	if me, ok := lastErr.(*MatchError); ok {
		return zero, me.WithDetail("attempts", strconv.Itoa(cfg.MaxRetries+1))
	}
	return zero, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// jittered scales delay by a random factor in [0.5, 1.0) when enabled.
func jittered(delay time.Duration, jitter bool) time.Duration {
	if !jitter {
		return delay
	}
	return time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
}
