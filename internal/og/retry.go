package og

import (
	"context"
	"errors"
	"time"

	"tradecore/pkg/exception"
)

const (
	defaultRetryAttempts = 4
	defaultRetryBase     = 50 * time.Millisecond
	defaultRetryMax      = 2 * time.Second
)

// RetryConfig bounds the retries of idempotent broker requests.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultRetryAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultRetryBase
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultRetryMax
	}
	return c
}

// Backoff returns BaseDelay * 2^retry, capped at MaxDelay.
func (c RetryConfig) Backoff(retry int) time.Duration {
	if retry <= 0 {
		return c.BaseDelay
	}
	if retry > 30 {
		return c.MaxDelay
	}
	d := c.BaseDelay * time.Duration(1<<retry)
	if d <= 0 || d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// retryable reports whether another attempt may succeed.
func retryable(err error) bool {
	return !errors.Is(err, exception.ErrUnknownOrder) &&
		!errors.Is(err, exception.ErrOrderAlreadyFinished) &&
		!errors.Is(err, exception.ErrInvalidOrderRequest) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// retry runs op until it succeeds, fails permanently or runs out of attempts.
// It returns the number of attempts made and the last error.
func retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return attempt, nil
		}
		if attempt >= cfg.MaxAttempts || !retryable(err) {
			return attempt, err
		}
		timer := time.NewTimer(cfg.Backoff(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
