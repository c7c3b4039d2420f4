package errors

import (
	"context"
	"math"
	"math/rand"
	"time"

	"testforge/internal/shared/logging"
)

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultRetryConfig returns the standard backoff settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a unit of work that may be retried.
type RetryableFunc func(ctx context.Context) error

// Retry runs fn with exponential backoff, stopping early on a PermanentError
// or context cancellation.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn RetryableFunc) error {
	logger = logging.OrNop(logger)
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *PermanentError
		if asPermanent(err, &perm) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(config, attempt)
		logger.Warn("retry attempt %d/%d failed: %v, waiting %v", attempt+1, config.MaxAttempts, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func asPermanent(err error, target **PermanentError) bool {
	p, ok := err.(*PermanentError)
	if ok {
		*target = p
	}
	return ok
}

func backoffDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	jitter := delay * config.JitterFactor * (rand.Float64()*2 - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
