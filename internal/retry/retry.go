// Package retry runs an operation with exponential backoff.
//
// gcscope uses it while waiting for a freshly started runtime to publish its
// diagnostic globals: the globals pointer is null until the collector has
// initialised, and a tool attached early should poll instead of failing.
//
//	err := retry.Do(ctx, retry.DefaultPublishWait(), func() error {
//	    table, err = layout.Load(svc, globals, ptrSize)
//	    return err
//	}, func(err error) bool {
//	    return errors.Is(err, layout.ErrNotPublished)
//	})
//
// The delay before attempt n (n >= 1) is InitialBackoff * 2^(n-1), capped at
// MaxBackoff, plus a jitter share that grows with n.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/coral-mesh/gcscope/internal/constants"
)

// Config controls backoff. MaxRetries and InitialBackoff must be positive.
type Config struct {
	// MaxRetries is the total number of calls to fn.
	MaxRetries int

	// InitialBackoff is the delay before the second call.
	InitialBackoff time.Duration

	// MaxBackoff caps a single delay. Zero leaves it uncapped.
	MaxBackoff time.Duration

	// Jitter in [0, 1] adds up to Jitter*backoff on the last attempt.
	Jitter float64

	// OnRetry, when set, is called with the failed attempt number, its error
	// and the delay before the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPublishWait polls for roughly five seconds.
func DefaultPublishWait() Config {
	return Config{
		MaxRetries:     constants.DefaultPublishRetries,
		InitialBackoff: constants.DefaultPublishBackoff,
		MaxBackoff:     constants.DefaultPublishMax,
		Jitter:         constants.DefaultPublishJitter,
	}
}

// ShouldRetryFunc decides whether an error is transient. A nil func retries
// every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, shouldRetry rejects its error, the attempts
// run out or ctx is done. A rejected error is returned unchanged; exhaustion
// wraps the last error.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(cfg, attempt)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

func calculateBackoff(cfg Config, attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1)) * float64(cfg.InitialBackoff))
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 {
		backoff += time.Duration(float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries))
	}
	return backoff
}
