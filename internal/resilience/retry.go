// Package resilience provides the retry and circuit-breaker policies that
// guard calls to the external estimation service.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/zsombor-n/open-webui/internal/logger"
)

// RetryConfig controls exponential backoff between attempts.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// DefaultRetryConfig matches the estimation service's tolerance: three
// attempts, one second base delay doubling per attempt, capped at a minute.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Factor:      2.0,
	}
}

// Retry runs op up to cfg.MaxAttempts times. Errors for which retryable
// returns false fail immediately. Backoff sleeps are jittered to between 50%
// and 100% of the computed delay and abort early on context cancellation.
func Retry(ctx context.Context, cfg RetryConfig, retryable func(error) bool, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			logger.Warn("retrying after failure",
				"attempt", attempt+1,
				"max_attempts", cfg.MaxAttempts,
				"delay", delay.String(),
				"error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// backoffDelay computes the jittered delay before the given attempt
// (attempt 1 = first retry).
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if max := float64(cfg.MaxDelay); delay > max {
		delay = max
	}
	// Jitter to 50-100% of the computed delay to avoid thundering herds
	delay *= 0.5 + rand.Float64()*0.5
	return time.Duration(delay)
}
