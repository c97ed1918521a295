package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient failure")
var errPermanent = errors.New("permanent failure")

func fastRetryConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Factor:      2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3),
		func(err error) bool { return errors.Is(err, errTransient) },
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Retry() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3),
		func(error) bool { return true },
		func(ctx context.Context) error {
			calls++
			return errTransient
		})
	if !errors.Is(err, errTransient) {
		t.Fatalf("Retry() error = %v, want %v", err, errTransient)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3),
		func(err error) bool { return !errors.Is(err, errPermanent) },
		func(ctx context.Context) error {
			calls++
			return errPermanent
		})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("Retry() error = %v, want %v", err, errPermanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for non-retryable errors)", calls)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Hour, // would hang without cancellation
		MaxDelay:    time.Hour,
		Factor:      2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg,
			func(error) bool { return true },
			func(ctx context.Context) error {
				calls++
				return errTransient
			})
	}()

	// Let the first attempt fail, then cancel during the backoff sleep
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Retry() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry() did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		Factor:      2.0,
	}

	// attempt 1: base 1s, jittered to [0.5s, 1s]
	// attempt 4: 8s capped at 4s, jittered to [2s, 4s]
	for i := 0; i < 50; i++ {
		d1 := backoffDelay(cfg, 1)
		if d1 < 500*time.Millisecond || d1 > time.Second {
			t.Fatalf("backoffDelay(attempt 1) = %v, want within [500ms, 1s]", d1)
		}
		d4 := backoffDelay(cfg, 4)
		if d4 < 2*time.Second || d4 > 4*time.Second {
			t.Fatalf("backoffDelay(attempt 4) = %v, want within [2s, 4s] (capped)", d4)
		}
	}
}
