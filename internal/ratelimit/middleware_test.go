package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zsombor-n/open-webui/internal/clientip"
)

func TestInMemoryRateLimiter(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, 2) // 1 req/sec, burst of 2
	defer limiter.Stop()

	ctx := context.Background()

	// Burst allows the first two immediately
	if !limiter.Allow(ctx, "key-a") {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow(ctx, "key-a") {
		t.Error("second request should be allowed within burst")
	}
	if limiter.Allow(ctx, "key-a") {
		t.Error("third request should exceed the burst")
	}

	// Separate keys have separate buckets
	if !limiter.Allow(ctx, "key-b") {
		t.Error("a different key must not share the exhausted bucket")
	}
}

func TestDropIdleLimiters(t *testing.T) {
	limiter := NewInMemoryRateLimiter(10, 10)
	defer limiter.Stop()

	ctx := context.Background()
	limiter.Allow(ctx, "stale")
	limiter.Allow(ctx, "fresh")

	// Age one bucket past the idle cutoff.
	limiter.lastAccess.Store("stale", time.Now().UTC().Add(-time.Hour))
	limiter.dropIdleLimiters()

	if got := limiter.Stats()["active_limiters"]; got != 1 {
		t.Errorf("active limiters = %v, want 1 after dropping the idle bucket", got)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, 1)
	defer limiter.Stop()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := clientip.Middleware(Middleware(limiter)(inner))

	request := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/analytics/summary", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := request(); code != http.StatusOK {
		t.Errorf("first request status = %d, want 200", code)
	}
	if code := request(); code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", code)
	}
}

func TestHandlerFunc(t *testing.T) {
	limiter := NewInMemoryRateLimiter(1, 1)
	defer limiter.Stop()

	called := 0
	wrapped := HandlerFunc(limiter, func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusAccepted)
	})
	handler := clientip.Middleware(wrapped)

	req := httptest.NewRequest(http.MethodPost, "/api/analytics/trigger-processing", nil)
	req.RemoteAddr = "192.0.2.20:5000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted || called != 1 {
		t.Errorf("first request status = %d, called = %d", rec.Code, called)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || called != 1 {
		t.Errorf("second request status = %d, called = %d, want 429 and 1", rec.Code, called)
	}
}
