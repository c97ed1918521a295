package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsombor-n/open-webui/internal/logger"
)

// RateLimiter gates requests per client key. The dashboard API keys on
// client IP.
type RateLimiter interface {
	// Allow reports whether one request from key may proceed now.
	Allow(ctx context.Context, key string) bool

	// AllowN reports whether n requests from key may proceed now.
	AllowN(ctx context.Context, key string, n int) bool
}

// InMemoryRateLimiter keeps one token bucket per key. The service runs as a
// single instance, so there is no shared state to coordinate across replicas.
type InMemoryRateLimiter struct {
	rate  rate.Limit // tokens per second
	burst int

	limiters sync.Map // map[string]*rate.Limiter

	// Buckets idle past maxAge are dropped so one-off clients do not
	// accumulate forever.
	cleanupInterval time.Duration
	maxAge          time.Duration
	lastAccess      sync.Map // map[string]time.Time
	stopCleanup     chan struct{}
}

// NewInMemoryRateLimiter builds a limiter allowing rps sustained requests per
// second per key, with bursts up to burst. Call Stop to end the cleanup
// goroutine.
func NewInMemoryRateLimiter(rps float64, burst int) *InMemoryRateLimiter {
	l := &InMemoryRateLimiter{
		rate:            rate.Limit(rps),
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxAge:          10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether one request from key may proceed now.
func (l *InMemoryRateLimiter) Allow(ctx context.Context, key string) bool {
	return l.AllowN(ctx, key, 1)
}

// AllowN reports whether n requests from key may proceed now.
func (l *InMemoryRateLimiter) AllowN(_ context.Context, key string, n int) bool {
	limiter := l.getLimiter(key)
	l.lastAccess.Store(key, time.Now().UTC())
	return limiter.AllowN(time.Now().UTC(), n)
}

func (l *InMemoryRateLimiter) getLimiter(key string) *rate.Limiter {
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(l.rate, l.burst)
	if actual, loaded := l.limiters.LoadOrStore(key, limiter); loaded {
		// Lost the race; the stored bucket keeps the token history.
		return actual.(*rate.Limiter)
	}
	l.lastAccess.Store(key, time.Now().UTC())
	return limiter
}

func (l *InMemoryRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropIdleLimiters()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *InMemoryRateLimiter) dropIdleLimiters() {
	cutoff := time.Now().UTC().Add(-l.maxAge)

	var idle []string
	l.lastAccess.Range(func(key, value any) bool {
		if value.(time.Time).Before(cutoff) {
			idle = append(idle, key.(string))
		}
		return true
	})

	for _, key := range idle {
		l.limiters.Delete(key)
		l.lastAccess.Delete(key)
	}
	if len(idle) > 0 {
		logger.Info("dropped idle rate limit buckets", "count", len(idle))
	}
}

// Stop ends the cleanup goroutine.
func (l *InMemoryRateLimiter) Stop() {
	close(l.stopCleanup)
}

// Stats reports the limiter configuration and the live bucket count.
func (l *InMemoryRateLimiter) Stats() map[string]any {
	var count int
	l.limiters.Range(func(_, _ any) bool {
		count++
		return true
	})

	return map[string]any{
		"type":            "in-memory",
		"active_limiters": count,
		"rate_per_second": float64(l.rate),
		"burst":           l.burst,
	}
}
