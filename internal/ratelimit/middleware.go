package ratelimit

import (
	"net/http"

	"github.com/zsombor-n/open-webui/internal/clientip"
	"github.com/zsombor-n/open-webui/internal/logger"
)

// Middleware creates an HTTP middleware that applies rate limiting.
// Uses clientip.FromRequest for IP extraction (set by clientip.Middleware).
func Middleware(limiter RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Composite rate limit key from context (set by clientip.Middleware)
			key := clientip.FromRequest(r).RateLimitKey

			if !limiter.Allow(r.Context(), key) {
				logger.Ctx(r.Context()).Warn("rate limit exceeded",
					"key", key, "path", r.URL.Path)
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc wraps a single handler function with rate limiting.
// Useful for applying a tighter limit to specific endpoints, like the
// processing trigger.
func HandlerFunc(limiter RateLimiter, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := clientip.FromRequest(r).RateLimitKey

		if !limiter.Allow(r.Context(), key) {
			logger.Ctx(r.Context()).Warn("rate limit exceeded",
				"key", key, "path", r.URL.Path)
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		handler(w, r)
	}
}
