package api

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zsombor-n/open-webui/internal/clientip"
)

// SpanEnricher is a middleware that enriches the current span with request
// metadata: the resolved client IP and the dashboard client version when the
// frontend sends one.
func SpanEnricher(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())

		if ip := clientip.FromRequest(r).Primary; ip != "" {
			span.SetAttributes(attribute.String("client.ip", ip))
		}
		if v := r.Header.Get("X-Dashboard-Version"); v != "" {
			span.SetAttributes(attribute.String("dashboard.version", v))
		}

		next.ServeHTTP(w, r)
	})
}
