package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zsombor-n/open-webui/internal/analytics"
	"github.com/zsombor-n/open-webui/internal/clientip"
	"github.com/zsombor-n/open-webui/internal/logger"
	"github.com/zsombor-n/open-webui/internal/ratelimit"
	"github.com/zsombor-n/open-webui/internal/scheduler"
)

// Server holds dependencies for the analytics API handlers.
type Server struct {
	queries   *analytics.QueryService
	scheduler *scheduler.Scheduler
	tz        *time.Location
	version   string
}

// NewServer creates a new API server.
func NewServer(queries *analytics.QueryService, sched *scheduler.Scheduler, tz *time.Location, version string) *Server {
	if tz == nil {
		tz = time.UTC
	}
	return &Server{
		queries:   queries,
		scheduler: sched,
		tz:        tz,
		version:   version,
	}
}

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimiter    ratelimit.RateLimiter // nil disables rate limiting
}

// SetupRoutes configures HTTP routes.
func (s *Server) SetupRoutes(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(clientip.Middleware)
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(SpanEnricher)
	r.Use(compressResponse())

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	if cfg.RateLimiter != nil {
		r.Use(ratelimit.Middleware(cfg.RateLimiter))
	}

	// Liveness check, separate from the richer analytics health payload
	r.Get("/health", s.handleLiveness)
	r.Get("/", s.handleRoot)

	r.Route("/api/analytics", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Get("/daily-trend", s.handleDailyTrend)
		r.Get("/user-breakdown", s.handleUserBreakdown)
		r.Get("/conversations", s.handleConversations)
		r.Get("/health", s.handleAnalyticsHealth)
		r.Get("/export/csv", s.handleExportCSV)
		r.Post("/trigger-processing", s.handleTriggerProcessing)
	})

	return r
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": "chat-analytics",
		"version": s.version,
	})
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
