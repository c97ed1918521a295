package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zsombor-n/open-webui/internal/analytics"
	"github.com/zsombor-n/open-webui/internal/api"
	"github.com/zsombor-n/open-webui/internal/cache"
	"github.com/zsombor-n/open-webui/internal/db"
	"github.com/zsombor-n/open-webui/internal/estimation"
	"github.com/zsombor-n/open-webui/internal/logger"
	"github.com/zsombor-n/open-webui/internal/openai"
	"github.com/zsombor-n/open-webui/internal/ratelimit"
	"github.com/zsombor-n/open-webui/internal/scheduler"
	"github.com/zsombor-n/open-webui/internal/storage"
)

var version string

func main() {
	// Check for one-shot processing mode
	if len(os.Args) > 1 && os.Args[1] == "process" {
		runProcess(os.Args[2:])
		return
	}

	// Start pprof debug server if enabled (for memory/CPU profiling)
	if os.Getenv("ENABLE_PPROF") == "true" {
		go startPprofServer()
	}

	// Initialize OpenTelemetry (sends traces to the configured OTLP endpoint)
	// Configured via env vars: OTEL_SERVICE_NAME, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_HEADERS
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry", "error", err)
		// Non-fatal: continue without tracing if OTEL env vars not set
	} else {
		defer otelShutdown()
	}

	// Load configuration from environment
	config := loadConfig()

	// Initialize database connection
	// Note: Migrations are run separately via CLI before starting the server
	// See: migrate -database "$DATABASE_URL" -path internal/db/migrations up
	database, err := db.Connect(config.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	// Initialize S3/MinIO archive storage (optional)
	var archiveStore *storage.S3Storage
	if config.S3Enabled {
		archiveStore, err = storage.NewS3Storage(config.S3Config)
		if err != nil {
			logger.Fatal("failed to initialize storage", "error", err)
		}
		logger.Info("run archive storage configured", "bucket", config.S3Config.BucketName)
	} else {
		logger.Info("run archive storage disabled (S3_ENDPOINT not set)")
	}

	// Estimation client
	client := newOpenAIClient(config)
	estimator := estimation.NewEstimator(client, config.EstimationConfig)

	// Shared query cache and user pseudonymization
	resultCache := cache.New(config.CacheMaxEntries, time.Minute)
	defer resultCache.Stop()
	hasher := analytics.NewUserHasher(config.UserHashSalt)

	// Pipeline
	var archiver analytics.RunArchiver
	if archiveStore != nil {
		archiver = archiveStore
	}
	processor := analytics.NewProcessor(database, estimator, hasher, resultCache, archiver, config.ProcessorConfig)

	// Scheduler declared before the query service so the health endpoint can
	// probe its next fire time.
	var sched *scheduler.Scheduler

	queries := analytics.NewQueryService(database, resultCache, hasher, config.TTLConfig,
		analytics.WithNextRunProbe(func() *time.Time {
			if sched == nil {
				return nil
			}
			return sched.NextRun()
		}),
		analytics.WithBreakerProbe(estimator.BreakerState),
		analytics.WithTimezone(config.Timezone),
	)

	healthCheck := func(ctx context.Context) {
		health, err := queries.Health(ctx)
		if err != nil {
			logger.Error("periodic health check failed", "error", err)
			return
		}
		logger.Info("periodic health check", "status", health.Status)

		if archiveStore != nil && config.ArchiveRetentionDays > 0 {
			pruned, err := archiveStore.PruneRunArchives(ctx, config.ArchiveRetentionDays)
			if err != nil {
				logger.Warn("failed to prune run archives", "error", err)
			} else if pruned > 0 {
				logger.Info("pruned run archives", "count", pruned, "retention_days", config.ArchiveRetentionDays)
			}
		}
	}

	sched = scheduler.New(processor, healthCheck, scheduler.DefaultConfig(config.Timezone))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	// Create API server
	server := api.NewServer(queries, sched, config.Timezone, version)
	router := server.SetupRoutes(api.RouterConfig{
		AllowedOrigins: config.AllowedOrigins,
		RateLimiter:    config.RateLimiter,
	})

	// Wrap router with OpenTelemetry HTTP instrumentation
	handler := otelhttp.NewHandler(router, "analytics-dashboard")

	// HTTP server configuration
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,  // Configurable via HTTP_READ_TIMEOUT (default: 30s)
		WriteTimeout: config.WriteTimeout, // Configurable via HTTP_WRITE_TIMEOUT (default: 60s, CSV export streams)
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", config.Port, "version", version, "timezone", config.Timezone.String())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", "error", err)
	}

	// Stop the scheduler before cancelling the root context so an in-flight
	// run finishes its current conversation and closes its log row.
	sched.Stop()
	cancel()

	logger.Info("server stopped")
}

type Config struct {
	Port         int
	DatabaseURL  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Timezone     *time.Location
	UserHashSalt string

	OpenAIAPIKey  string
	OpenAIBaseURL string

	EstimationConfig estimation.Config
	ProcessorConfig  analytics.ProcessorConfig
	TTLConfig        analytics.TTLConfig
	CacheMaxEntries  int

	S3Enabled            bool
	S3Config             storage.S3Config
	ArchiveRetentionDays int

	AllowedOrigins []string
	RateLimiter    ratelimit.RateLimiter
}

func loadConfig() Config {
	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}

	// HTTP timeout configuration
	readTimeout := 30 * time.Second
	if rt := os.Getenv("HTTP_READ_TIMEOUT"); rt != "" {
		if parsed, err := time.ParseDuration(rt); err == nil {
			readTimeout = parsed
		}
	}

	// CSV export streams row by row, so writes get a longer default
	writeTimeout := 60 * time.Second
	if wt := os.Getenv("HTTP_WRITE_TIMEOUT"); wt != "" {
		if parsed, err := time.ParseDuration(wt); err == nil {
			writeTimeout = parsed
		}
	}

	// Validate required database configuration
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("missing required env var", "var", "DATABASE_URL")
	}

	// Validate required estimation configuration
	openAIAPIKey := os.Getenv("OPENAI_API_KEY")
	if openAIAPIKey == "" {
		logger.Fatal("missing required env var", "var", "OPENAI_API_KEY")
	}

	// User IDs are pseudonymized with a keyed hash; the salt must be stable
	// across runs or per-user history falls apart.
	userHashSalt := os.Getenv("ANALYTICS_HASH_SALT")
	if userHashSalt == "" {
		logger.Fatal("missing required env var", "var", "ANALYTICS_HASH_SALT", "hint", "stable secret used to pseudonymize user ids")
	}

	tz := loadTimezone()

	return Config{
		Port:         port,
		DatabaseURL:  databaseURL,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,

		Timezone:     tz,
		UserHashSalt: userHashSalt,

		OpenAIAPIKey:  openAIAPIKey,
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		EstimationConfig: loadEstimationConfig(),
		ProcessorConfig:  loadProcessorConfig(tz),
		TTLConfig:        loadTTLConfig(),
		CacheMaxEntries:  envInt("CACHE_MAX_ENTRIES", 500),

		S3Enabled:            os.Getenv("S3_ENDPOINT") != "",
		S3Config:             loadS3Config(),
		ArchiveRetentionDays: envInt("ARCHIVE_RETENTION_DAYS", 90),

		AllowedOrigins: loadAllowedOrigins(),
		RateLimiter:    loadRateLimiter(),
	}
}

// loadTimezone resolves the reporting timezone. Day windows and run dates are
// interpreted in this zone.
func loadTimezone() *time.Location {
	name := os.Getenv("ANALYTICS_RUN_TIMEZONE")
	if name == "" {
		name = "Europe/Budapest"
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		logger.Fatal("invalid ANALYTICS_RUN_TIMEZONE", "value", name, "error", err)
	}
	return tz
}

func loadEstimationConfig() estimation.Config {
	model := os.Getenv("ANALYTICS_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}

	temperature := 0.3
	if t := os.Getenv("ANALYTICS_TEMPERATURE"); t != "" {
		if parsed, err := strconv.ParseFloat(t, 64); err == nil && parsed >= 0 {
			temperature = parsed
		}
	}

	return estimation.Config{
		Model:             model,
		Temperature:       temperature,
		MaxTokens:         envInt("ANALYTICS_MAX_TOKENS", 4096),
		RequestsPerMinute: envInt("ANALYTICS_REQUESTS_PER_MINUTE", 30),
	}
}

func loadProcessorConfig(tz *time.Location) analytics.ProcessorConfig {
	cfg := analytics.DefaultProcessorConfig()
	cfg.Timezone = tz

	if v := os.Getenv("ANALYTICS_IDLE_THRESHOLD_MINUTES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.IdleThreshold = time.Duration(parsed) * time.Minute
		}
	}
	cfg.MaxConversations = envInt("ANALYTICS_MAX_CONVERSATIONS_PER_RUN", cfg.MaxConversations)
	cfg.FetchLimit = envInt("ANALYTICS_FETCH_LIMIT", cfg.FetchLimit)

	if v := os.Getenv("ANALYTICS_MAX_COST_PER_RUN"); v != "" {
		cost, err := decimal.NewFromString(v)
		if err != nil || cost.IsNegative() {
			logger.Fatal("invalid ANALYTICS_MAX_COST_PER_RUN", "value", v)
		}
		cfg.MaxCostPerRun = cost
	}

	if v := os.Getenv("PROCESSING_VERSION"); v != "" {
		cfg.ProcessingVersion = v
	}

	return cfg
}

// loadS3Config reads the archive storage settings. The whole block is
// optional; S3Enabled gates its use.
func loadS3Config() storage.S3Config {
	return storage.S3Config{
		Endpoint:        os.Getenv("S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		BucketName:      os.Getenv("BUCKET_NAME"),
		UseSSL:          os.Getenv("S3_USE_SSL") != "false", // Default true
	}
}

// loadTTLConfig reads per-operation cache TTL overrides, in seconds.
func loadTTLConfig() analytics.TTLConfig {
	ttl := analytics.DefaultTTLConfig()
	overrides := []struct {
		name   string
		target *time.Duration
	}{
		{"ANALYTICS_CACHE_TTL_SUMMARY", &ttl.Summary},
		{"ANALYTICS_CACHE_TTL_TREND", &ttl.Trend},
		{"ANALYTICS_CACHE_TTL_USERS", &ttl.Users},
		{"ANALYTICS_CACHE_TTL_DETAIL", &ttl.Detail},
		{"ANALYTICS_CACHE_TTL_HEALTH", &ttl.Health},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.name); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil || seconds <= 0 {
				logger.Fatal("invalid env var", "var", o.name, "value", v)
			}
			*o.target = time.Duration(seconds) * time.Second
		}
	}
	return ttl
}

func loadAllowedOrigins() []string {
	raw := os.Getenv("CORS_ORIGINS")
	if raw == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func loadRateLimiter() ratelimit.RateLimiter {
	rps := os.Getenv("RATE_LIMIT_RPS")
	if rps == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(rps, 64)
	if err != nil || parsed <= 0 {
		logger.Fatal("invalid RATE_LIMIT_RPS", "value", rps)
	}
	burst := envInt("RATE_LIMIT_BURST", 20)
	return ratelimit.NewInMemoryRateLimiter(parsed, burst)
}

func newOpenAIClient(config Config) *openai.Client {
	var opts []openai.ClientOption
	if config.OpenAIBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(config.OpenAIBaseURL))
	}
	return openai.NewClient(config.OpenAIAPIKey, opts...)
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		logger.Fatal("invalid env var", "var", name, "value", v)
	}
	return parsed
}

// startPprofServer starts a pprof debug server on localhost:6060. Only
// accessible locally; tunnel in for remote debugging.
//
// Available endpoints:
//   - /debug/pprof/heap      - heap memory profile
//   - /debug/pprof/goroutine - goroutine stack traces
//   - /debug/pprof/allocs    - allocation profile
//   - /debug/pprof/profile   - CPU profile (30s default)
//   - /debug/pprof/trace     - execution trace
func startPprofServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	mux.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))

	addr := "127.0.0.1:6060"
	logger.Info("pprof debug server starting", "addr", addr)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("pprof server failed", "error", err)
	}
}
