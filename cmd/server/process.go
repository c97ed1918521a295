package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"

	"github.com/zsombor-n/open-webui/internal/analytics"
	"github.com/zsombor-n/open-webui/internal/db"
	"github.com/zsombor-n/open-webui/internal/estimation"
	"github.com/zsombor-n/open-webui/internal/logger"
	"github.com/zsombor-n/open-webui/internal/storage"
)

// runProcess is the entry point for one-shot processing:
//
//	server process [--date YYYY-MM-DD] [--force]
//
// It runs the pipeline once for the given date (default: yesterday in the
// reporting timezone) and exits. Used for backfills and manual reruns; the
// long-running server schedules the same pipeline nightly.
func runProcess(args []string) {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	dateStr := fs.String("date", "", "run date as YYYY-MM-DD (default: yesterday)")
	force := fs.Bool("force", false, "delete existing analyses for the date and reprocess")
	fs.Parse(args)

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry", "error", err)
	} else {
		defer otelShutdown()
	}

	config := loadConfig()

	runDate := time.Now().In(config.Timezone).AddDate(0, 0, -1)
	if *dateStr != "" {
		parsed, err := time.ParseInLocation("2006-01-02", *dateStr, config.Timezone)
		if err != nil {
			logger.Fatal("invalid --date", "value", *dateStr, "error", err)
		}
		runDate = parsed
	}

	database, err := db.Connect(config.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	var archiver analytics.RunArchiver
	if config.S3Enabled {
		archiveStore, err := storage.NewS3Storage(config.S3Config)
		if err != nil {
			logger.Fatal("failed to initialize storage", "error", err)
		}
		archiver = archiveStore
	}

	client := newOpenAIClient(config)
	estimator := estimation.NewEstimator(client, config.EstimationConfig)
	hasher := analytics.NewUserHasher(config.UserHashSalt)
	processor := analytics.NewProcessor(database, estimator, hasher, nil, archiver, config.ProcessorConfig)

	// A signal cancels the run; already-processed conversations are kept and
	// the remainder is recorded as skipped.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutdown signal received, cancelling run")
		cancel()
	}()

	logger.Info("starting one-shot processing run",
		"run_date", runDate.Format("2006-01-02"),
		"force", *force,
	)

	result, err := processor.Run(ctx, runDate, *force, "manual")
	if err != nil {
		logger.Error("processing run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("processing run complete",
		"run_id", result.RunID,
		"run_date", result.RunDate,
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"llm_requests", result.LLMRequests,
		"llm_cost", result.LLMCost,
		"fallbacks", result.Fallbacks,
		"duration_seconds", result.DurationSec,
	)
}
