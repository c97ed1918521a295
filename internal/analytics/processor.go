package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zsombor-n/open-webui/internal/db"
	"github.com/zsombor-n/open-webui/internal/estimation"
	"github.com/zsombor-n/open-webui/internal/logger"
	"github.com/zsombor-n/open-webui/internal/models"
)

// Store is the persistence surface the processor needs. *db.DB satisfies it.
type Store interface {
	StartRun(ctx context.Context, runDate time.Time, triggeredBy string) (*db.ProcessingRun, error)
	CompleteRun(ctx context.Context, runID uuid.UUID, counts db.RunCounts) error
	FailRun(ctx context.Context, runID uuid.UUID, counts db.RunCounts, errMsg string, details map[string]any) error
	FetchChats(ctx context.Context, windowStart, windowEnd time.Time, limit int, includeAnalyzed bool) ([]db.SourceChat, error)
	ProcessedDates(ctx context.Context, chatIDs []string, loc *time.Location) ([]time.Time, error)
	DeleteAnalyses(ctx context.Context, chatIDs []string) (int64, error)
	InsertAnalysis(ctx context.Context, a *db.ChatAnalysis) error
	RecomputeDailyAggregates(ctx context.Context, date time.Time) error
}

// Estimator produces a time estimate for a redacted summary. It degrades to
// fallback values internally and never returns an error.
type Estimator interface {
	Estimate(ctx context.Context, summary string) *estimation.Estimate
}

// Invalidator drops cached query results derived from analysis rows.
type Invalidator interface {
	InvalidatePattern(prefix string) int
}

// ArchiveRecord is one conversation's audit line in the run archive.
type ArchiveRecord struct {
	ChatID             string  `json:"chat_id"`
	UserIDHash         string  `json:"user_id_hash"`
	Summary            string  `json:"summary"`
	ActiveMinutes      float64 `json:"active_minutes"`
	EstimateLow        float64 `json:"estimate_low_minutes"`
	EstimateMostLikely float64 `json:"estimate_most_likely_minutes"`
	EstimateHigh       float64 `json:"estimate_high_minutes"`
	Confidence         float64 `json:"confidence"`
	TimeSavedMinutes   float64 `json:"time_saved_minutes"`
	Fallback           bool    `json:"fallback"`
	RawResponse        string  `json:"raw_response"`
	CostUSD            string  `json:"cost_usd"`
}

// RunArchiver persists the audit trail of a finished run. Archive failures
// never fail the run.
type RunArchiver interface {
	StoreRunArchive(ctx context.Context, runDate, runID string, records []ArchiveRecord) error
}

// ProcessorConfig tunes one pipeline run.
type ProcessorConfig struct {
	IdleThreshold     time.Duration
	MaxConversations  int             // per-run LLM request budget
	MaxCostPerRun     decimal.Decimal // USD; further conversations are skipped once reached
	FetchLimit        int             // upper bound on conversations pulled per run
	ProcessingVersion string
	Timezone          *time.Location
}

// DefaultProcessorConfig returns the production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		IdleThreshold:     DefaultIdleThreshold,
		MaxConversations:  100,
		MaxCostPerRun:     decimal.NewFromFloat(10.00),
		FetchLimit:        1000,
		ProcessingVersion: "1.0",
		Timezone:          time.UTC,
	}
}

// Processor runs the analysis pipeline: fetch unprocessed conversations for a
// date, analyze and estimate each one, persist the results, refresh the daily
// aggregates and drop stale cache entries.
type Processor struct {
	store     Store
	estimator Estimator
	hasher    *UserHasher
	cache     Invalidator
	archiver  RunArchiver
	cfg       ProcessorConfig
}

// NewProcessor wires a pipeline. cache and archiver may be nil.
func NewProcessor(store Store, estimator Estimator, hasher *UserHasher, cache Invalidator, archiver RunArchiver, cfg ProcessorConfig) *Processor {
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = 100
	}
	if cfg.MaxCostPerRun.IsZero() {
		cfg.MaxCostPerRun = decimal.NewFromFloat(10.00)
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 1000
	}
	if cfg.ProcessingVersion == "" {
		cfg.ProcessingVersion = "1.0"
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &Processor{
		store:     store,
		estimator: estimator,
		hasher:    hasher,
		cache:     cache,
		archiver:  archiver,
		cfg:       cfg,
	}
}

// Run processes every conversation updated on runDate that has no analysis
// yet. With force set, existing analyses for the date are deleted and the
// conversations are reprocessed. Per-conversation failures are counted but do
// not fail the run; persistence failures do.
func (p *Processor) Run(ctx context.Context, runDate time.Time, force bool, triggeredBy string) (*models.RunResult, error) {
	ctx, span := tracer.Start(ctx, "analytics.run",
		trace.WithAttributes(
			attribute.String("run.date", runDate.Format("2006-01-02")),
			attribute.Bool("run.force", force),
			attribute.String("run.triggered_by", triggeredBy),
		))
	defer span.End()

	run, err := p.store.StartRun(ctx, runDate, triggeredBy)
	if err != nil {
		return nil, err
	}
	logger.Info("processing run started",
		"run_id", run.ID.String(),
		"run_date", runDate.Format("2006-01-02"),
		"force", force,
		"triggered_by", triggeredBy)

	result, runErr := p.execute(ctx, run, runDate, force)
	if runErr != nil {
		counts := db.RunCounts{}
		if result != nil {
			counts = countsFromResult(result)
		}
		details := map[string]any{"force": force}
		// The run may have failed because ctx was cancelled at shutdown; the
		// log row must still leave the running state or the active-run check
		// rejects every future run.
		if failErr := p.store.FailRun(context.WithoutCancel(ctx), run.ID, counts, runErr.Error(), details); failErr != nil {
			logger.Error("failed to record run failure", "run_id", run.ID.String(), "error", failErr)
		}
		logger.Error("processing run failed", "run_id", run.ID.String(), "error", runErr)
		span.RecordError(runErr)
		return nil, runErr
	}

	logger.Info("processing run completed",
		"run_id", result.RunID,
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"llm_requests", result.LLMRequests,
		"llm_cost", result.LLMCost,
		"fallbacks", result.Fallbacks,
		"duration_seconds", result.DurationSec)
	return result, nil
}

func (p *Processor) execute(ctx context.Context, run *db.ProcessingRun, runDate time.Time, force bool) (*models.RunResult, error) {
	start := time.Now()
	result := &models.RunResult{
		RunID:   run.ID.String(),
		RunDate: runDate.Format("2006-01-02"),
		Status:  db.RunStatusCompleted,
		LLMCost: "0.0000",
	}
	cost := decimal.Zero

	windowStart, windowEnd := dayWindow(runDate, p.cfg.Timezone)
	chats, err := p.store.FetchChats(ctx, windowStart, windowEnd, p.cfg.FetchLimit, force)
	if err != nil {
		return result, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	// Reprocessing replaces rows rather than updating them. The dates whose
	// aggregates the deleted rows contributed to are captured first so they
	// can be recomputed after the new rows land.
	staleDates := []time.Time{}
	if force && len(chats) > 0 {
		ids := make([]string, len(chats))
		for i, c := range chats {
			ids[i] = c.ID
		}
		staleDates, err = p.store.ProcessedDates(ctx, ids, p.cfg.Timezone)
		if err != nil {
			return result, fmt.Errorf("failed to resolve reprocess dates: %w", err)
		}
		deleted, err := p.store.DeleteAnalyses(ctx, ids)
		if err != nil {
			return result, fmt.Errorf("failed to delete prior analyses: %w", err)
		}
		logger.Info("deleted prior analyses for reprocess", "run_id", run.ID.String(), "deleted", deleted)
	}

	var records []ArchiveRecord
	for _, chat := range chats {
		if ctx.Err() != nil {
			// Shutdown: leave the remainder for the next run.
			result.Skipped += remainingAfter(chats, chat.ID)
			break
		}
		if result.LLMRequests >= p.cfg.MaxConversations || cost.GreaterThanOrEqual(p.cfg.MaxCostPerRun) {
			result.Skipped++
			continue
		}

		record, insertErr := p.processOne(ctx, chat, &cost, result)
		result.LLMCost = cost.StringFixed(4)
		if insertErr != nil {
			if errors.Is(insertErr, db.ErrDuplicateAnalysis) {
				// Lost a race with a concurrent insert; count and move on.
				logger.Warn("conversation already analyzed", "chat_id", chat.ID)
				result.Failed++
				continue
			}
			return result, insertErr
		}
		records = append(records, record)
		result.Processed++
	}

	// Shutdown cancellation stops the loop above but must not leave the run
	// open; the closing phase runs on a detached context.
	closeCtx := context.WithoutCancel(ctx)

	aggregateDates := append(staleDates, time.Now().In(p.cfg.Timezone))
	for _, d := range dedupeDates(aggregateDates) {
		if err := p.store.RecomputeDailyAggregates(closeCtx, d); err != nil {
			return result, fmt.Errorf("failed to recompute aggregates for %s: %w", d.Format("2006-01-02"), err)
		}
	}

	if p.cache != nil {
		invalidateDerived(p.cache)
	}

	if p.archiver != nil && len(records) > 0 {
		if err := p.archiver.StoreRunArchive(closeCtx, result.RunDate, result.RunID, records); err != nil {
			logger.Warn("failed to archive run audit trail", "run_id", result.RunID, "error", err)
		}
	}

	result.DurationSec = time.Since(start).Seconds()
	if err := p.store.CompleteRun(closeCtx, run.ID, countsFromResult(result)); err != nil {
		return result, fmt.Errorf("failed to complete run: %w", err)
	}
	return result, nil
}

// processOne analyzes a single conversation. Only persistence errors are
// returned; estimation problems degrade to fallback values inside the
// estimator.
func (p *Processor) processOne(ctx context.Context, chat db.SourceChat, cost *decimal.Decimal, result *models.RunResult) (ArchiveRecord, error) {
	ctx, span := tracer.Start(ctx, "analytics.process_conversation",
		trace.WithAttributes(attribute.String("chat.id", chat.ID)))
	defer span.End()

	timestamps := make([]time.Time, 0, len(chat.Messages))
	for _, m := range chat.Messages {
		timestamps = append(timestamps, m.Timestamp)
	}
	timing := AnalyzeTiming(timestamps, p.cfg.IdleThreshold)

	summary := Summarize(chat.Title, chat.Messages)
	est := p.estimator.Estimate(ctx, summary)
	result.LLMRequests++
	if est.Fallback {
		result.Fallbacks++
	}
	*cost = cost.Add(est.Cost)

	saved := TimeSaved(est.MostLikelyMinutes, timing.ActiveMinutes)
	analysis := &db.ChatAnalysis{
		ChatID:                chat.ID,
		UserIDHash:            p.hasher.Hash(chat.UserID),
		FirstMessageAt:        timing.FirstMessageAt,
		LastMessageAt:         timing.LastMessageAt,
		TotalDurationMinutes:  timing.TotalMinutes,
		ActiveDurationMinutes: timing.ActiveMinutes,
		IdleDurationMinutes:   timing.IdleMinutes,
		EstimateLowMinutes:    est.LowMinutes,
		EstimateMostLikely:    est.MostLikelyMinutes,
		EstimateHighMinutes:   est.HighMinutes,
		ConfidenceLevel:       est.Confidence,
		TimeSavedMinutes:      saved,
		MessageCount:          len(chat.Messages),
		ProcessingVersion:     p.cfg.ProcessingVersion,
		SummaryText:           summary,
		RawLLMResponse:        est.RawResponse,
	}
	if err := p.store.InsertAnalysis(ctx, analysis); err != nil {
		span.RecordError(err)
		return ArchiveRecord{}, err
	}

	return ArchiveRecord{
		ChatID:             chat.ID,
		UserIDHash:         analysis.UserIDHash,
		Summary:            summary,
		ActiveMinutes:      timing.ActiveMinutes,
		EstimateLow:        est.LowMinutes,
		EstimateMostLikely: est.MostLikelyMinutes,
		EstimateHigh:       est.HighMinutes,
		Confidence:         est.Confidence,
		TimeSavedMinutes:   saved,
		Fallback:           est.Fallback,
		RawResponse:        est.RawResponse,
		CostUSD:            est.Cost.StringFixed(6),
	}, nil
}

// dayWindow returns the [midnight, next midnight) bounds of date in loc.
func dayWindow(date time.Time, loc *time.Location) (time.Time, time.Time) {
	d := date.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return start, start.Add(24 * time.Hour)
}

func countsFromResult(r *models.RunResult) db.RunCounts {
	llmCost, err := decimal.NewFromString(r.LLMCost)
	if err != nil {
		llmCost = decimal.Zero
	}
	return db.RunCounts{
		Processed:   r.Processed,
		Skipped:     r.Skipped,
		Failed:      r.Failed,
		LLMRequests: r.LLMRequests,
		LLMCost:     llmCost,
	}
}

func remainingAfter(chats []db.SourceChat, id string) int {
	for i, c := range chats {
		if c.ID == id {
			return len(chats) - i
		}
	}
	return 0
}

func dedupeDates(dates []time.Time) []time.Time {
	seen := make(map[string]bool, len(dates))
	out := dates[:0]
	for _, d := range dates {
		key := d.Format("2006-01-02")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}
