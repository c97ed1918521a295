package analytics

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/zsombor-n/open-webui/internal/cache"
	"github.com/zsombor-n/open-webui/internal/db"
	"github.com/zsombor-n/open-webui/internal/models"
)

// Cache key prefixes, one per cached read endpoint. A completed run
// invalidates all of them.
const (
	cachePrefixSummary = "summary:"
	cachePrefixTrend   = "trend:"
	cachePrefixUsers   = "users:"
	cachePrefixDetail  = "detail:"
	cachePrefixHealth  = "health:"
)

func invalidateDerived(inv Invalidator) {
	for _, prefix := range []string{
		cachePrefixSummary, cachePrefixTrend, cachePrefixUsers,
		cachePrefixDetail, cachePrefixHealth,
	} {
		inv.InvalidatePattern(prefix)
	}
}

// QueryStore is the read surface the query service needs. *db.DB satisfies it.
type QueryStore interface {
	GetSummary(ctx context.Context, start, end time.Time, userIDHash string) (*models.AnalyticsSummary, error)
	GetDailyTrend(ctx context.Context, days int, today time.Time) ([]models.TrendPoint, error)
	GetUserBreakdown(ctx context.Context, start, end time.Time, limit int) ([]models.UserBreakdownRow, error)
	ListAnalyses(ctx context.Context, p db.ListAnalysesParams) ([]db.ChatAnalysis, int, error)
	AnalysesInRange(ctx context.Context, start, end time.Time) ([]db.ChatAnalysis, error)
	ListUsers(ctx context.Context) ([]db.SourceUser, error)
	LatestRun(ctx context.Context) (*db.ProcessingRun, error)
}

// TTLConfig holds the per-endpoint cache lifetimes.
type TTLConfig struct {
	Summary time.Duration
	Trend   time.Duration
	Users   time.Duration
	Detail  time.Duration
	Health  time.Duration
}

// DefaultTTLConfig returns the production cache lifetimes.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Summary: 5 * time.Minute,
		Trend:   3 * time.Minute,
		Users:   4 * time.Minute,
		Detail:  2 * time.Minute,
		Health:  time.Minute,
	}
}

// QueryService serves the dashboard read endpoints from the aggregate tables,
// memoizing results in a TTL cache so repeated dashboard polls do not hit
// Postgres.
type QueryService struct {
	store  QueryStore
	cache  *cache.Cache
	hasher *UserHasher
	ttl    TTLConfig
	tz     *time.Location

	// nextRun and breakerState are optional probes for the health payload.
	nextRun      func() *time.Time
	breakerState func() string
}

// QueryOption customizes a QueryService.
type QueryOption func(*QueryService)

// WithNextRunProbe reports the scheduler's next planned run on the health
// endpoint.
func WithNextRunProbe(probe func() *time.Time) QueryOption {
	return func(s *QueryService) { s.nextRun = probe }
}

// WithBreakerProbe reports the estimation circuit state on the health
// endpoint.
func WithBreakerProbe(probe func() string) QueryOption {
	return func(s *QueryService) { s.breakerState = probe }
}

// WithTimezone sets the reporting timezone used to anchor trailing windows.
// It must match the timezone the pipeline aggregates with.
func WithTimezone(loc *time.Location) QueryOption {
	return func(s *QueryService) {
		if loc != nil {
			s.tz = loc
		}
	}
}

// NewQueryService wires the read side of the analytics API.
func NewQueryService(store QueryStore, c *cache.Cache, hasher *UserHasher, ttl TTLConfig, opts ...QueryOption) *QueryService {
	s := &QueryService{store: store, cache: c, hasher: hasher, ttl: ttl, tz: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summary returns the aggregate summary for [start, end], optionally scoped
// to a single user id (hashed here, never stored raw).
func (s *QueryService) Summary(ctx context.Context, start, end time.Time, userID string) (*models.AnalyticsSummary, error) {
	hash := ""
	if userID != "" {
		hash = s.hasher.Hash(userID)
	}
	key := fmt.Sprintf("%s%s:%s:%s", cachePrefixSummary, dateKey(start), dateKey(end), hash)

	v, err := s.cache.GetOrCompute(ctx, key, s.ttl.Summary, func(ctx context.Context) (any, error) {
		return s.store.GetSummary(ctx, start, end, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.AnalyticsSummary), nil
}

// DailyTrend returns one point per day over the trailing window, zero-filled
// for days without activity.
func (s *QueryService) DailyTrend(ctx context.Context, days int) ([]models.TrendPoint, error) {
	key := cachePrefixTrend + strconv.Itoa(days)

	v, err := s.cache.GetOrCompute(ctx, key, s.ttl.Trend, func(ctx context.Context) (any, error) {
		return s.store.GetDailyTrend(ctx, days, time.Now().In(s.tz))
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.TrendPoint), nil
}

// UserBreakdown ranks users by time saved over [start, end]. Display names
// are resolved by hashing every directory entry and matching, since the
// stored pseudonyms cannot be reversed.
func (s *QueryService) UserBreakdown(ctx context.Context, start, end time.Time, limit int) ([]models.UserBreakdownRow, error) {
	key := fmt.Sprintf("%s%s:%s:%d", cachePrefixUsers, dateKey(start), dateKey(end), limit)

	v, err := s.cache.GetOrCompute(ctx, key, s.ttl.Users, func(ctx context.Context) (any, error) {
		rows, err := s.store.GetUserBreakdown(ctx, start, end, limit)
		if err != nil {
			return nil, err
		}
		if err := s.resolveDisplayNames(ctx, rows); err != nil {
			return nil, err
		}
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.UserBreakdownRow), nil
}

func (s *QueryService) resolveDisplayNames(ctx context.Context, rows []models.UserBreakdownRow) error {
	if len(rows) == 0 {
		return nil
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve display names: %w", err)
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[s.hasher.Hash(u.ID)] = u.Name
	}
	for i := range rows {
		rows[i].DisplayName = names[rows[i].UserIDHash]
	}
	return nil
}

// Conversations returns one page of the analyzed-conversation detail list.
func (s *QueryService) Conversations(ctx context.Context, page, pageSize int, userID string) (*models.ConversationPage, error) {
	hash := ""
	if userID != "" {
		hash = s.hasher.Hash(userID)
	}
	key := fmt.Sprintf("%s%d:%d:%s", cachePrefixDetail, page, pageSize, hash)

	v, err := s.cache.GetOrCompute(ctx, key, s.ttl.Detail, func(ctx context.Context) (any, error) {
		analyses, total, err := s.store.ListAnalyses(ctx, db.ListAnalysesParams{
			Page:       page,
			PageSize:   pageSize,
			UserIDHash: hash,
		})
		if err != nil {
			return nil, err
		}
		result := &models.ConversationPage{
			Conversations: make([]models.ConversationRow, 0, len(analyses)),
			Page:          page,
			PageSize:      pageSize,
			TotalCount:    total,
		}
		for _, a := range analyses {
			result.Conversations = append(result.Conversations, models.ConversationRow{
				ChatID:             a.ChatID,
				UserIDHash:         a.UserIDHash,
				ProcessedAt:        a.ProcessedAt,
				MessageCount:       a.MessageCount,
				TotalMinutes:       a.TotalDurationMinutes,
				ActiveMinutes:      a.ActiveDurationMinutes,
				IdleMinutes:        a.IdleDurationMinutes,
				EstimateMostLikely: a.EstimateMostLikely,
				TimeSavedMinutes:   a.TimeSavedMinutes,
				Confidence:         a.ConfidenceLevel,
				Summary:            a.SummaryText,
			})
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ConversationPage), nil
}

// Health reports the last run, the next planned run, cache counters and the
// estimation circuit state.
func (s *QueryService) Health(ctx context.Context) (*models.HealthStatus, error) {
	v, err := s.cache.GetOrCompute(ctx, cachePrefixHealth+"status", s.ttl.Health, func(ctx context.Context) (any, error) {
		health := &models.HealthStatus{Status: "healthy"}

		run, err := s.store.LatestRun(ctx)
		switch {
		case errors.Is(err, db.ErrRunNotFound):
			// No run yet; still healthy.
		case err != nil:
			return nil, err
		default:
			health.LastRun = run.RunStatusModel()
			if run.Status == db.RunStatusFailed {
				health.Status = "degraded"
			}
		}

		if s.breakerState != nil {
			health.CircuitState = s.breakerState()
			if health.CircuitState == "open" {
				health.Status = "degraded"
			}
		}
		if s.nextRun != nil {
			health.NextRunAt = s.nextRun()
		}

		stats := s.cache.Stats()
		health.Cache = models.CacheStats{
			Hits:       stats.Hits,
			Misses:     stats.Misses,
			Evictions:  stats.Evictions,
			Entries:    stats.Entries,
			MaxEntries: stats.MaxEntries,
		}
		return health, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.HealthStatus), nil
}

var csvHeader = []string{
	"chat_id", "user_id_hash", "processed_at",
	"first_message_at", "last_message_at",
	"total_minutes", "active_minutes", "idle_minutes",
	"estimate_low_minutes", "estimate_most_likely_minutes", "estimate_high_minutes",
	"confidence", "time_saved_minutes", "message_count", "processing_version",
}

// ExportCSV streams every analysis in [start, end] as CSV. Exports bypass
// the cache; they are rare and potentially large.
func (s *QueryService) ExportCSV(ctx context.Context, w io.Writer, start, end time.Time) error {
	analyses, err := s.store.AnalysesInRange(ctx, start, end)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, a := range analyses {
		record := []string{
			a.ChatID,
			a.UserIDHash,
			a.ProcessedAt.UTC().Format(time.RFC3339),
			a.FirstMessageAt.UTC().Format(time.RFC3339),
			a.LastMessageAt.UTC().Format(time.RFC3339),
			formatMinutes(a.TotalDurationMinutes),
			formatMinutes(a.ActiveDurationMinutes),
			formatMinutes(a.IdleDurationMinutes),
			formatMinutes(a.EstimateLowMinutes),
			formatMinutes(a.EstimateMostLikely),
			formatMinutes(a.EstimateHighMinutes),
			formatMinutes(a.ConfidenceLevel),
			formatMinutes(a.TimeSavedMinutes),
			strconv.Itoa(a.MessageCount),
			a.ProcessingVersion,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatMinutes(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
