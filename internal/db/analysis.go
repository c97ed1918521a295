package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("openwebui/db")

// InsertAnalysis persists one analyzed conversation. The chat_id unique
// constraint guarantees a conversation is never analyzed twice; callers that
// force a reprocess must delete the prior row first.
func (db *DB) InsertAnalysis(ctx context.Context, a *ChatAnalysis) error {
	ctx, span := tracer.Start(ctx, "db.insert_analysis",
		trace.WithAttributes(attribute.String("chat.id", a.ChatID)))
	defer span.End()

	query := `
		INSERT INTO chat_analysis (
			chat_id, user_id_hash, first_message_at, last_message_at,
			total_duration_minutes, active_duration_minutes, idle_duration_minutes,
			manual_estimate_low, manual_estimate_most_likely, manual_estimate_high,
			confidence_level, time_saved_minutes, message_count,
			processing_version, summary_text, raw_llm_response
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, processed_at
	`

	err := db.conn.QueryRowContext(ctx, query,
		a.ChatID, a.UserIDHash, a.FirstMessageAt, a.LastMessageAt,
		a.TotalDurationMinutes, a.ActiveDurationMinutes, a.IdleDurationMinutes,
		a.EstimateLowMinutes, a.EstimateMostLikely, a.EstimateHighMinutes,
		a.ConfidenceLevel, a.TimeSavedMinutes, a.MessageCount,
		a.ProcessingVersion, a.SummaryText, a.RawLLMResponse,
	).Scan(&a.ID, &a.ProcessedAt)
	if err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("chat %s: %w", a.ChatID, ErrDuplicateAnalysis)
		}
		return fmt.Errorf("failed to insert analysis: %w", err)
	}

	return nil
}

// ProcessedDates returns the distinct processed_at calendar dates of the
// given conversations, bucketed in loc. The force-reprocess path records
// these before deleting so the affected days' aggregates can be recomputed
// afterwards, using the same zone RecomputeDailyAggregates buckets with.
func (db *DB) ProcessedDates(ctx context.Context, chatIDs []string, loc *time.Location) ([]time.Time, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT (processed_at AT TIME ZONE $2)::date FROM chat_analysis WHERE chat_id = ANY($1)`,
		pq.Array(chatIDs), tzName(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to query processed dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan processed date: %w", err)
		}
		// The scanned value is a bare calendar date; pin it to loc so the
		// recompute formats the same day it was bucketed as.
		dates = append(dates, time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc))
	}
	return dates, rows.Err()
}

// DeleteAnalyses removes analysis rows for the given chat ids.
// Used by the force-reprocess path before reinserting fresh rows.
func (db *DB) DeleteAnalyses(ctx context.Context, chatIDs []string) (int64, error) {
	if len(chatIDs) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "db.delete_analyses",
		trace.WithAttributes(attribute.Int("chat.count", len(chatIDs))))
	defer span.End()

	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM chat_analysis WHERE chat_id = ANY($1)`,
		pq.Array(chatIDs))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete analyses: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted analyses: %w", err)
	}
	return deleted, nil
}

// AnalyzedChatIDs returns the subset of chatIDs that already have an
// analysis row.
func (db *DB) AnalyzedChatIDs(ctx context.Context, chatIDs []string) (map[string]bool, error) {
	analyzed := make(map[string]bool)
	if len(chatIDs) == 0 {
		return analyzed, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT chat_id FROM chat_analysis WHERE chat_id = ANY($1)`,
		pq.Array(chatIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query analyzed chat ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chat id: %w", err)
		}
		analyzed[id] = true
	}
	return analyzed, rows.Err()
}

// ListAnalysesParams controls pagination and filtering of the detail list.
type ListAnalysesParams struct {
	Page       int
	PageSize   int
	UserIDHash string // empty = all users
}

// ListAnalyses returns recent analyses ordered by processed_at descending,
// plus the total row count for pagination. The raw LLM response is not
// returned; it exists for audit only.
func (db *DB) ListAnalyses(ctx context.Context, p ListAnalysesParams) ([]ChatAnalysis, int, error) {
	ctx, span := tracer.Start(ctx, "db.list_analyses",
		trace.WithAttributes(
			attribute.Int("page", p.Page),
			attribute.Int("page_size", p.PageSize),
		))
	defer span.End()

	var total int
	countQuery := `SELECT COUNT(*) FROM chat_analysis WHERE ($1 = '' OR user_id_hash = $1)`
	if err := db.conn.QueryRowContext(ctx, countQuery, p.UserIDHash).Scan(&total); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to count analyses: %w", err)
	}

	query := `
		SELECT id, chat_id, user_id_hash, first_message_at, last_message_at,
			total_duration_minutes, active_duration_minutes, idle_duration_minutes,
			manual_estimate_low, manual_estimate_most_likely, manual_estimate_high,
			confidence_level, time_saved_minutes, message_count,
			processed_at, processing_version, COALESCE(summary_text, '')
		FROM chat_analysis
		WHERE ($1 = '' OR user_id_hash = $1)
		ORDER BY processed_at DESC
		LIMIT $2 OFFSET $3
	`

	offset := (p.Page - 1) * p.PageSize
	rows, err := db.conn.QueryContext(ctx, query, p.UserIDHash, p.PageSize, offset)
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var analyses []ChatAnalysis
	for rows.Next() {
		var a ChatAnalysis
		if err := rows.Scan(
			&a.ID, &a.ChatID, &a.UserIDHash, &a.FirstMessageAt, &a.LastMessageAt,
			&a.TotalDurationMinutes, &a.ActiveDurationMinutes, &a.IdleDurationMinutes,
			&a.EstimateLowMinutes, &a.EstimateMostLikely, &a.EstimateHighMinutes,
			&a.ConfidenceLevel, &a.TimeSavedMinutes, &a.MessageCount,
			&a.ProcessedAt, &a.ProcessingVersion, &a.SummaryText,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan analysis: %w", err)
		}
		analyses = append(analyses, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate analyses: %w", err)
	}

	return analyses, total, nil
}

// AnalysesInRange returns all analyses processed within [start, end], oldest
// first. Used by the CSV export.
func (db *DB) AnalysesInRange(ctx context.Context, start, end time.Time) ([]ChatAnalysis, error) {
	ctx, span := tracer.Start(ctx, "db.analyses_in_range")
	defer span.End()

	query := `
		SELECT id, chat_id, user_id_hash, first_message_at, last_message_at,
			total_duration_minutes, active_duration_minutes, idle_duration_minutes,
			manual_estimate_low, manual_estimate_most_likely, manual_estimate_high,
			confidence_level, time_saved_minutes, message_count,
			processed_at, processing_version, COALESCE(summary_text, '')
		FROM chat_analysis
		WHERE processed_at >= $1 AND processed_at < $2 + interval '1 day'
		ORDER BY processed_at
	`

	rows, err := db.conn.QueryContext(ctx, query, start, end)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query analyses in range: %w", err)
	}
	defer rows.Close()

	var analyses []ChatAnalysis
	for rows.Next() {
		var a ChatAnalysis
		if err := rows.Scan(
			&a.ID, &a.ChatID, &a.UserIDHash, &a.FirstMessageAt, &a.LastMessageAt,
			&a.TotalDurationMinutes, &a.ActiveDurationMinutes, &a.IdleDurationMinutes,
			&a.EstimateLowMinutes, &a.EstimateMostLikely, &a.EstimateHighMinutes,
			&a.ConfidenceLevel, &a.TimeSavedMinutes, &a.MessageCount,
			&a.ProcessedAt, &a.ProcessingVersion, &a.SummaryText,
		); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}
