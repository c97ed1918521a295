package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zsombor-n/open-webui/internal/models"
)

const dateLayout = "2006-01-02"

// tzName resolves a location to a name Postgres accepts in AT TIME ZONE.
// "Local" only has meaning inside this process.
func tzName(loc *time.Location) string {
	if loc == nil {
		return "UTC"
	}
	name := loc.String()
	if name == "" || name == "Local" {
		return "UTC"
	}
	return name
}

// RecomputeDailyAggregates rebuilds the global and per-user daily_aggregates
// rows for one date from the chat_analysis rows processed on that date.
// Recomputation overwrites: running it twice for the same date yields the
// same rows, and per-user rows that lost their backing analyses are removed.
// The date is a calendar date in date's location; processed_at timestamps are
// bucketed in that same zone, never in the Postgres session timezone, so a
// run just after midnight lands on the day it opened in the reporting zone.
func (db *DB) RecomputeDailyAggregates(ctx context.Context, date time.Time) error {
	ctx, span := tracer.Start(ctx, "db.recompute_daily_aggregates",
		trace.WithAttributes(attribute.String("aggregate.date", date.Format(dateLayout))))
	defer span.End()

	day := date.Format(dateLayout)
	zone := tzName(date.Location())

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Drop aggregate rows whose backing detail rows are gone (force
	// reprocess can shrink a date's user set, or empty the date entirely).
	_, err = tx.ExecContext(ctx, `
		DELETE FROM daily_aggregates da
		WHERE da.aggregate_date = $1::date
			AND NOT EXISTS (
				SELECT 1 FROM chat_analysis ca
				WHERE (ca.processed_at AT TIME ZONE $2)::date = $1::date
					AND (da.user_id_hash IS NULL OR ca.user_id_hash = da.user_id_hash)
			)
	`, day, zone)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to prune stale aggregates: %w", err)
	}

	// Global row (NULL user_id_hash).
	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_aggregates (
			aggregate_date, user_id_hash, conversation_count, message_count,
			total_active_minutes, total_manual_estimate_minutes, total_time_saved_minutes,
			avg_time_saved_per_conversation, avg_confidence
		)
		SELECT $1::date, NULL, COUNT(*), COALESCE(SUM(message_count), 0),
			COALESCE(SUM(active_duration_minutes), 0),
			COALESCE(SUM(manual_estimate_most_likely), 0),
			COALESCE(SUM(time_saved_minutes), 0),
			COALESCE(AVG(time_saved_minutes), 0),
			COALESCE(AVG(confidence_level), 0)
		FROM chat_analysis
		WHERE (processed_at AT TIME ZONE $2)::date = $1::date
		HAVING COUNT(*) > 0
		ON CONFLICT (aggregate_date, COALESCE(user_id_hash, ''))
		DO UPDATE SET
			conversation_count = EXCLUDED.conversation_count,
			message_count = EXCLUDED.message_count,
			total_active_minutes = EXCLUDED.total_active_minutes,
			total_manual_estimate_minutes = EXCLUDED.total_manual_estimate_minutes,
			total_time_saved_minutes = EXCLUDED.total_time_saved_minutes,
			avg_time_saved_per_conversation = EXCLUDED.avg_time_saved_per_conversation,
			avg_confidence = EXCLUDED.avg_confidence,
			updated_at = NOW()
	`, day, zone)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert global aggregate: %w", err)
	}

	// Per-user rows.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_aggregates (
			aggregate_date, user_id_hash, conversation_count, message_count,
			total_active_minutes, total_manual_estimate_minutes, total_time_saved_minutes,
			avg_time_saved_per_conversation, avg_confidence
		)
		SELECT $1::date, user_id_hash, COUNT(*), COALESCE(SUM(message_count), 0),
			COALESCE(SUM(active_duration_minutes), 0),
			COALESCE(SUM(manual_estimate_most_likely), 0),
			COALESCE(SUM(time_saved_minutes), 0),
			COALESCE(AVG(time_saved_minutes), 0),
			COALESCE(AVG(confidence_level), 0)
		FROM chat_analysis
		WHERE (processed_at AT TIME ZONE $2)::date = $1::date
		GROUP BY user_id_hash
		ON CONFLICT (aggregate_date, COALESCE(user_id_hash, ''))
		DO UPDATE SET
			conversation_count = EXCLUDED.conversation_count,
			message_count = EXCLUDED.message_count,
			total_active_minutes = EXCLUDED.total_active_minutes,
			total_manual_estimate_minutes = EXCLUDED.total_manual_estimate_minutes,
			total_time_saved_minutes = EXCLUDED.total_time_saved_minutes,
			avg_time_saved_per_conversation = EXCLUDED.avg_time_saved_per_conversation,
			avg_confidence = EXCLUDED.avg_confidence,
			updated_at = NOW()
	`, day, zone)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upsert per-user aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit aggregate recompute: %w", err)
	}
	return nil
}

// GetSummary totals daily_aggregates rows over a date range. An empty
// userIDHash selects the global rows; otherwise the matching per-user rows.
// Averages are reweighted by conversation count rather than averaged over
// the daily averages.
func (db *DB) GetSummary(ctx context.Context, start, end time.Time, userIDHash string) (*models.AnalyticsSummary, error) {
	ctx, span := tracer.Start(ctx, "db.get_summary",
		trace.WithAttributes(
			attribute.String("start_date", start.Format(dateLayout)),
			attribute.String("end_date", end.Format(dateLayout)),
		))
	defer span.End()

	query := `
		SELECT COALESCE(SUM(conversation_count), 0),
			COALESCE(SUM(message_count), 0),
			COALESCE(SUM(total_active_minutes), 0),
			COALESCE(SUM(total_manual_estimate_minutes), 0),
			COALESCE(SUM(total_time_saved_minutes), 0),
			COALESCE(SUM(avg_confidence * conversation_count), 0)
		FROM daily_aggregates
		WHERE aggregate_date >= $1::date AND aggregate_date <= $2::date
			AND (($3 = '' AND user_id_hash IS NULL) OR user_id_hash = $3)
	`

	summary := &models.AnalyticsSummary{
		StartDate: start.Format(dateLayout),
		EndDate:   end.Format(dateLayout),
	}
	var weightedConfidence float64
	err := db.conn.QueryRowContext(ctx, query,
		start.Format(dateLayout), end.Format(dateLayout), userIDHash,
	).Scan(
		&summary.ConversationCount,
		&summary.MessageCount,
		&summary.TotalActiveMinutes,
		&summary.TotalManualEstimateMinutes,
		&summary.TotalTimeSavedMinutes,
		&weightedConfidence,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}

	if summary.ConversationCount > 0 {
		summary.AvgTimeSavedPerConversation = summary.TotalTimeSavedMinutes / float64(summary.ConversationCount)
		summary.AvgConfidence = weightedConfidence / float64(summary.ConversationCount)
	}
	return summary, nil
}

// GetDailyTrend returns the last `days` global aggregate rows ending on
// today's calendar date, zero-filled for dates without data so charts render
// a continuous series. today carries the reporting timezone; CURRENT_DATE
// would use the Postgres session timezone instead.
func (db *DB) GetDailyTrend(ctx context.Context, days int, today time.Time) ([]models.TrendPoint, error) {
	ctx, span := tracer.Start(ctx, "db.get_daily_trend",
		trace.WithAttributes(attribute.Int("days", days)))
	defer span.End()

	// generate_series fills dates missing from daily_aggregates with zeros
	query := `
		WITH date_range AS (
			SELECT generate_series(
				$2::date - ($1::int - 1),
				$2::date,
				'1 day'
			)::date AS d
		)
		SELECT dr.d,
			COALESCE(da.conversation_count, 0),
			COALESCE(da.total_time_saved_minutes, 0),
			COALESCE(da.total_active_minutes, 0)
		FROM date_range dr
		LEFT JOIN daily_aggregates da
			ON da.aggregate_date = dr.d AND da.user_id_hash IS NULL
		ORDER BY dr.d
	`

	rows, err := db.conn.QueryContext(ctx, query, days, today.Format(dateLayout))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query daily trend: %w", err)
	}
	defer rows.Close()

	var points []models.TrendPoint
	for rows.Next() {
		var p models.TrendPoint
		var day time.Time
		if err := rows.Scan(&day, &p.ConversationCount, &p.TimeSavedMinutes, &p.ActiveMinutes); err != nil {
			return nil, fmt.Errorf("failed to scan trend point: %w", err)
		}
		p.Date = day.Format(dateLayout)
		points = append(points, p)
	}
	return points, rows.Err()
}

// GetUserBreakdown ranks users by total time saved within a date range.
// Display name resolution happens in the analytics layer; this returns
// hashes only.
func (db *DB) GetUserBreakdown(ctx context.Context, start, end time.Time, limit int) ([]models.UserBreakdownRow, error) {
	ctx, span := tracer.Start(ctx, "db.get_user_breakdown",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	query := `
		SELECT user_id_hash,
			SUM(conversation_count),
			SUM(total_time_saved_minutes),
			SUM(total_active_minutes),
			CASE WHEN SUM(conversation_count) > 0
				THEN SUM(avg_confidence * conversation_count) / SUM(conversation_count)
				ELSE 0 END
		FROM daily_aggregates
		WHERE aggregate_date >= $1::date AND aggregate_date <= $2::date
			AND user_id_hash IS NOT NULL
		GROUP BY user_id_hash
		ORDER BY SUM(total_time_saved_minutes) DESC
		LIMIT $3
	`

	rows, err := db.conn.QueryContext(ctx, query,
		start.Format(dateLayout), end.Format(dateLayout), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query user breakdown: %w", err)
	}
	defer rows.Close()

	var breakdown []models.UserBreakdownRow
	for rows.Next() {
		var row models.UserBreakdownRow
		if err := rows.Scan(
			&row.UserIDHash, &row.ConversationCount,
			&row.TimeSavedMinutes, &row.ActiveMinutes, &row.AvgConfidence,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user breakdown row: %w", err)
		}
		breakdown = append(breakdown, row)
	}
	return breakdown, rows.Err()
}

// scanNullTime is a small helper for optional timestamps.
func scanNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
