package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zsombor-n/open-webui/internal/logger"
	"github.com/zsombor-n/open-webui/internal/models"
)

// staleRunAge is how long a run may stay in the running state before it is
// presumed abandoned by a crashed process.
const staleRunAge = 6 * time.Hour

// StartRun opens a processing_log row in the running state and returns it.
// The scheduler's single-flight guarantee keeps concurrent runs out, but an
// active-run check is still made so a manual trigger racing a crashed
// process gets a clean ErrRunActive instead of a second open run. Running
// rows older than staleRunAge are closed as failed first; a row orphaned by
// a crash would otherwise block every future run.
func (db *DB) StartRun(ctx context.Context, runDate time.Time, triggeredBy string) (*ProcessingRun, error) {
	ctx, span := tracer.Start(ctx, "db.start_run",
		trace.WithAttributes(
			attribute.String("run.date", runDate.Format(dateLayout)),
			attribute.String("run.triggered_by", triggeredBy),
		))
	defer span.End()

	if err := db.failStaleRuns(ctx); err != nil {
		return nil, err
	}

	active, err := db.HasActiveRun(ctx)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrRunActive
	}

	run := &ProcessingRun{
		ID:          uuid.New(),
		RunDate:     runDate,
		Status:      RunStatusRunning,
		TriggeredBy: triggeredBy,
	}

	query := `
		INSERT INTO processing_log (id, run_date, started_at, status, triggered_by)
		VALUES ($1, $2::date, NOW(), $3, $4)
		RETURNING started_at
	`
	err = db.conn.QueryRowContext(ctx, query,
		run.ID, runDate.Format(dateLayout), run.Status, triggeredBy,
	).Scan(&run.StartedAt)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	return run, nil
}

// CompleteRun finalizes a run as completed. The row is terminal afterwards.
func (db *DB) CompleteRun(ctx context.Context, runID uuid.UUID, counts RunCounts) error {
	return db.closeRun(ctx, runID, RunStatusCompleted, counts, "", nil)
}

// FailRun finalizes a run as failed, recording the message and structured
// details for the health endpoint.
func (db *DB) FailRun(ctx context.Context, runID uuid.UUID, counts RunCounts, errMsg string, details map[string]any) error {
	return db.closeRun(ctx, runID, RunStatusFailed, counts, errMsg, details)
}

func (db *DB) closeRun(ctx context.Context, runID uuid.UUID, status string, counts RunCounts, errMsg string, details map[string]any) error {
	ctx, span := tracer.Start(ctx, "db.close_run",
		trace.WithAttributes(
			attribute.String("run.id", runID.String()),
			attribute.String("run.status", status),
		))
	defer span.End()

	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal error details: %w", err)
		}
	}

	query := `
		UPDATE processing_log
		SET completed_at = NOW(),
			status = $2,
			conversations_processed = $3,
			conversations_skipped = $4,
			conversations_failed = $5,
			llm_requests_made = $6,
			llm_cost_estimate = $7,
			duration_seconds = EXTRACT(EPOCH FROM (NOW() - started_at)),
			error_message = NULLIF($8, ''),
			error_details = $9
		WHERE id = $1 AND status = $10
	`
	result, err := db.conn.ExecContext(ctx, query,
		runID, status,
		counts.Processed, counts.Skipped, counts.Failed,
		counts.LLMRequests, counts.LLMCost,
		errMsg, detailsJSON, RunStatusRunning,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to close run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check close run result: %w", err)
	}
	if affected == 0 {
		// Either the run does not exist or it already left the running
		// state; terminal rows are immutable.
		return ErrRunNotFound
	}
	return nil
}

// failStaleRuns closes running rows older than staleRunAge as failed.
func (db *DB) failStaleRuns(ctx context.Context) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE processing_log
		SET completed_at = NOW(),
			status = $1,
			duration_seconds = EXTRACT(EPOCH FROM (NOW() - started_at)),
			error_message = 'run abandoned: process exited without closing the run'
		WHERE status = $2 AND started_at < NOW() - make_interval(secs => $3)
	`, RunStatusFailed, RunStatusRunning, staleRunAge.Seconds())
	if err != nil {
		return fmt.Errorf("failed to close stale runs: %w", err)
	}
	if closed, err := result.RowsAffected(); err == nil && closed > 0 {
		logger.Warn("closed abandoned processing runs", "count", closed)
	}
	return nil
}

// LatestRun returns the most recently started run, or ErrRunNotFound when
// no run has ever executed.
func (db *DB) LatestRun(ctx context.Context) (*ProcessingRun, error) {
	query := `
		SELECT id, run_date, started_at, completed_at, status,
			conversations_processed, conversations_skipped, conversations_failed,
			llm_requests_made, llm_cost_estimate, duration_seconds,
			error_message, triggered_by
		FROM processing_log
		ORDER BY started_at DESC
		LIMIT 1
	`

	var run ProcessingRun
	err := db.conn.QueryRowContext(ctx, query).Scan(
		&run.ID, &run.RunDate, &run.StartedAt, &run.CompletedAt, &run.Status,
		&run.Processed, &run.Skipped, &run.Failed,
		&run.LLMRequests, &run.LLMCostEstimate, &run.DurationSeconds,
		&run.ErrorMessage, &run.TriggeredBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return &run, nil
}

// HasActiveRun reports whether any run is still in the running state.
func (db *DB) HasActiveRun(ctx context.Context) (bool, error) {
	var active bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processing_log WHERE status = $1)`,
		RunStatusRunning,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to check active run: %w", err)
	}
	return active, nil
}

// RunStatusModel converts a ProcessingRun row to its API representation.
func (r *ProcessingRun) RunStatusModel() *models.RunStatus {
	status := &models.RunStatus{
		ID:              r.ID.String(),
		RunDate:         r.RunDate.Format(dateLayout),
		StartedAt:       r.StartedAt,
		CompletedAt:     scanNullTime(r.CompletedAt),
		Status:          r.Status,
		Processed:       r.Processed,
		Skipped:         r.Skipped,
		Failed:          r.Failed,
		LLMRequests:     r.LLMRequests,
		LLMCostEstimate: r.LLMCostEstimate.StringFixed(4),
	}
	if r.DurationSeconds.Valid {
		status.DurationSeconds = r.DurationSeconds.Float64
	}
	if r.ErrorMessage.Valid {
		status.ErrorMessage = r.ErrorMessage.String
	}
	if r.TriggeredBy != "" {
		status.TriggeredBy = r.TriggeredBy
	}
	return status
}
