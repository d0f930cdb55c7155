package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// runsRepo implements RunRepo for PostgreSQL
type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunsRepo creates a new PostgreSQL job runs repository
func NewRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.RunRepo {
	return &runsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Ensure creates the run row if absent and raises total_chunks when the
// planner materializes additional chunks for a re-triggered definition.
func (r *runsRepo) Ensure(ctx context.Context, jobDefID string, totalChunks int) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO job_runs (job_def_id, status, total_chunks)
		VALUES ($1, 'running', $2)
		ON CONFLICT (job_def_id) DO UPDATE SET
			total_chunks = GREATEST(job_runs.total_chunks, EXCLUDED.total_chunks),
			status = CASE WHEN EXCLUDED.total_chunks > job_runs.completed_chunks + job_runs.failed_chunks
			              THEN 'running' ELSE job_runs.status END,
			finished_at = CASE WHEN EXCLUDED.total_chunks > job_runs.completed_chunks + job_runs.failed_chunks
			              THEN NULL ELSE job_runs.finished_at END`

	if _, err := r.db.ExecContext(ctx, query, jobDefID, totalChunks); err != nil {
		return fmt.Errorf("failed to ensure job run: %w", err)
	}
	return nil
}

// Apply adds chunk completion deltas to the run.
func (r *runsRepo) Apply(ctx context.Context, jobDefID string, completedDelta, failedDelta int, barsDelta int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE job_runs
		SET completed_chunks = completed_chunks + $2,
		    failed_chunks = failed_chunks + $3,
		    bars_written = bars_written + $4
		WHERE job_def_id = $1`

	if _, err := r.db.ExecContext(ctx, query, jobDefID, completedDelta, failedDelta, barsDelta); err != nil {
		return fmt.Errorf("failed to apply run deltas: %w", err)
	}
	return nil
}

// Finalize transitions the run to a terminal state once every chunk is
// terminal: success with no failures, failed when nothing completed,
// partial otherwise. No-op while dispatchable chunks remain. The outcome
// is derived from the chunks table, not the incrementally-applied run
// counters: a chunk's MarkError and its counter delta are separate
// statements, so the counters can lag mid-settlement.
func (r *runsRepo) Finalize(ctx context.Context, jobDefID string, maxAttempts int) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE job_runs SET
			status = CASE
				WHEN agg.failed = 0 THEN 'success'
				WHEN agg.done = 0 THEN 'failed'
				ELSE 'partial'
			END,
			finished_at = now()
		FROM (
			SELECT
				count(*) FILTER (WHERE c.status = 'done') AS done,
				count(*) FILTER (WHERE c.status = 'error' AND c.try_count >= $2) AS failed,
				count(*) FILTER (WHERE c.status != 'done'
				                 AND NOT (c.status = 'error' AND c.try_count >= $2)) AS open
			FROM backfill_chunks c
			WHERE c.job_id = $1
		) agg
		WHERE job_runs.job_def_id = $1
		  AND job_runs.status = 'running'
		  AND agg.open = 0`

	if _, err := r.db.ExecContext(ctx, query, jobDefID, maxAttempts); err != nil {
		return fmt.Errorf("failed to finalize job run: %w", err)
	}
	return nil
}

// Get returns the current run snapshot.
func (r *runsRepo) Get(ctx context.Context, jobDefID string) (*domain.JobRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT job_def_id, status, total_chunks, completed_chunks,
		       failed_chunks, bars_written, started_at, finished_at
		FROM job_runs
		WHERE job_def_id = $1`

	var run domain.JobRun
	err := r.db.QueryRowxContext(ctx, query, jobDefID).Scan(
		&run.JobDefID, &run.Status, &run.TotalChunks, &run.CompletedChunks,
		&run.FailedChunks, &run.BarsWritten, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}
	return &run, nil
}
