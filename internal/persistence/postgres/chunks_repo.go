package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// chunksRepo implements ChunkRepo for PostgreSQL
type chunksRepo struct {
	db           *sqlx.DB
	timeout      time.Duration
	retryBackoff time.Duration
}

// NewChunksRepo creates a new PostgreSQL chunks repository. retryBackoff is
// the base delay before a failed chunk becomes claimable again; it doubles
// per attempt up to 2^6.
func NewChunksRepo(db *sqlx.DB, timeout, retryBackoff time.Duration) persistence.ChunkRepo {
	return &chunksRepo{
		db:           db,
		timeout:      timeout,
		retryBackoff: retryBackoff,
	}
}

const chunkColumns = `id, job_id, symbol, timeframe, slice_start, slice_end,
	status, try_count, COALESCE(last_error, ''), updated_at`

// InsertMissing inserts chunks that do not already exist for their
// (job_id, symbol, slice_start) key.
func (r *chunksRepo) InsertMissing(ctx context.Context, chunks []domain.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(chunks)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backfill_chunks (id, job_id, symbol, timeframe, slice_start, slice_end, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (job_id, symbol, slice_start) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	created := 0
	for _, chunk := range chunks {
		id := chunk.ID
		if id == "" {
			id = uuid.NewString()
		}
		result, err := stmt.ExecContext(ctx, id, chunk.JobID, chunk.Symbol,
			chunk.Timeframe, chunk.SliceStart, chunk.SliceEnd)
		if err != nil {
			return 0, fmt.Errorf("failed to insert chunk %s/%s: %w", chunk.Symbol, chunk.SliceStart.Format("2006-01-02"), err)
		}
		if n, err := result.RowsAffected(); err == nil {
			created += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit chunk insert: %w", err)
	}
	return created, nil
}

// Claimable returns dispatchable chunks oldest slice first. Errored chunks
// wait out an exponential backoff keyed on try_count before reappearing.
func (r *chunksRepo) Claimable(ctx context.Context, jobID string, maxAttempts, limit int) ([]domain.Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s
		FROM backfill_chunks
		WHERE job_id = $1
		  AND status IN ('pending', 'error')
		  AND try_count < $2
		  AND (status = 'pending'
		       OR updated_at <= now() - ($3 * power(2, LEAST(try_count, 6)) * interval '1 second'))
		ORDER BY slice_start ASC
		LIMIT $4`, chunkColumns)

	rows, err := r.db.QueryxContext(ctx, query, jobID, maxAttempts, r.retryBackoff.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable chunks: %w", err)
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rowScanner{rows})
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, *chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// Claim transitions pending|error -> in_progress under a single conditional
// update so concurrent ticks cannot double-dispatch a chunk.
func (r *chunksRepo) Claim(ctx context.Context, chunkID string, maxAttempts int) (*domain.Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE backfill_chunks
		SET status = 'in_progress', updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'error')
		  AND try_count < $2
		RETURNING %s`, chunkColumns)

	chunk, err := scanChunk(r.db.QueryRowxContext(ctx, query, chunkID, maxAttempts))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrConflict
		}
		return nil, fmt.Errorf("failed to claim chunk: %w", err)
	}
	return chunk, nil
}

// MarkDone records a successful fetch.
func (r *chunksRepo) MarkDone(ctx context.Context, chunkID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE backfill_chunks
		SET status = 'done', last_error = NULL, updated_at = now()
		WHERE id = $1`, chunkID)
	if err != nil {
		return fmt.Errorf("failed to mark chunk done: %w", err)
	}
	return nil
}

// MarkError increments try_count and re-queues the chunk; exhausted pins
// try_count to maxAttempts so the chunk is excluded from future dispatch.
func (r *chunksRepo) MarkError(ctx context.Context, chunkID string, lastError string, exhausted bool, maxAttempts int) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE backfill_chunks
		SET status = 'error',
		    try_count = CASE WHEN $3 THEN $4 ELSE try_count + 1 END,
		    last_error = $2,
		    updated_at = now()
		WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, chunkID, lastError, exhausted, maxAttempts); err != nil {
		return fmt.Errorf("failed to mark chunk error: %w", err)
	}
	return nil
}

// CountByStatus returns chunk counts per status for a job.
func (r *chunksRepo) CountByStatus(ctx context.Context, jobID string) (map[domain.ChunkStatus]int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT status, COUNT(*)
		FROM backfill_chunks
		WHERE job_id = $1
		GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ChunkStatus]int)
	for rows.Next() {
		var status domain.ChunkStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan chunk count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// RecoverStale returns chunks stuck in_progress past the deadline to the
// error state without consuming an extra attempt.
func (r *chunksRepo) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE backfill_chunks
		SET status = 'error', last_error = 'worker timed out', updated_at = now()
		WHERE status = 'in_progress'
		  AND updated_at <= now() - ($1 * interval '1 second')`,
		staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale chunks: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered chunks: %w", err)
	}
	return int(n), nil
}

func scanChunk(s scanner) (*domain.Chunk, error) {
	var chunk domain.Chunk
	err := s.Scan(&chunk.ID, &chunk.JobID, &chunk.Symbol, &chunk.Timeframe,
		&chunk.SliceStart, &chunk.SliceEnd, &chunk.Status, &chunk.TryCount,
		&chunk.LastError, &chunk.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}
