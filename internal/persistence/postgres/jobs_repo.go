package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// jobsRepo implements JobRepo for PostgreSQL
type jobsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJobsRepo creates a new PostgreSQL job definitions repository
func NewJobsRepo(db *sqlx.DB, timeout time.Duration) persistence.JobRepo {
	return &jobsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Upsert creates a definition or re-enables the one sharing its idempotency
// key. Concurrent duplicate triggers land on the same row via the unique
// def_key constraint.
func (r *jobsRepo) Upsert(ctx context.Context, def domain.JobDefinition) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	// xmax = 0 distinguishes a fresh insert from a conflict update.
	query := `
		INSERT INTO job_definitions
			(id, job_type, symbols, timeframe, window_days, priority, enabled,
			 batch_number, total_batches, def_key)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $9)
		ON CONFLICT (def_key) DO UPDATE SET
			enabled = TRUE,
			priority = GREATEST(job_definitions.priority, EXCLUDED.priority)
		RETURNING id, (xmax = 0) AS created`

	var id string
	var created bool
	err := r.db.QueryRowxContext(ctx, query,
		def.ID, def.JobType, pq.Array(def.Symbols), def.Timeframe,
		def.WindowDays, def.Priority, nullableInt(def.BatchNumber),
		nullableInt(def.TotalBatches), def.Key()).
		Scan(&id, &created)
	if err != nil {
		return "", false, fmt.Errorf("failed to upsert job definition: %w", err)
	}
	return id, created, nil
}

// Get returns one definition by id.
func (r *jobsRepo) Get(ctx context.Context, id string) (*domain.JobDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, job_type, symbols, timeframe, window_days, priority, enabled,
		       COALESCE(batch_number, 0), COALESCE(total_batches, 0), created_at
		FROM job_definitions
		WHERE id = $1`

	def, err := scanDefinition(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job definition: %w", err)
	}
	return def, nil
}

// Due returns enabled definitions in dispatch order.
func (r *jobsRepo) Due(ctx context.Context, limit int) ([]domain.JobDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, job_type, symbols, timeframe, window_days, priority, enabled,
		       COALESCE(batch_number, 0), COALESCE(total_batches, 0), created_at
		FROM job_definitions
		WHERE enabled = TRUE
		ORDER BY priority DESC, created_at ASC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due definitions: %w", err)
	}
	defer rows.Close()

	var defs []domain.JobDefinition
	for rows.Next() {
		def, err := scanDefinition(rowScanner{rows})
		if err != nil {
			return nil, fmt.Errorf("failed to scan job definition: %w", err)
		}
		defs = append(defs, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}
	return defs, nil
}

// SetEnabled toggles dispatch for a definition.
func (r *jobsRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx,
		`UPDATE job_definitions SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update job definition enabled flag: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// scanner abstracts *sqlx.Row and *sqlx.Rows for shared scan code.
type scanner interface {
	Scan(dest ...interface{}) error
}

type rowScanner struct{ rows *sqlx.Rows }

func (s rowScanner) Scan(dest ...interface{}) error { return s.rows.Scan(dest...) }

func scanDefinition(s scanner) (*domain.JobDefinition, error) {
	var def domain.JobDefinition
	var symbols pq.StringArray

	err := s.Scan(&def.ID, &def.JobType, &symbols, &def.Timeframe,
		&def.WindowDays, &def.Priority, &def.Enabled,
		&def.BatchNumber, &def.TotalBatches, &def.CreatedAt)
	if err != nil {
		return nil, err
	}
	def.Symbols = []string(symbols)
	return &def, nil
}

func nullableInt(v int) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
