// Package persistence defines the storage contracts for the coverage and
// backfill engine. Bar rows are shared read-many, written only by workers;
// definition, chunk and run rows are owned exclusively by the orchestration
// subsystem.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/candlekeep/candlekeep/internal/domain"
)

// ErrConflict is returned when a chunk claim loses the conditional update
// race. Callers treat it as a skip, never as a failure.
var ErrConflict = errors.New("claim conflict: chunk owned by another worker")

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// TimeRange is a half-open window [From, To).
type TimeRange struct {
	From time.Time
	To   time.Time
}

// CoverageWindow summarizes stored non-forecast bars in a window.
type CoverageWindow struct {
	BarCount int
	Oldest   *time.Time
	Newest   *time.Time
}

// BarRepo persists and reads OHLC bars.
type BarRepo interface {
	// UpsertBatch writes bars idempotently on the composite key
	// (symbol, timeframe, ts, provider, is_forecast) and returns the
	// number of rows written.
	UpsertBatch(ctx context.Context, bars []domain.Bar) (int, error)

	// Timestamps returns sorted distinct timestamps of non-forecast bars
	// for the symbol/timeframe in [tr.From, tr.To), regardless of provider.
	Timestamps(ctx context.Context, symbol string, tf domain.Timeframe, tr TimeRange) ([]time.Time, error)

	// Window summarizes non-forecast coverage for the window.
	Window(ctx context.Context, symbol string, tf domain.Timeframe, tr TimeRange) (CoverageWindow, error)

	// Read returns at most one bar per timestamp, resolved by provider
	// preference order, sorted by timestamp ascending.
	Read(ctx context.Context, symbol string, tf domain.Timeframe, tr TimeRange, prefs domain.ProviderPreference) ([]domain.Bar, error)
}

// JobRepo persists backfill definitions.
type JobRepo interface {
	// Upsert creates a definition or re-enables the existing one sharing
	// the same idempotency key, returning the definition id and whether a
	// new row was created.
	Upsert(ctx context.Context, def domain.JobDefinition) (string, bool, error)

	// Get returns one definition by id.
	Get(ctx context.Context, id string) (*domain.JobDefinition, error)

	// Due returns enabled definitions ordered by priority desc,
	// created_at asc.
	Due(ctx context.Context, limit int) ([]domain.JobDefinition, error)

	// SetEnabled toggles dispatch for a definition. Disabling stops future
	// dispatch but never rolls back written bars.
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// ChunkRepo persists chunk work units.
type ChunkRepo interface {
	// InsertMissing inserts chunks that do not already exist for their
	// (job_id, symbol, slice) key and returns how many were created.
	InsertMissing(ctx context.Context, chunks []domain.Chunk) (int, error)

	// Claimable returns dispatchable chunks for a job, oldest slice first:
	// status in (pending, error), try_count < maxAttempts, and past their
	// retry backoff.
	Claimable(ctx context.Context, jobID string, maxAttempts, limit int) ([]domain.Chunk, error)

	// Claim transitions one chunk to in_progress under a conditional
	// update. Exactly one concurrent caller wins; losers get ErrConflict.
	Claim(ctx context.Context, chunkID string, maxAttempts int) (*domain.Chunk, error)

	// MarkDone records a successful fetch.
	MarkDone(ctx context.Context, chunkID string) error

	// MarkError increments try_count and records the failure. Permanent
	// failures pass exhausted=true to pin try_count at maxAttempts.
	MarkError(ctx context.Context, chunkID string, lastError string, exhausted bool, maxAttempts int) error

	// CountByStatus returns chunk counts per status for a job.
	CountByStatus(ctx context.Context, jobID string) (map[domain.ChunkStatus]int, error)

	// RecoverStale returns chunks stuck in_progress longer than staleAfter
	// to the error state so they become claimable again.
	RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

// RunRepo persists aggregate job progress.
type RunRepo interface {
	// Ensure creates the run row for a definition if absent and bumps
	// total_chunks to the given value.
	Ensure(ctx context.Context, jobDefID string, totalChunks int) error

	// Apply adds chunk completion deltas to the run.
	Apply(ctx context.Context, jobDefID string, completedDelta, failedDelta int, barsDelta int64) error

	// Finalize transitions the run to success, partial or failed once
	// every chunk is terminal. It is a no-op while work remains.
	Finalize(ctx context.Context, jobDefID string, maxAttempts int) error

	// Get returns the current run snapshot.
	Get(ctx context.Context, jobDefID string) (*domain.JobRun, error)
}

// Repository bundles every repo behind one handle.
type Repository struct {
	Bars   BarRepo
	Jobs   JobRepo
	Chunks ChunkRepo
	Runs   RunRepo
}
