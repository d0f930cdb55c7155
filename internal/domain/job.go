package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobType distinguishes single-symbol definitions from provider-batched ones.
type JobType string

const (
	JobTypeSingle JobType = "single"
	JobTypeBatch  JobType = "batch"
)

// JobDefinition is a declared backfill intent. Definitions are disabled
// rather than deleted when superseded, and re-enabled on re-trigger.
type JobDefinition struct {
	ID           string    `json:"id" db:"id"`
	JobType      JobType   `json:"jobType" db:"job_type"`
	Symbols      []string  `json:"symbols" db:"-"`
	Timeframe    Timeframe `json:"timeframe" db:"timeframe"`
	WindowDays   int       `json:"windowDays" db:"window_days"`
	Priority     int       `json:"priority" db:"priority"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	BatchNumber  int       `json:"batchNumber,omitempty" db:"batch_number"`
	TotalBatches int       `json:"totalBatches,omitempty" db:"total_batches"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// Key is the idempotency key for definition upserts: two triggers for the
// same symbol set, timeframe and window reuse one definition.
func (d JobDefinition) Key() string {
	return DefinitionKey(d.Symbols, d.Timeframe, d.WindowDays)
}

// DefinitionKey builds the idempotency key from its parts.
func DefinitionKey(symbols []string, tf Timeframe, windowDays int) string {
	return fmt.Sprintf("%s|%s|%d", strings.Join(symbols, ","), tf, windowDays)
}

// Validate enforces the typed symbol-list invariants at creation time.
func (d JobDefinition) Validate(maxBatchSize int) error {
	if len(d.Symbols) == 0 {
		return fmt.Errorf("job definition requires at least one symbol")
	}
	if len(d.Symbols) > maxBatchSize {
		return fmt.Errorf("job definition has %d symbols, provider batch cap is %d", len(d.Symbols), maxBatchSize)
	}
	if d.WindowDays <= 0 {
		return fmt.Errorf("window_days must be positive, got %d", d.WindowDays)
	}
	return nil
}

// ChunkStatus is the lifecycle state of one unit of fetch work.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkInProgress ChunkStatus = "in_progress"
	ChunkDone       ChunkStatus = "done"
	ChunkError      ChunkStatus = "error"
)

// Chunk is the smallest independently retryable unit of backfill work: one
// date slice for one symbol. A chunk is eligible for dispatch only while
// status is pending or error and try_count < max attempts.
type Chunk struct {
	ID         string      `json:"id" db:"id"`
	JobID      string      `json:"jobId" db:"job_id"`
	Symbol     string      `json:"symbol" db:"symbol"`
	Timeframe  Timeframe   `json:"timeframe" db:"timeframe"`
	SliceStart time.Time   `json:"sliceStart" db:"slice_start"`
	SliceEnd   time.Time   `json:"sliceEnd" db:"slice_end"`
	Status     ChunkStatus `json:"status" db:"status"`
	TryCount   int         `json:"tryCount" db:"try_count"`
	LastError  string      `json:"lastError,omitempty" db:"last_error"`
	UpdatedAt  time.Time   `json:"updatedAt" db:"updated_at"`
}

// Terminal reports whether the chunk can no longer be dispatched.
func (c Chunk) Terminal(maxAttempts int) bool {
	return c.Status == ChunkDone || (c.Status == ChunkError && c.TryCount >= maxAttempts)
}

// RunStatus is the aggregate state of a JobRun.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// JobRun aggregates chunk progress for one definition. It is updated
// incrementally as chunks reach terminal states.
type JobRun struct {
	JobDefID        string     `json:"jobDefId" db:"job_def_id"`
	Status          RunStatus  `json:"status" db:"status"`
	TotalChunks     int        `json:"totalSlices" db:"total_chunks"`
	CompletedChunks int        `json:"completedSlices" db:"completed_chunks"`
	FailedChunks    int        `json:"failedSlices" db:"failed_chunks"`
	BarsWritten     int64      `json:"barsWritten" db:"bars_written"`
	StartedAt       time.Time  `json:"startedAt" db:"started_at"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
}

// ProgressPercent returns completed work as a 0-100 integer, counting
// permanently failed chunks as resolved so pollers see progress stabilize.
func (r JobRun) ProgressPercent() int {
	if r.TotalChunks == 0 {
		return 0
	}
	return (r.CompletedChunks + r.FailedChunks) * 100 / r.TotalChunks
}
