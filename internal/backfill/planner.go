// Package backfill turns declared coverage intent into bounded, retryable
// fetch work: the planner materializes chunks, the orchestrator dispatches
// them, and workers execute the provider round trips.
package backfill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// PlanRequest declares one backfill intent. Single-symbol requests become
// single jobs; multi-symbol requests become batch jobs bounded by the
// provider's batch cap.
type PlanRequest struct {
	Symbols    []string
	Timeframe  domain.Timeframe
	WindowDays int
	Priority   int
}

// Planner upserts job definitions and materializes their chunks.
type Planner struct {
	repos        *persistence.Repository
	maxBatchSize int
	now          func() time.Time
}

// NewPlanner creates a planner bounded by the provider's batch cap.
func NewPlanner(repos *persistence.Repository, maxBatchSize int) *Planner {
	return &Planner{repos: repos, maxBatchSize: maxBatchSize, now: time.Now}
}

// Plan upserts the job definition for the request and ensures every slice in
// its window has a chunk. Re-triggering the same request reuses the existing
// definition; chunks already present (done or otherwise) are left untouched,
// so re-planning never resets progress.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (string, error) {
	// Canonical upper-case symbols keep definition keys, chunk rows and
	// stored bars in one spelling no matter how the request arrived.
	symbols := make([]string, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(symbol)))
	}
	req.Symbols = symbols

	jobType := domain.JobTypeSingle
	if len(req.Symbols) > 1 {
		jobType = domain.JobTypeBatch
	}
	def := domain.JobDefinition{
		JobType:    jobType,
		Symbols:    req.Symbols,
		Timeframe:  req.Timeframe,
		WindowDays: req.WindowDays,
		Priority:   req.Priority,
	}
	if err := def.Validate(p.maxBatchSize); err != nil {
		return "", err
	}

	jobID, created, err := p.repos.Jobs.Upsert(ctx, def)
	if err != nil {
		return "", fmt.Errorf("failed to upsert job definition: %w", err)
	}

	// Anchor the window at UTC midnight so repeated triggers within a day
	// produce identical slice boundaries and the chunk insert stays a no-op.
	// The current partial day is the live feed's job, not backfill's.
	end := p.now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -req.WindowDays)
	slices := SplitWindow(req.Timeframe, start, end)

	chunks := make([]domain.Chunk, 0, len(slices)*len(req.Symbols))
	for _, symbol := range req.Symbols {
		for _, slice := range slices {
			chunks = append(chunks, domain.Chunk{
				JobID:      jobID,
				Symbol:     symbol,
				Timeframe:  req.Timeframe,
				SliceStart: slice.From,
				SliceEnd:   slice.To,
			})
		}
	}

	inserted, err := p.repos.Chunks.InsertMissing(ctx, chunks)
	if err != nil {
		return "", fmt.Errorf("failed to materialize chunks for job %s: %w", jobID, err)
	}
	if err := p.repos.Runs.Ensure(ctx, jobID, len(chunks)); err != nil {
		return "", fmt.Errorf("failed to ensure job run for %s: %w", jobID, err)
	}

	log.Info().
		Str("job_id", jobID).
		Bool("created", created).
		Strs("symbols", req.Symbols).
		Str("timeframe", string(req.Timeframe)).
		Int("window_days", req.WindowDays).
		Int("chunks_total", len(chunks)).
		Int("chunks_new", inserted).
		Msg("Backfill planned")

	return jobID, nil
}

// sliceSize is the chunk granularity per timeframe: one day for intraday
// series, 90 days for daily and weekly.
func sliceSize(tf domain.Timeframe) time.Duration {
	if tf.Intraday() {
		return 24 * time.Hour
	}
	return 90 * 24 * time.Hour
}

// SplitWindow cuts [start, end) into consecutive half-open slices stepping
// from start, the last one clipped at end.
func SplitWindow(tf domain.Timeframe, start, end time.Time) []persistence.TimeRange {
	if !end.After(start) {
		return nil
	}
	size := sliceSize(tf)
	var slices []persistence.TimeRange
	for cursor := start; cursor.Before(end); cursor = cursor.Add(size) {
		sliceEnd := cursor.Add(size)
		if sliceEnd.After(end) {
			sliceEnd = end
		}
		slices = append(slices, persistence.TimeRange{From: cursor, To: sliceEnd})
	}
	return slices
}
