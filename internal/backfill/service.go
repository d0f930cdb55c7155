package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/candlekeep/candlekeep/internal/coverage"
	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// Ensure-coverage result statuses.
const (
	StatusComplete     = "coverage_complete"
	StatusGapsDetected = "gaps_detected"
)

// EnsureResult is the Coverage API response: either the window is fully
// covered, or a backfill job exists and the caller should poll its progress.
type EnsureResult struct {
	Status   string                `json:"status"`
	JobDefID string                `json:"jobDefId,omitempty"`
	Coverage domain.CoverageStatus `json:"coverageStatus"`
	Progress *Progress             `json:"backfillProgress,omitempty"`
}

// Progress is the JobRun snapshot pollers consume.
type Progress struct {
	CompletedSlices int    `json:"completedSlices"`
	FailedSlices    int    `json:"failedSlices"`
	TotalSlices     int    `json:"totalSlices"`
	ProgressPercent int    `json:"progressPercent"`
	BarsWritten     int64  `json:"barsWritten"`
	RunStatus       string `json:"runStatus"`
}

func progressOf(run *domain.JobRun) *Progress {
	if run == nil {
		return nil
	}
	return &Progress{
		CompletedSlices: run.CompletedChunks,
		FailedSlices:    run.FailedChunks,
		TotalSlices:     run.TotalChunks,
		ProgressPercent: run.ProgressPercent(),
		BarsWritten:     run.BarsWritten,
		RunStatus:       string(run.Status),
	}
}

// Service is the synchronous entry point clients call: ensure-coverage,
// manual worker drains, and job status reads. It never performs provider
// I/O inline; fetch work always goes through the orchestrator pipeline.
type Service struct {
	repos    *persistence.Repository
	detector *coverage.Detector
	planner  *Planner
	worker   *Worker
	metrics  *metrics.Registry
	cfg      Config
	now      func() time.Time
}

// NewService assembles the coverage entry point.
func NewService(repos *persistence.Repository, detector *coverage.Detector, planner *Planner, worker *Worker, reg *metrics.Registry, cfg Config) *Service {
	return &Service{
		repos:    repos,
		detector: detector,
		planner:  planner,
		worker:   worker,
		metrics:  reg,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// EnsureCoverage checks the trailing window for gaps. A fully covered window
// returns immediately; otherwise the definition and its chunks are upserted
// (idempotently, so repeated calls reuse one job) and the current run
// snapshot is returned for polling. The symbol is canonicalized to upper
// case here so detector reads, stored bars and definition keys all agree
// regardless of the caller's spelling.
func (s *Service) EnsureCoverage(ctx context.Context, symbol string, tf domain.Timeframe, windowDays, priority int) (*EnsureResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if windowDays <= 0 {
		return nil, fmt.Errorf("window_days must be positive, got %d", windowDays)
	}
	end := s.now().UTC()
	start := end.AddDate(0, 0, -windowDays)

	status, err := s.detector.Status(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, fmt.Errorf("coverage check for %s/%s failed: %w", symbol, tf, err)
	}

	if status.GapsFound == 0 {
		s.metrics.RecordCoverageRequest(StatusComplete)
		return &EnsureResult{Status: StatusComplete, Coverage: status}, nil
	}

	jobID, err := s.planner.Plan(ctx, PlanRequest{
		Symbols:    []string{symbol},
		Timeframe:  tf,
		WindowDays: windowDays,
		Priority:   priority,
	})
	if err != nil {
		return nil, err
	}

	run, err := s.repos.Runs.Get(ctx, jobID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("failed to load run for job %s: %w", jobID, err)
	}

	s.metrics.RecordCoverageRequest(StatusGapsDetected)
	return &EnsureResult{
		Status:   StatusGapsDetected,
		JobDefID: jobID,
		Coverage: status,
		Progress: progressOf(run),
	}, nil
}

// RunWorkerBatch synchronously drains up to limit claimable chunks across
// due definitions, in priority order. It is the substrate of the external
// worker trigger; claim conflicts shrink the batch without erroring.
func (s *Service) RunWorkerBatch(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = s.cfg.WorkerBatch
	}

	var total Summary
	defs, err := s.repos.Jobs.Due(ctx, s.cfg.JobLimit)
	if err != nil {
		return total, err
	}

	remaining := limit
	for _, def := range defs {
		if remaining <= 0 {
			break
		}
		chunks, err := s.repos.Chunks.Claimable(ctx, def.ID, s.cfg.MaxAttempts, remaining)
		if err != nil {
			return total, err
		}
		if len(chunks) == 0 {
			continue
		}
		if def.JobType == domain.JobTypeBatch {
			for _, group := range groupBySlice(chunks) {
				total.add(s.worker.ProcessGroup(ctx, group))
			}
		} else {
			for _, chunk := range chunks {
				total.add(s.worker.ProcessGroup(ctx, []domain.Chunk{chunk}))
			}
		}
		remaining = limit - total.Processed
	}
	return total, nil
}

// JobStatus returns the definition and run snapshot for one job.
func (s *Service) JobStatus(ctx context.Context, jobID string) (*domain.JobDefinition, *Progress, error) {
	def, err := s.repos.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	run, err := s.repos.Runs.Get(ctx, jobID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, nil, err
	}
	return def, progressOf(run), nil
}
