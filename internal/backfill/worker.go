package backfill

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/persistence"
	"github.com/candlekeep/candlekeep/internal/provider"
)

// ErrSkipped marks a chunk another worker already owns. Not a failure.
var ErrSkipped = errors.New("chunk claimed elsewhere")

// Summary is the outcome of one worker pass over a set of chunks.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (s *Summary) add(other Summary) {
	s.Processed += other.Processed
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
}

// Worker claims chunks, runs the provider round trip, upserts bars and
// settles chunk and run bookkeeping. All of its state transitions go through
// the conditional claim, so any number of workers can run concurrently.
type Worker struct {
	repos        *persistence.Repository
	adapter      provider.Adapter
	metrics      *metrics.Registry
	maxAttempts  int
	fetchTimeout time.Duration
}

// NewWorker wires a worker to its storage, provider and instrumentation.
func NewWorker(repos *persistence.Repository, adapter provider.Adapter, reg *metrics.Registry, maxAttempts int, fetchTimeout time.Duration) *Worker {
	return &Worker{
		repos:        repos,
		adapter:      adapter,
		metrics:      reg,
		maxAttempts:  maxAttempts,
		fetchTimeout: fetchTimeout,
	}
}

// ProcessChunk claims and executes one chunk. Returns the number of bars
// written, or ErrSkipped when the claim was lost to another worker.
func (w *Worker) ProcessChunk(ctx context.Context, chunkID string) (int, error) {
	claimed, err := w.repos.Chunks.Claim(ctx, chunkID, w.maxAttempts)
	if err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			w.metrics.RecordChunk("conflict")
			return 0, ErrSkipped
		}
		return 0, err
	}
	summary, written, err := w.execute(ctx, []domain.Chunk{*claimed})
	if summary.Failed > 0 {
		return written, err
	}
	return written, nil
}

// ProcessGroup claims every chunk in the group and satisfies all winners
// with a single provider call. Groups come from batch job definitions where
// the chunks share one timeframe and date slice across many symbols; the one
// response fans out to each member chunk's status update. Claim conflicts
// shrink the group silently.
func (w *Worker) ProcessGroup(ctx context.Context, chunks []domain.Chunk) Summary {
	claimed := make([]domain.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		got, err := w.repos.Chunks.Claim(ctx, chunk.ID, w.maxAttempts)
		if err != nil {
			if errors.Is(err, persistence.ErrConflict) {
				w.metrics.RecordChunk("conflict")
				continue
			}
			log.Error().Err(err).Str("chunk_id", chunk.ID).Msg("Chunk claim failed")
			continue
		}
		claimed = append(claimed, *got)
	}
	if len(claimed) == 0 {
		return Summary{}
	}
	summary, _, _ := w.execute(ctx, claimed)
	return summary
}

// execute runs one provider fetch for a set of claimed chunks sharing a
// timeframe and slice, then settles each chunk independently. The returned
// error is the first failure encountered; group callers rely on the summary
// instead since member chunks settle independently.
func (w *Worker) execute(ctx context.Context, claimed []domain.Chunk) (Summary, int, error) {
	symbols := make([]string, len(claimed))
	for i, chunk := range claimed {
		symbols[i] = chunk.Symbol
	}
	lead := claimed[0]

	fctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	w.metrics.InflightFetches.Inc()
	bars, err := w.adapter.FetchBars(fctx, symbols, lead.Timeframe, lead.SliceStart, lead.SliceEnd)
	w.metrics.InflightFetches.Dec()

	summary := Summary{Processed: len(claimed)}
	if err != nil {
		kind := provider.KindOf(err)
		w.metrics.RecordProviderRequest(w.adapter.Name(), string(kind))
		log.Warn().Err(err).
			Str("kind", string(kind)).
			Strs("symbols", symbols).
			Time("slice_start", lead.SliceStart).
			Msg("Provider fetch failed")
		for _, chunk := range claimed {
			w.settleFailure(ctx, chunk, kind, err)
		}
		summary.Failed = len(claimed)
		w.finalize(ctx, lead.JobID)
		return summary, 0, err
	}
	w.metrics.RecordProviderRequest(w.adapter.Name(), "ok")

	total := 0
	var firstErr error
	for _, chunk := range claimed {
		written, uerr := w.repos.Bars.UpsertBatch(ctx, bars[chunk.Symbol])
		if uerr != nil {
			w.settleFailure(ctx, chunk, provider.KindTransient, uerr)
			summary.Failed++
			if firstErr == nil {
				firstErr = uerr
			}
			continue
		}
		if err := w.repos.Chunks.MarkDone(ctx, chunk.ID); err != nil {
			log.Error().Err(err).Str("chunk_id", chunk.ID).Msg("Failed to mark chunk done")
			summary.Failed++
			continue
		}
		if err := w.repos.Runs.Apply(ctx, chunk.JobID, 1, 0, int64(written)); err != nil {
			log.Error().Err(err).Str("job_id", chunk.JobID).Msg("Failed to apply run progress")
		}
		w.metrics.RecordChunk("done")
		w.metrics.RecordBars(written)
		total += written
		summary.Succeeded++
	}
	w.finalize(ctx, lead.JobID)
	return summary, total, firstErr
}

// settleFailure records one failed attempt. Rate-limited and transient
// errors leave the chunk retryable; not-found and permanent errors exhaust
// its attempts immediately. A schema mismatch is forgiven on first sight;
// only a repeat schema failure exhausts the chunk, so earlier failures of
// other kinds do not count against it.
func (w *Worker) settleFailure(ctx context.Context, chunk domain.Chunk, kind provider.ErrorKind, cause error) {
	exhausted := false
	switch kind {
	case provider.KindNotFound, provider.KindPermanent:
		exhausted = true
	case provider.KindSchema:
		exhausted = chunk.TryCount > 0 && lastFailureWasSchema(chunk)
	}

	if err := w.repos.Chunks.MarkError(ctx, chunk.ID, cause.Error(), exhausted, w.maxAttempts); err != nil {
		log.Error().Err(err).Str("chunk_id", chunk.ID).Msg("Failed to mark chunk error")
		return
	}

	tries := chunk.TryCount + 1
	if exhausted {
		tries = w.maxAttempts
	}
	if tries >= w.maxAttempts {
		w.metrics.RecordChunk("failed")
		if err := w.repos.Runs.Apply(ctx, chunk.JobID, 0, 1, 0); err != nil {
			log.Error().Err(err).Str("job_id", chunk.JobID).Msg("Failed to apply run progress")
		}
		return
	}
	w.metrics.RecordChunk("retry")
}

// lastFailureWasSchema inspects the persisted last_error for the schema
// classification tag that provider.Error renders into its message.
func lastFailureWasSchema(chunk domain.Chunk) bool {
	return strings.Contains(chunk.LastError, string(provider.KindSchema))
}

func (w *Worker) finalize(ctx context.Context, jobID string) {
	if err := w.repos.Runs.Finalize(ctx, jobID, w.maxAttempts); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to finalize job run")
	}
}
