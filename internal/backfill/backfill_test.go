package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/coverage"
	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/persistence/memory"
	"github.com/candlekeep/candlekeep/internal/provider"
)

// fakeAdapter returns barsPerSymbol synthetic bars per slice, or canned
// errors: errSeq is consumed one per call, then err applies to every call.
type fakeAdapter struct {
	mu            sync.Mutex
	calls         int
	err           error
	errSeq        []error
	barsPerSymbol int
	delay         time.Duration
}

func (f *fakeAdapter) Name() string      { return "fake" }
func (f *fakeAdapter) MaxBatchSize() int { return 50 }

func (f *fakeAdapter) FetchBars(_ context.Context, symbols []string, tf domain.Timeframe, start, end time.Time) (map[string][]domain.Bar, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	if len(f.errSeq) > 0 {
		err = f.errSeq[0]
		f.errSeq = f.errSeq[1:]
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string][]domain.Bar, len(symbols))
	for _, symbol := range symbols {
		var bars []domain.Bar
		for i := 0; i < f.barsPerSymbol; i++ {
			ts := start.Add(time.Duration(i) * tf.Interval())
			if !ts.Before(end) {
				break
			}
			bars = append(bars, domain.Bar{
				Symbol:     symbol,
				Timeframe:  tf,
				Timestamp:  ts,
				Open:       100,
				High:       101,
				Low:        99,
				Close:      100.5,
				Volume:     1000,
				Provider:   "fake",
				DataStatus: domain.DataStatusFinal,
			})
		}
		out[symbol] = bars
	}
	return out, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	store   *memory.Store
	service *Service
	worker  *Worker
	planner *Planner
}

func newFixture(t *testing.T, adapter provider.Adapter, cfg Config) *fixture {
	t.Helper()
	store := memory.NewStore()
	repos := store.Repos()
	reg := metrics.NewRegistry()

	// A generous gap threshold with no session calendar: sparse synthetic
	// days count as covered once their bars land, including the untracked
	// partial day between the last backfilled slice and now.
	detector := coverage.NewDetector(store, coverage.Config{
		MaxGap: map[domain.Timeframe]time.Duration{
			domain.TimeframeH1: 48 * time.Hour,
			domain.TimeframeD1: 8 * 24 * time.Hour,
		},
	})

	cfg = cfg.withDefaults()
	planner := NewPlanner(repos, adapter.MaxBatchSize())
	worker := NewWorker(repos, adapter, reg, cfg.MaxAttempts, cfg.FetchTimeout)
	service := NewService(repos, detector, planner, worker, reg, cfg)

	return &fixture{store: store, service: service, worker: worker, planner: planner}
}

func TestSplitWindow(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	intraday := SplitWindow(domain.TimeframeH1, start, start.AddDate(0, 0, 5))
	require.Len(t, intraday, 5)
	assert.Equal(t, start, intraday[0].From)
	assert.Equal(t, start.AddDate(0, 0, 1), intraday[0].To)
	assert.Equal(t, start.AddDate(0, 0, 5), intraday[4].To)

	daily := SplitWindow(domain.TimeframeD1, start, start.AddDate(0, 0, 100))
	require.Len(t, daily, 2)
	assert.Equal(t, start.Add(90*24*time.Hour), daily[0].To)
	assert.Equal(t, start.AddDate(0, 0, 100), daily[1].To)

	assert.Nil(t, SplitWindow(domain.TimeframeH1, start, start))
}

func TestPlan_RejectsOversizedBatch(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{}, Config{})

	symbols := make([]string, 51)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%d", i)
	}
	_, err := fx.planner.Plan(context.Background(), PlanRequest{
		Symbols:    symbols,
		Timeframe:  domain.TimeframeH1,
		WindowDays: 5,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch cap")
}

func TestEnsureCoverage_Idempotent(t *testing.T) {
	fx := newFixture(t, &fakeAdapter{barsPerSymbol: 7}, Config{})
	ctx := context.Background()

	first, err := fx.service.EnsureCoverage(ctx, "AAPL", domain.TimeframeH1, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, StatusGapsDetected, first.Status)
	require.NotEmpty(t, first.JobDefID)

	second, err := fx.service.EnsureCoverage(ctx, "AAPL", domain.TimeframeH1, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, first.JobDefID, second.JobDefID, "re-trigger must reuse the definition")

	defs, err := fx.store.Repos().Jobs.Due(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	counts, err := fx.store.Repos().Chunks.CountByStatus(ctx, first.JobDefID)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[domain.ChunkPending], "re-trigger must not duplicate chunks")
}

func TestRetryBound_TransientFailures(t *testing.T) {
	adapter := &fakeAdapter{err: provider.NewError(provider.KindTransient, "fake", errors.New("connection reset"))}
	fx := newFixture(t, adapter, Config{MaxAttempts: 5})
	ctx := context.Background()

	result, err := fx.service.EnsureCoverage(ctx, "AAPL", domain.TimeframeH1, 1, 0)
	require.NoError(t, err)
	require.Equal(t, StatusGapsDetected, result.Status)

	// Drain until the chunk exhausts its attempts; the backoff is zero in
	// the memory store so every pass re-claims immediately.
	for i := 0; i < 10; i++ {
		_, err := fx.service.RunWorkerBatch(ctx, 1)
		require.NoError(t, err)
	}

	assert.Equal(t, 5, adapter.callCount(), "chunk must be attempted exactly maxAttempts times")

	run, err := fx.store.Repos().Runs.Get(ctx, result.JobDefID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, 1, run.FailedChunks)
	assert.Equal(t, 0, run.CompletedChunks)
	require.NotNil(t, run.FinishedAt)
}

func TestPermanentError_ExhaustsImmediately(t *testing.T) {
	adapter := &fakeAdapter{err: provider.NewError(provider.KindNotFound, "fake", errors.New("unknown symbol"))}
	fx := newFixture(t, adapter, Config{MaxAttempts: 5})
	ctx := context.Background()

	result, err := fx.service.EnsureCoverage(ctx, "NOPE", domain.TimeframeH1, 1, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := fx.service.RunWorkerBatch(ctx, 1)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, adapter.callCount(), "permanent errors must not be retried")

	run, err := fx.store.Repos().Runs.Get(ctx, result.JobDefID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, 1, run.FailedChunks)
}

func TestSchemaMismatch_TransientOnceThenPermanent(t *testing.T) {
	adapter := &fakeAdapter{err: provider.NewError(provider.KindSchema, "fake", errors.New("unexpected payload"))}
	fx := newFixture(t, adapter, Config{MaxAttempts: 5})
	ctx := context.Background()

	result, err := fx.service.EnsureCoverage(ctx, "AAPL", domain.TimeframeH1, 1, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := fx.service.RunWorkerBatch(ctx, 1)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, adapter.callCount(), "schema mismatch is forgiven exactly once")

	run, err := fx.store.Repos().Runs.Get(ctx, result.JobDefID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
}

func TestSchemaMismatch_ForgivenessSurvivesOtherFailures(t *testing.T) {
	schemaErr := provider.NewError(provider.KindSchema, "fake", errors.New("unexpected payload"))
	adapter := &fakeAdapter{errSeq: []error{
		provider.NewError(provider.KindTransient, "fake", errors.New("connection reset")),
		schemaErr,
		schemaErr,
	}}
	fx := newFixture(t, adapter, Config{MaxAttempts: 5})
	ctx := context.Background()

	result, err := fx.service.EnsureCoverage(ctx, "AAPL", domain.TimeframeH1, 1, 0)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := fx.service.RunWorkerBatch(ctx, 1)
		require.NoError(t, err)
	}

	// transient, then first schema (forgiven), then the repeat schema
	// failure exhausts the chunk.
	assert.Equal(t, 3, adapter.callCount(), "an earlier transient failure must not count as the schema forgiveness")

	run, err := fx.store.Repos().Runs.Get(ctx, result.JobDefID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, 1, run.FailedChunks)
}

func TestProcessChunk_ClaimAtomicity(t *testing.T) {
	adapter := &fakeAdapter{barsPerSymbol: 7, delay: 20 * time.Millisecond}
	fx := newFixture(t, adapter, Config{})
	ctx := context.Background()

	jobID, err := fx.planner.Plan(ctx, PlanRequest{
		Symbols:    []string{"AAPL"},
		Timeframe:  domain.TimeframeH1,
		WindowDays: 1,
	})
	require.NoError(t, err)

	chunks, err := fx.store.Repos().Chunks.Claimable(ctx, jobID, 5, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	chunkID := chunks[0].ID

	const contenders = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners, skips := 0, 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.worker.ProcessChunk(ctx, chunkID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrSkipped):
				skips++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one contender may win the claim")
	assert.Equal(t, contenders-1, skips)
	assert.Equal(t, 1, adapter.callCount())
}

func TestBatchGroup_FansOutOneResponse(t *testing.T) {
	adapter := &fakeAdapter{barsPerSymbol: 7}
	fx := newFixture(t, adapter, Config{})
	ctx := context.Background()

	jobID, err := fx.planner.Plan(ctx, PlanRequest{
		Symbols:    []string{"AAPL", "MSFT", "GOOG"},
		Timeframe:  domain.TimeframeH1,
		WindowDays: 1,
	})
	require.NoError(t, err)

	chunks, err := fx.store.Repos().Chunks.Claimable(ctx, jobID, 5, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	summary := fx.worker.ProcessGroup(ctx, chunks)
	assert.Equal(t, Summary{Processed: 3, Succeeded: 3}, summary)
	assert.Equal(t, 1, adapter.callCount(), "one provider call satisfies the whole group")

	run, err := fx.store.Repos().Runs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Equal(t, 3, run.CompletedChunks)
	assert.Equal(t, int64(21), run.BarsWritten)
}

func TestEndToEnd_BackfillClosesGaps(t *testing.T) {
	adapter := &fakeAdapter{barsPerSymbol: 7}
	fx := newFixture(t, adapter, Config{})
	ctx := context.Background()

	result, err := fx.service.EnsureCoverage(ctx, "AAPL", domain.TimeframeH1, 5, 10)
	require.NoError(t, err)
	require.Equal(t, StatusGapsDetected, result.Status)
	require.NotNil(t, result.Progress)
	assert.Equal(t, 5, result.Progress.TotalSlices)
	assert.Equal(t, 0, result.Progress.CompletedSlices)

	for i := 0; i < 5; i++ {
		summary, err := fx.service.RunWorkerBatch(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, Summary{Processed: 1, Succeeded: 1}, summary, "pass %d", i)
	}

	run, err := fx.store.Repos().Runs.Get(ctx, result.JobDefID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, run.Status)
	assert.Equal(t, 5, run.CompletedChunks)
	assert.Equal(t, int64(35), run.BarsWritten)
	assert.Equal(t, 100, run.ProgressPercent())

	after, err := fx.service.EnsureCoverage(ctx, "AAPL", domain.TimeframeH1, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, after.Status)
	assert.Zero(t, after.Coverage.GapsFound)
}

func TestTick_DispatchesWithinBudget(t *testing.T) {
	adapter := &fakeAdapter{barsPerSymbol: 7}
	fx := newFixture(t, adapter, Config{Concurrency: 3})
	ctx := context.Background()

	_, err := fx.service.EnsureCoverage(ctx, "AAPL", domain.TimeframeH1, 5, 10)
	require.NoError(t, err)

	orch := NewOrchestrator(fx.store.Repos(), fx.worker, metrics.NewRegistry(), Config{Concurrency: 3})

	dispatched, err := orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, dispatched, "tick must respect the in-flight budget")

	dispatched, err = orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)

	dispatched, err = orch.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, dispatched, "nothing claimable once all chunks are done")
}

func TestRecoverStale_RequeuesAbandonedChunks(t *testing.T) {
	adapter := &fakeAdapter{barsPerSymbol: 7}
	fx := newFixture(t, adapter, Config{})
	ctx := context.Background()

	jobID, err := fx.planner.Plan(ctx, PlanRequest{
		Symbols:    []string{"AAPL"},
		Timeframe:  domain.TimeframeH1,
		WindowDays: 1,
	})
	require.NoError(t, err)

	chunks, err := fx.store.Repos().Chunks.Claimable(ctx, jobID, 5, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	// One real failed attempt, then a claim without settling, simulating a
	// worker that died mid-fetch.
	require.NoError(t, fx.store.Repos().Chunks.MarkError(ctx, chunks[0].ID, "connection reset", false, 5))
	_, err = fx.store.Repos().Chunks.Claim(ctx, chunks[0].ID, 5)
	require.NoError(t, err)

	orch := NewOrchestrator(fx.store.Repos(), fx.worker, metrics.NewRegistry(), Config{StaleAfter: time.Nanosecond})
	time.Sleep(time.Millisecond)

	recovered, err := orch.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	chunks, err = fx.store.Repos().Chunks.Claimable(ctx, jobID, 5, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1, "recovered chunk is dispatchable again")
	assert.Equal(t, 1, chunks[0].TryCount, "recovery must not consume an attempt")
}
