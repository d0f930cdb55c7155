package backfill

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// Config bounds the orchestration pipeline. Zero values fall back to
// DefaultConfig at construction time.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Concurrency  int           `yaml:"concurrency"`
	JobLimit     int           `yaml:"job_limit"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	WorkerBatch  int           `yaml:"worker_batch"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		Concurrency:  8,
		JobLimit:     16,
		FetchTimeout: 30 * time.Second,
		WorkerBatch:  10,
		StaleAfter:   10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.JobLimit <= 0 {
		c.JobLimit = def.JobLimit
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.WorkerBatch <= 0 {
		c.WorkerBatch = def.WorkerBatch
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	return c
}

// Orchestrator selects due work and hands it to workers. It never fetches
// data itself, so ticks stay cheap and safe to run concurrently: every
// dispatch goes through the atomic chunk claim, and a lost claim is a skip.
type Orchestrator struct {
	repos   *persistence.Repository
	worker  *Worker
	metrics *metrics.Registry
	cfg     Config
}

// NewOrchestrator wires the tick loop to its storage and worker.
func NewOrchestrator(repos *persistence.Repository, worker *Worker, reg *metrics.Registry, cfg Config) *Orchestrator {
	return &Orchestrator{repos: repos, worker: worker, metrics: reg, cfg: cfg.withDefaults()}
}

// Tick runs one dispatch pass: enabled definitions by priority desc then
// created_at asc, claimable chunks oldest slice first, up to the global
// in-flight budget. Returns the number of chunks handed to workers.
func (o *Orchestrator) Tick(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { o.metrics.RecordTick(time.Since(started)) }()

	defs, err := o.repos.Jobs.Due(ctx, o.cfg.JobLimit)
	if err != nil {
		return 0, err
	}

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	budget := o.cfg.Concurrency
	dispatched := 0

	for _, def := range defs {
		if budget <= 0 {
			break
		}
		chunks, err := o.repos.Chunks.Claimable(ctx, def.ID, o.cfg.MaxAttempts, budget)
		if err != nil {
			log.Error().Err(err).Str("job_id", def.ID).Msg("Failed to list claimable chunks")
			continue
		}
		if len(chunks) == 0 {
			continue
		}
		budget -= len(chunks)
		dispatched += len(chunks)

		if def.JobType == domain.JobTypeBatch {
			for _, group := range groupBySlice(chunks) {
				wg.Add(1)
				sem <- struct{}{}
				go func(group []domain.Chunk) {
					defer wg.Done()
					defer func() { <-sem }()
					o.worker.ProcessGroup(ctx, group)
				}(group)
			}
			continue
		}
		for _, chunk := range chunks {
			wg.Add(1)
			sem <- struct{}{}
			go func(chunkID string) {
				defer wg.Done()
				defer func() { <-sem }()
				if _, err := o.worker.ProcessChunk(ctx, chunkID); err != nil && err != ErrSkipped {
					log.Warn().Err(err).Str("chunk_id", chunkID).Msg("Chunk failed")
				}
			}(chunk.ID)
		}
	}

	wg.Wait()

	if dispatched > 0 {
		log.Info().Int("dispatched", dispatched).Dur("elapsed", time.Since(started)).Msg("Tick complete")
	}
	return dispatched, nil
}

// RecoverStale requeues chunks stuck in_progress past the configured
// deadline. try_count is left untouched, so a lost worker never consumes
// one of the chunk's attempts.
func (o *Orchestrator) RecoverStale(ctx context.Context) (int, error) {
	recovered, err := o.repos.Chunks.RecoverStale(ctx, o.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		log.Warn().Int("recovered", recovered).Msg("Recovered stale chunks")
	}
	return recovered, nil
}

// groupBySlice clusters a batch definition's chunks so every cluster shares
// one date slice and can be satisfied by a single provider call.
func groupBySlice(chunks []domain.Chunk) [][]domain.Chunk {
	byStart := make(map[int64][]domain.Chunk)
	for _, chunk := range chunks {
		key := chunk.SliceStart.UnixNano()
		byStart[key] = append(byStart[key], chunk)
	}
	keys := make([]int64, 0, len(byStart))
	for key := range byStart {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	groups := make([][]domain.Chunk, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, byStart[key])
	}
	return groups
}
