// Package memory provides an in-memory implementation of the persistence
// contracts with the same claim and upsert semantics as the PostgreSQL
// repositories. It backs unit tests and local experimentation; production
// always runs on Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/persistence"
)

// Store holds every table behind one mutex.
type Store struct {
	mu    sync.Mutex
	bars  map[barKey]domain.Bar
	defs  map[string]*domain.JobDefinition
	byKey map[string]string // def_key -> id
	chunk map[string]*domain.Chunk
	runs  map[string]*domain.JobRun

	retryBackoff time.Duration
}

type barKey struct {
	symbol     string
	timeframe  domain.Timeframe
	ts         int64
	provider   string
	isForecast bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		bars:         make(map[barKey]domain.Bar),
		defs:         make(map[string]*domain.JobDefinition),
		byKey:        make(map[string]string),
		chunk:        make(map[string]*domain.Chunk),
		runs:         make(map[string]*domain.JobRun),
		retryBackoff: 0, // immediate retries keep tests deterministic
	}
}

// jobsView and runsView split the JobRepo and RunRepo contracts, whose Get
// signatures differ, over the shared store.
type jobsView struct{ *Store }
type runsView struct{ *Store }

// Repos bundles the store behind the repository interfaces.
func (s *Store) Repos() *persistence.Repository {
	return &persistence.Repository{Bars: s, Jobs: jobsView{s}, Chunks: s, Runs: runsView{s}}
}

// --- BarRepo ---

func (s *Store) UpsertBatch(_ context.Context, bars []domain.Bar) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bar := range bars {
		key := barKey{bar.Symbol, bar.Timeframe, bar.Timestamp.UnixNano(), bar.Provider, bar.IsForecast}
		s.bars[key] = bar
	}
	return len(bars), nil
}

func (s *Store) Timestamps(_ context.Context, symbol string, tf domain.Timeframe, tr persistence.TimeRange) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]time.Time)
	for key, bar := range s.bars {
		if key.symbol != symbol || key.timeframe != tf || key.isForecast {
			continue
		}
		if bar.Timestamp.Before(tr.From) || !bar.Timestamp.Before(tr.To) {
			continue
		}
		seen[key.ts] = bar.Timestamp
	}

	out := make([]time.Time, 0, len(seen))
	for _, ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *Store) Window(ctx context.Context, symbol string, tf domain.Timeframe, tr persistence.TimeRange) (persistence.CoverageWindow, error) {
	timestamps, _ := s.Timestamps(ctx, symbol, tf, tr)
	window := persistence.CoverageWindow{BarCount: len(timestamps)}
	if len(timestamps) > 0 {
		oldest, newest := timestamps[0], timestamps[len(timestamps)-1]
		window.Oldest, window.Newest = &oldest, &newest
	}
	return window, nil
}

func (s *Store) Read(_ context.Context, symbol string, tf domain.Timeframe, tr persistence.TimeRange, prefs domain.ProviderPreference) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := make(map[int64]domain.Bar)
	for key, bar := range s.bars {
		if key.symbol != symbol || key.timeframe != tf || key.isForecast {
			continue
		}
		if bar.Timestamp.Before(tr.From) || !bar.Timestamp.Before(tr.To) {
			continue
		}
		current, ok := best[key.ts]
		if !ok || prefs.Rank(bar.Provider) < prefs.Rank(current.Provider) {
			best[key.ts] = bar
		}
	}

	out := make([]domain.Bar, 0, len(best))
	for _, bar := range best {
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- JobRepo ---

func (v jobsView) Upsert(_ context.Context, def domain.JobDefinition) (string, bool, error) {
	s := v.Store
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[def.Key()]; ok {
		existing := s.defs[id]
		existing.Enabled = true
		if def.Priority > existing.Priority {
			existing.Priority = def.Priority
		}
		return id, false, nil
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.Enabled = true
	def.CreatedAt = time.Now()
	copied := def
	s.defs[def.ID] = &copied
	s.byKey[def.Key()] = def.ID
	return def.ID, true, nil
}

func (v jobsView) Get(_ context.Context, id string) (*domain.JobDefinition, error) {
	s := v.Store
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	copied := *def
	return &copied, nil
}

func (v jobsView) Due(_ context.Context, limit int) ([]domain.JobDefinition, error) {
	s := v.Store
	s.mu.Lock()
	defer s.mu.Unlock()

	var defs []domain.JobDefinition
	for _, def := range s.defs {
		if def.Enabled {
			defs = append(defs, *def)
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Priority != defs[j].Priority {
			return defs[i].Priority > defs[j].Priority
		}
		return defs[i].CreatedAt.Before(defs[j].CreatedAt)
	})
	if len(defs) > limit {
		defs = defs[:limit]
	}
	return defs, nil
}

func (v jobsView) SetEnabled(_ context.Context, id string, enabled bool) error {
	s := v.Store
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return persistence.ErrNotFound
	}
	def.Enabled = enabled
	return nil
}

// --- ChunkRepo ---

func (s *Store) InsertMissing(_ context.Context, chunks []domain.Chunk) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, chunk := range chunks {
		if s.findChunkLocked(chunk.JobID, chunk.Symbol, chunk.SliceStart) != nil {
			continue
		}
		if chunk.ID == "" {
			chunk.ID = uuid.NewString()
		}
		chunk.Status = domain.ChunkPending
		chunk.UpdatedAt = time.Now()
		copied := chunk
		s.chunk[chunk.ID] = &copied
		created++
	}
	return created, nil
}

func (s *Store) findChunkLocked(jobID, symbol string, sliceStart time.Time) *domain.Chunk {
	for _, chunk := range s.chunk {
		if chunk.JobID == jobID && chunk.Symbol == symbol && chunk.SliceStart.Equal(sliceStart) {
			return chunk
		}
	}
	return nil
}

func (s *Store) Claimable(_ context.Context, jobID string, maxAttempts, limit int) ([]domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Chunk
	now := time.Now()
	for _, chunk := range s.chunk {
		if chunk.JobID != jobID || chunk.TryCount >= maxAttempts {
			continue
		}
		switch chunk.Status {
		case domain.ChunkPending:
		case domain.ChunkError:
			backoff := s.retryBackoff * time.Duration(1<<min(chunk.TryCount, 6))
			if chunk.UpdatedAt.Add(backoff).After(now) {
				continue
			}
		default:
			continue
		}
		out = append(out, *chunk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SliceStart.Before(out[j].SliceStart) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Claim(_ context.Context, chunkID string, maxAttempts int) (*domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk, ok := s.chunk[chunkID]
	if !ok {
		return nil, persistence.ErrConflict
	}
	if chunk.TryCount >= maxAttempts ||
		(chunk.Status != domain.ChunkPending && chunk.Status != domain.ChunkError) {
		return nil, persistence.ErrConflict
	}
	chunk.Status = domain.ChunkInProgress
	chunk.UpdatedAt = time.Now()
	copied := *chunk
	return &copied, nil
}

func (s *Store) MarkDone(_ context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunk[chunkID]
	if !ok {
		return fmt.Errorf("chunk %s: %w", chunkID, persistence.ErrNotFound)
	}
	chunk.Status = domain.ChunkDone
	chunk.LastError = ""
	chunk.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkError(_ context.Context, chunkID string, lastError string, exhausted bool, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunk[chunkID]
	if !ok {
		return fmt.Errorf("chunk %s: %w", chunkID, persistence.ErrNotFound)
	}
	chunk.Status = domain.ChunkError
	if exhausted {
		chunk.TryCount = maxAttempts
	} else {
		chunk.TryCount++
	}
	chunk.LastError = lastError
	chunk.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CountByStatus(_ context.Context, jobID string) (map[domain.ChunkStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.ChunkStatus]int)
	for _, chunk := range s.chunk {
		if chunk.JobID == jobID {
			counts[chunk.Status]++
		}
	}
	return counts, nil
}

func (s *Store) RecoverStale(_ context.Context, staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	deadline := time.Now().Add(-staleAfter)
	for _, chunk := range s.chunk {
		if chunk.Status == domain.ChunkInProgress && !chunk.UpdatedAt.After(deadline) {
			chunk.Status = domain.ChunkError
			chunk.LastError = "worker timed out"
			chunk.UpdatedAt = time.Now()
			recovered++
		}
	}
	return recovered, nil
}

// --- RunRepo ---

func (v runsView) Ensure(_ context.Context, jobDefID string, totalChunks int) error {
	s := v.Store
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[jobDefID]
	if !ok {
		s.runs[jobDefID] = &domain.JobRun{
			JobDefID:    jobDefID,
			Status:      domain.RunRunning,
			TotalChunks: totalChunks,
			StartedAt:   time.Now(),
		}
		return nil
	}
	if totalChunks > run.TotalChunks {
		run.TotalChunks = totalChunks
	}
	if run.TotalChunks > run.CompletedChunks+run.FailedChunks {
		run.Status = domain.RunRunning
		run.FinishedAt = nil
	}
	return nil
}

func (v runsView) Apply(_ context.Context, jobDefID string, completedDelta, failedDelta int, barsDelta int64) error {
	s := v.Store
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobDefID]
	if !ok {
		return fmt.Errorf("job run %s: %w", jobDefID, persistence.ErrNotFound)
	}
	run.CompletedChunks += completedDelta
	run.FailedChunks += failedDelta
	run.BarsWritten += barsDelta
	return nil
}

func (v runsView) Finalize(_ context.Context, jobDefID string, maxAttempts int) error {
	s := v.Store
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[jobDefID]
	if !ok || run.Status != domain.RunRunning {
		return nil
	}

	// Outcome comes from the chunk rows themselves; the run counters can
	// lag between a chunk's MarkError and its counter delta.
	done, failed := 0, 0
	for _, chunk := range s.chunk {
		if chunk.JobID != jobDefID {
			continue
		}
		if !chunk.Terminal(maxAttempts) {
			return nil
		}
		if chunk.Status == domain.ChunkDone {
			done++
		} else {
			failed++
		}
	}

	switch {
	case failed == 0:
		run.Status = domain.RunSuccess
	case done == 0:
		run.Status = domain.RunFailed
	default:
		run.Status = domain.RunPartial
	}
	now := time.Now()
	run.FinishedAt = &now
	return nil
}

func (v runsView) Get(_ context.Context, jobDefID string) (*domain.JobRun, error) {
	s := v.Store
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobDefID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	copied := *run
	return &copied, nil
}
