// Package scheduler drives the orchestrator on a fixed cadence. It replaces
// database-side cron: the tick loop is the only thing that has to keep
// running for backfills to make progress.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Orchestrator is the dispatch surface the scheduler drives.
type Orchestrator interface {
	Tick(ctx context.Context) (int, error)
	RecoverStale(ctx context.Context) (int, error)
}

// Config sets the loop cadences.
type Config struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	RecoverInterval time.Duration `yaml:"recover_interval"`
}

// DefaultConfig ticks every minute and sweeps for stale chunks every five.
func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Minute,
		RecoverInterval: 5 * time.Minute,
	}
}

// Scheduler owns the tick and recovery loops.
type Scheduler struct {
	orch Orchestrator
	cfg  Config
}

// New creates a scheduler for the given orchestrator.
func New(orch Orchestrator, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = def.RecoverInterval
	}
	return &Scheduler{orch: orch, cfg: cfg}
}

// Run blocks until the context is cancelled, invoking Tick on every interval
// and stale recovery on its own slower cadence. Tick errors are logged and
// the loop keeps going; a broken tick must not kill the daemon.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(s.cfg.RecoverInterval)
	defer sweep.Stop()

	log.Info().
		Dur("tick_interval", s.cfg.TickInterval).
		Dur("recover_interval", s.cfg.RecoverInterval).
		Msg("Scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.orch.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("Tick failed")
			}
		case <-sweep.C:
			if _, err := s.orch.RecoverStale(ctx); err != nil {
				log.Error().Err(err).Msg("Stale recovery failed")
			}
		}
	}
}
