package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/candlekeep/candlekeep/internal/backfill"
	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/coverage"
	"github.com/candlekeep/candlekeep/internal/httpapi"
	"github.com/candlekeep/candlekeep/internal/infrastructure/db"
	"github.com/candlekeep/candlekeep/internal/metrics"
	"github.com/candlekeep/candlekeep/internal/provider"
	"github.com/candlekeep/candlekeep/internal/provider/alpaca"
)

// app bundles the wired engine for the subcommands.
type app struct {
	cfg      *config.Config
	manager  *db.Manager
	metrics  *metrics.Registry
	detector *coverage.Detector
	planner  *backfill.Planner
	worker   *backfill.Worker
	service  *backfill.Service
	orch     *backfill.Orchestrator
	handlers *httpapi.Handlers
}

// newApp loads configuration, connects to Postgres and assembles the full
// pipeline: Alpaca adapter behind a circuit breaker, detector, planner,
// worker, orchestrator and HTTP handlers.
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	manager, err := db.NewManager(cfg.DB())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	repos := manager.Repos()

	adapter := provider.WithBreaker(alpaca.New(cfg.AlpacaAdapter()), provider.DefaultBreakerSettings())

	reg := metrics.NewRegistry()
	detector := coverage.NewDetector(repos.Bars, cfg.Detector())
	pipeline := cfg.BackfillPipeline()
	planner := backfill.NewPlanner(repos, adapter.MaxBatchSize())
	worker := backfill.NewWorker(repos, adapter, reg, pipeline.MaxAttempts, pipeline.FetchTimeout)
	service := backfill.NewService(repos, detector, planner, worker, reg, pipeline)
	orch := backfill.NewOrchestrator(repos, worker, reg, pipeline)

	return &app{
		cfg:      cfg,
		manager:  manager,
		metrics:  reg,
		detector: detector,
		planner:  planner,
		worker:   worker,
		service:  service,
		orch:     orch,
		handlers: httpapi.NewHandlers(service, manager),
	}, nil
}

func (a *app) close() {
	if err := a.manager.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}
