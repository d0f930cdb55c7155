package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candlekeep/candlekeep/internal/httpapi"
	"github.com/candlekeep/candlekeep/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the orchestrator daemon",
		Long: `Starts the HTTP server (ensure-coverage, worker trigger, job status,
health, metrics) and the scheduler loop that ticks the orchestrator and
recovers stale chunks. Stops cleanly on SIGINT/SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := httpapi.NewServer(a.cfg.HTTPServer(), a.handlers, a.metrics)
	sched := scheduler.New(a.orch, a.cfg.SchedulerLoop())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Scheduler exited")
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
