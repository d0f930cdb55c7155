package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single orchestrator pass",
		Long: `Performs one dispatch pass over due job definitions and exits. Useful
for platform cron setups that prefer short-lived invocations over the
serve daemon.`,
		RunE: runTick,
	}
	cmd.Flags().Bool("recover", false, "Also requeue chunks stuck in_progress")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Overall pass deadline")
	return cmd
}

func runTick(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if doRecover, _ := cmd.Flags().GetBool("recover"); doRecover {
		recovered, err := a.orch.RecoverStale(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("recovered", recovered).Msg("Stale sweep complete")
	}

	dispatched, err := a.orch.Tick(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("dispatched", dispatched).Msg("Tick complete")
	return nil
}
