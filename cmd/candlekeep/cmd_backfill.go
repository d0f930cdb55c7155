package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candlekeep/candlekeep/internal/backfill"
	"github.com/candlekeep/candlekeep/internal/domain"
)

func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill SYMBOL[,SYMBOL...]",
		Short: "Plan a backfill job from the command line",
		Long: `Upserts a job definition for the given symbols and materializes its
chunks. The work itself runs on the next orchestrator tick, or
immediately with --drain.`,
		Args: cobra.ExactArgs(1),
		RunE: runBackfill,
	}
	cmd.Flags().String("timeframe", "h1", "Timeframe token (m15|h1|d1|w1)")
	cmd.Flags().Int("window-days", 30, "Trailing window to cover")
	cmd.Flags().Int("priority", 0, "Dispatch priority (higher first)")
	cmd.Flags().Bool("drain", false, "Process the job's chunks synchronously before exiting")
	return cmd
}

func runBackfill(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	tfToken, _ := cmd.Flags().GetString("timeframe")
	tf, err := domain.ParseTimeframe(tfToken)
	if err != nil {
		return err
	}
	windowDays, _ := cmd.Flags().GetInt("window-days")
	priority, _ := cmd.Flags().GetInt("priority")

	symbols := strings.Split(strings.ToUpper(args[0]), ",")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	jobID, err := a.planner.Plan(ctx, backfill.PlanRequest{
		Symbols:    symbols,
		Timeframe:  tf,
		WindowDays: windowDays,
		Priority:   priority,
	})
	if err != nil {
		return err
	}
	fmt.Printf("job %s planned for %s %s over %d days\n", jobID, strings.Join(symbols, ","), tf, windowDays)

	if drain, _ := cmd.Flags().GetBool("drain"); drain {
		for {
			summary, err := a.service.RunWorkerBatch(ctx, 0)
			if err != nil {
				return err
			}
			if summary.Processed == 0 {
				break
			}
			log.Info().
				Int("processed", summary.Processed).
				Int("succeeded", summary.Succeeded).
				Int("failed", summary.Failed).
				Msg("Worker batch complete")
		}
		_, progress, err := a.service.JobStatus(ctx, jobID)
		if err != nil {
			return err
		}
		if progress != nil {
			fmt.Printf("run %s: %d/%d chunks, %d bars written\n",
				progress.RunStatus, progress.CompletedSlices, progress.TotalSlices, progress.BarsWritten)
		}
	}
	return nil
}
