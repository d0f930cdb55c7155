package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/candlekeep/candlekeep/internal/domain"
)

func newCoverageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coverage SYMBOL",
		Short: "Print the gap report for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE:  runCoverage,
	}
	cmd.Flags().String("timeframe", "h1", "Timeframe token (m15|h1|d1|w1)")
	cmd.Flags().Int("window-days", 30, "Trailing window to inspect")
	return cmd
}

func runCoverage(cmd *cobra.Command, args []string) error {
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
	symbol := strings.ToUpper(args[0])

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -windowDays)
	status, err := a.detector.Status(ctx, symbol, tf, start, end)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s over %d days: %.1f%% covered, %d gap(s)\n",
		symbol, tf, windowDays, status.CoveragePct, status.GapsFound)
	if status.LatestBarTS != nil {
		fmt.Printf("latest bar: %s\n", status.LatestBarTS.Format(time.RFC3339))
	}
	for _, gap := range status.Gaps {
		fmt.Printf("  missing %s -> %s (%s)\n",
			gap.Start.Format(time.RFC3339), gap.End.Format(time.RFC3339), gap.Duration())
	}
	return nil
}
