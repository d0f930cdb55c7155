package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "candlekeep"
	version = "v1.2.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market-data coverage and backfill engine",
		Version: version,
		Long: `Candlekeep keeps OHLC bar series complete: it detects coverage gaps,
plans bounded backfill work against a rate-limited market-data provider,
executes it with retries and idempotent writes, and reports live progress
over HTTP so clients can poll until gaps close.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (defaults + environment when empty)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTickCmd())
	rootCmd.AddCommand(newBackfillCmd())
	rootCmd.AddCommand(newCoverageCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
