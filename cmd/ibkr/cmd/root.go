// Package cmd implements the ibkr command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/l4z41/ibkr-connector/internal/config"
)

var (
	cfgFile      string
	flagHost     string
	flagPort     int
	flagClientID int
	flagLogLevel string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ibkr",
	Short: "Talk to an Interactive Brokers gateway from the command line",
	Long: `ibkr connects to a TWS or IB Gateway bridge and runs account, market data
and order operations against it.

One-shot commands connect, collect for a fixed window and disconnect:
  ibkr account summary
  ibkr quote AAPL
  ibkr orders place AAPL --action BUY --quantity 10 --type LMT --limit 189.50

Batches run several operations over one connection:
  ibkr run -f batch.yaml --continue-on-fail

watch streams coalesced quote updates until interrupted:
  ibkr watch AAPL --trigger-on priceChange --min-change 0.5`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagHost, "host", "", "gateway host (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&flagPort, "port", "p", 0, "gateway port (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagClientID, "client-id", 0, "API client id (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (overrides config)")
}

// setup loads the config, applies flag overrides and installs the logger.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadWithDefaults(cfgFile)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Gateway.Host = flagHost
	}
	if flags.Changed("port") {
		cfg.Gateway.Port = flagPort
	}
	if flags.Changed("client-id") {
		cfg.Gateway.ClientID = flagClientID
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err = newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func newLogger(lc config.LoggingConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	// Logs go to stderr so stdout carries only JSON records.
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
