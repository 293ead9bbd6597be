package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/config"
	"github.com/open-aasx-index/harvester/internal/logging"
)

var (
	cfgFile     string
	verbose     bool
	metricsAddr string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvest publicly available AASX packages into a verified catalog",
		Long: `harvester discovers AASX packages on GitHub, curated seed pages,
site sitemaps, and the Common Crawl index, downloads them under strict
resource bounds, verifies them with aas-test-engines, and maintains an
NDJSON catalog keyed by content hash.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for the /metrics endpoint (empty disables)")

	cmd.AddCommand(newHarvestCmd())
	cmd.AddCommand(newPublishCmd())
	cmd.AddCommand(newStatsCmd())
	return cmd
}

// loadEnvironment builds the config and logger shared by every subcommand.
func loadEnvironment() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Run.Verbose = true
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Run.Verbose)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
