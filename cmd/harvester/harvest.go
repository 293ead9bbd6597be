package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/config"
	"github.com/open-aasx-index/harvester/internal/download"
	"github.com/open-aasx-index/harvester/internal/extract"
	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/metrics"
	"github.com/open-aasx-index/harvester/internal/orchestrator"
	"github.com/open-aasx-index/harvester/internal/publish"
	"github.com/open-aasx-index/harvester/internal/ratelimit"
	"github.com/open-aasx-index/harvester/internal/source/commoncrawl"
	"github.com/open-aasx-index/harvester/internal/source/github"
	"github.com/open-aasx-index/harvester/internal/source/seed"
	"github.com/open-aasx-index/harvester/internal/source/sitemap"
	"github.com/open-aasx-index/harvester/internal/store"
	"github.com/open-aasx-index/harvester/internal/verify"
)

func newHarvestCmd() *cobra.Command {
	var (
		maxFiles  int
		maxGitHub int
		maxWeb    int
		dryRun    bool
		source    string
	)

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run one harvest: discover, download, verify, catalog, publish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if cmd.Flags().Changed("max-files") {
				cfg.Run.MaxFiles = maxFiles
			}
			if cmd.Flags().Changed("max-github") {
				cfg.Run.MaxGitHub = maxGitHub
			}
			if cmd.Flags().Changed("max-web") {
				cfg.Run.MaxWeb = maxWeb
			}
			if dryRun {
				cfg.Run.DryRun = true
			}
			if source != "" {
				cfg.Run.Source = source
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			return runHarvest(cmd, cfg, logger)
		},
	}

	cmd.Flags().IntVar(&maxFiles, "max-files", 200, "maximum candidates to process this run")
	cmd.Flags().IntVar(&maxGitHub, "max-github", 100, "maximum candidates from GitHub discovery")
	cmd.Flags().IntVar(&maxWeb, "max-web", 50, "maximum candidates per web source")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "discover and deduplicate only, process nothing")
	cmd.Flags().StringVar(&source, "source", "", "run a single source: github, seeds, sitemap, or commoncrawl")
	return cmd
}

func runHarvest(cmd *cobra.Command, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()
	if metricsAddr != "" {
		srv := metrics.Serve(metricsAddr, func(err error) {
			logger.Error("metrics listener failed", zap.Error(err))
		})
		defer srv.Close()
		logger.Info("metrics listening", zap.String("addr", metricsAddr))
	}

	sourcesCfg, err := config.LoadSources(cfg.Paths.SourcesFile)
	if err != nil {
		return err
	}
	allowlist := harvest.NewAllowlist(sourcesCfg.AllowedDomains)

	limiter := ratelimit.New(ratelimit.Config{
		GitHubPerMinute:   cfg.RateLimit.GitHubPerMinute,
		WebPerSecond:      cfg.RateLimit.WebPerSecond,
		WebBurst:          cfg.RateLimit.WebBurst,
		BackoffBase:       time.Duration(cfg.RateLimit.BackoffBaseMs) * time.Millisecond,
		BackoffMax:        time.Duration(cfg.RateLimit.BackoffMaxMs) * time.Millisecond,
		BackoffMultiplier: cfg.RateLimit.BackoffMultiplier,
	})

	sources := []harvest.Source{
		github.New(github.Config{
			APIBase:    cfg.GitHub.APIBase,
			Token:      cfg.GitHub.Token,
			Topics:     cfg.GitHub.Topics,
			MaxResults: cfg.Run.MaxGitHub,
			UserAgent:  cfg.HTTP.UserAgent,
			Timeout:    cfg.HTTPTimeout(),
		}, limiter, logger),
		seed.New(seed.Config{
			Seeds:      sourcesCfg.Seeds(),
			Allowlist:  allowlist,
			MaxResults: cfg.Run.MaxWeb,
			UserAgent:  cfg.HTTP.UserAgent,
			Timeout:    cfg.HTTPTimeout(),
		}, limiter, logger),
		sitemap.New(sitemap.Config{
			Sites:      sourcesCfg.SitemapSites(),
			Allowlist:  allowlist,
			MaxResults: cfg.Run.MaxWeb,
			UserAgent:  cfg.HTTP.UserAgent,
			Timeout:    cfg.HTTPTimeout(),
		}, limiter, logger),
		commoncrawl.New(commoncrawl.Config{
			IndexURL:   cfg.CDX.IndexURL,
			Allowlist:  allowlist,
			MaxResults: cfg.Run.MaxWeb,
			UserAgent:  cfg.HTTP.UserAgent,
			Timeout:    cfg.HTTPTimeout(),
		}, limiter, logger),
	}

	downloader := download.New(download.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.HTTPTimeout(),
		MaxRedirects: cfg.HTTP.MaxRedirects,
		MaxBytes:     cfg.Limits.MaxDownloadBytes,
		ZipLimits: download.ZipLimits{
			MaxEntries:           cfg.Limits.MaxZipEntries,
			MaxUncompressedBytes: cfg.Limits.MaxUncompressedBytes,
			MaxCompressionRatio:  cfg.Limits.MaxCompressionRatio,
		},
	}, limiter, logger)

	checker := verify.New(verify.Config{
		Command:     cfg.Verify.Command,
		Timeout:     cfg.VerifyTimeout(),
		SaveReports: cfg.Verify.SaveReports,
		ReportsDir:  filepath.Join(cfg.Paths.DataDir, "reports"),
	}, logger)

	o := orchestrator.New(
		orchestrator.Config{
			MaxFiles:     cfg.Run.MaxFiles,
			DryRun:       cfg.Run.DryRun,
			SourceFilter: cfg.Run.Source,
		},
		sources,
		downloader,
		checker,
		extract.New(logger),
		publish.New(cfg.Paths.PublicDir, logger),
		store.NewCatalog(filepath.Join(cfg.Paths.DataDir, "catalog.ndjson")),
		store.NewStateFile(filepath.Join(cfg.Paths.DataDir, "state.json")),
		harvest.SystemClock{},
		logger,
	)

	summary, err := o.Run(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("harvest finished",
		zap.String("run_id", summary.RunID),
		zap.Int("candidates", summary.Candidates),
		zap.Int("fresh", summary.Fresh),
		zap.Int("new_entries", summary.NewEntries),
		zap.Int("verified", summary.Verified),
		zap.Int("parseable", summary.Parseable),
		zap.Int("failed", summary.Failed),
		zap.Bool("dry_run", summary.DryRun))
	return nil
}
