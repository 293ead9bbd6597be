package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/publish"
	"github.com/open-aasx-index/harvester/internal/store"
)

func newPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Re-render the public artifacts from the current catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			catalog := store.NewCatalog(filepath.Join(cfg.Paths.DataDir, "catalog.ndjson"))
			entries, err := catalog.ReadAll()
			if err != nil {
				return err
			}
			if err := publish.New(cfg.Paths.PublicDir, logger).Publish(entries); err != nil {
				return err
			}
			logger.Info("published", zap.Int("entries", len(entries)), zap.String("dir", cfg.Paths.PublicDir))
			return nil
		},
	}
}
