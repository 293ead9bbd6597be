package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/open-aasx-index/harvester/internal/publish"
	"github.com/open-aasx-index/harvester/internal/store"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate catalog statistics as JSON",
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

			data, err := json.MarshalIndent(publish.BuildStats(entries), "", "  ")
			if err != nil {
				return fmt.Errorf("encode stats: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
