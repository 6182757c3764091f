package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var seedCatalogPath string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert scenarios and reviewers from a catalog file",
	Long: `Load a scenario catalog and upsert its reviewers and scenarios by name.
Seeding is idempotent. Defaults to catalog.path from the config.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringVar(&seedCatalogPath, "catalog", "",
		"Catalog file path (overrides catalog.path)")
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.Catalog.Path
	if seedCatalogPath != "" {
		path = seedCatalogPath
	}

	if path == "" {
		return fmt.Errorf("catalog path is required (use --catalog or catalog.path)")
	}

	ctx := cmd.Context()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopStore(st)

	return seedCatalog(ctx, st, path)
}
