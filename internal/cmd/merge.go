package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfurusho/webtable/internal/config"
)

// mergeCmd applies the three-clause merge of a source table into a target.
var mergeCmd = &cobra.Command{
	Use:   "merge TARGET SOURCE",
	Short: "Merge a source table into a target table with tombstoning",
	Long: `Merge matches SOURCE rows to TARGET rows by URL. Matched rows older
than --stale-after are updated, unmatched source rows are inserted, and
target rows absent from the source are marked is_deleted. The merge runs
as one transaction over a single snapshot of the target.`,
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().Duration("stale-after", 0, "Only update matched rows older than this (0 updates all matches)")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	target, source := args[0], args[1]
	staleAfter, _ := cmd.Flags().GetDuration("stale-after")

	cfg, err := loadConfig(target)
	if err != nil {
		return err
	}
	if showConfig, _ := cmd.Flags().GetBool("show-config"); showConfig {
		return showCurrentConfig(cfg)
	}
	// The merge runs entirely inside the store; only the identifiers and
	// the database path matter here.
	if !config.ValidIdentifier(target) {
		return fmt.Errorf("invalid target table name %q", target)
	}
	if !config.ValidIdentifier(source) {
		return fmt.Errorf("invalid source table name %q", source)
	}
	if cfg.DatabasePath == "" {
		return config.ErrEmptyDatabasePath
	}

	store, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.InitTarget(target); err != nil {
		return fmt.Errorf("failed to create target tables: %w", err)
	}

	rows, err := store.LoadRows(source)
	if err != nil {
		return fmt.Errorf("failed to read source table: %w", err)
	}

	started := time.Now()
	stats, err := store.Merge(target, rows, staleAfter)
	if err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}

	fmt.Printf("Merge finished in %v: %d updated, %d inserted, %d tombstoned\n",
		time.Since(started).Round(time.Millisecond),
		stats.Updated, stats.Inserted, stats.Tombstoned)
	return nil
}
