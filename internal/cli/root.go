package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lowkeylabs/stratum/internal/config"
	"github.com/lowkeylabs/stratum/internal/engine"
	"github.com/lowkeylabs/stratum/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "stratum",
	Short: "Layered context memory for AI coding agents",
	Long:  "Stratum preserves semantic snapshots of prior work and resurfaces them by causal provenance, temporal relevance, and predicted future relevance.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(touchCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(lruCmd)
	rootCmd.AddCommand(statsCmd)
}

// openEngine loads config, opens the database and builds an engine. The
// caller closes the returned DB.
func openEngine() (*store.DB, *engine.Engine, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, config.Config{}, err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, nil, cfg, fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, cfg, fmt.Errorf("open database: %w", err)
	}
	return db, engine.New(db, cfg), cfg, nil
}
