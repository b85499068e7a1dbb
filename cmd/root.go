package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/citystream/tripflow/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tripflow",
	Short: "Trip extract normalization and reconciliation pipeline",
	Long:  "Normalizes monthly for-hire-vehicle trip extracts across schema vintages, flags duplicates and fare mismatches, and writes category-partitioned output streams.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
