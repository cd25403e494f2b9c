package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "datapipe",
	Short: "Resumable dataset annotation pipeline",
	Long:  "Ingests uploaded datasets, cleans them, annotates each row with sentiment, priority and topic through configured model endpoints, derives extra columns and persists the result. Every stage boundary is recorded so interrupted runs resume where they stopped.",
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
