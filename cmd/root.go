package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "resume-ingest",
	Short: "Resume ingestion and cross-store identity reconciliation",
	Long:  "Extracts resumes from object storage, structures them with Claude, resolves one identity per person and writes them to the relational, document and search stores.",
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
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
