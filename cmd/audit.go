package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shyampagadi/AI-Rec-Batch/internal/audit"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete orphaned and duplicate search documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, env, err := initAuditor(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := a.Cleanup(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), rep)
	},
}

var syncIDsCmd = &cobra.Command{
	Use:   "sync-ids",
	Short: "Make every relational identifier present in the document and search stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, env, err := initAuditor(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := a.Sync(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), rep)
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd, syncIDsCmd)
}

// initAuditor builds the auditor. Callers should defer env.Close().
func initAuditor(ctx context.Context) (*audit.Auditor, *appEnv, error) {
	if err := cfg.Validate("audit"); err != nil {
		return nil, nil, err
	}
	env, err := initEnv(ctx, envOptions{OptionalObjects: true})
	if err != nil {
		return nil, nil, err
	}
	return newAuditor(env), env, nil
}

func newAuditor(env *appEnv) *audit.Auditor {
	var text audit.TextLoader
	if env.Objects != nil {
		text = audit.ObjectText{Objects: env.Objects, Extractor: env.Text, WorkDir: os.TempDir()}
	}
	return audit.New(env.Relational, env.documents(), env.Search, text)
}
