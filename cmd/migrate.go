package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply relational migrations and create the document table and search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		env := newAppEnv(st)
		defer env.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("relational migrations applied", zap.String("driver", cfg.Store.Driver))

		docs, err := env.initDocuments(ctx)
		if err != nil {
			return err
		}
		if docs != nil {
			if err := docs.EnsureTable(ctx); err != nil {
				return err
			}
			zap.L().Info("document table ready", zap.String("table", cfg.Dynamo.Table))
		}

		idx, err := env.initSearch(ctx)
		if err != nil {
			return err
		}
		if err := idx.EnsureIndex(ctx); err != nil {
			return err
		}
		zap.L().Info("search index ready", zap.String("index", cfg.Search.Index))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
