package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shyampagadi/AI-Rec-Batch/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve identity lookups, health and audit sweeps over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		env, err := initEnv(ctx, envOptions{OptionalObjects: true, WithLLM: cfg.Anthropic.Key != ""})
		if err != nil {
			return err
		}
		defer env.Close()

		deps := server.Deps{
			Resumes: env.Relational,
			Auditor: newAuditor(env),
			Checks:  []server.Check{{Name: env.Relational.Name(), Ping: env.Relational.Ping}},
		}
		if env.Documents != nil {
			deps.Checks = append(deps.Checks, server.Check{Name: env.Documents.Name(), Ping: env.Documents.Ping})
		}
		deps.Checks = append(deps.Checks, server.Check{Name: env.Search.Name(), Ping: env.Search.Ping})
		if env.Objects != nil && env.LLM != nil {
			deps.Processor = newOrchestrator(env)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		return server.New(deps).ListenAndServe(ctx, port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
