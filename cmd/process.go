package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/extract"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/pipeline"
)

var (
	processModel       string
	processSkipStorage bool

	fileFlag   string
	fileLocal  bool
	fileUpload bool

	prefixBucket   string
	prefixPrefix   string
	prefixMaxFiles int
	prefixLocal    bool
	prefixReport   string
)

var processFileCmd = &cobra.Command{
	Use:   "process-file",
	Short: "Ingest a single resume",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := checkFile(fileFlag, fileLocal || fileUpload); err != nil {
			return err
		}

		opts := envOptions{WithLLM: true, Model: processModel}
		key := fileFlag
		if fileLocal && !fileUpload {
			opts.Local = true
			opts.LocalDir = filepath.Dir(fileFlag)
			key = filepath.Base(fileFlag)
			cfg.Local.RawDir = opts.LocalDir
		}
		if err := cfg.Validate("process"); err != nil {
			return err
		}

		env, err := initEnv(ctx, opts)
		if err != nil {
			return err
		}
		defer env.Close()

		if fileUpload {
			key = path.Join(cfg.S3.Prefix, filepath.Base(fileFlag))
			if err := env.Objects.Upload(ctx, fileFlag, key); err != nil {
				return eris.Wrapf(err, "upload %s", fileFlag)
			}
			zap.L().Info("uploaded document", zap.String("bucket", env.Objects.Bucket()), zap.String("key", key))
		}

		res := newOrchestrator(env).ProcessFile(ctx, key)
		sum := pipeline.NewSummary("process-file")
		sum.Record(res)
		sum.Finish()
		sum.Log()
		persistSummary(ctx, env, sum)

		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
		if res.State == model.DocStateFailed {
			return eris.Errorf("process %s: %s", key, res.Error)
		}
		return nil
	},
}

var processPrefixCmd = &cobra.Command{
	Use:   "process-prefix",
	Short: "Ingest every supported resume under a prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if prefixLocal && cfg.Local.RawDir == "" {
			cfg.Local.RawDir = "."
		}
		if prefixBucket != "" {
			cfg.S3.Bucket = prefixBucket
		}
		if err := cfg.Validate("process"); err != nil {
			return err
		}

		env, err := initEnv(ctx, envOptions{
			Local:   prefixLocal,
			Bucket:  prefixBucket,
			WithLLM: true,
			Model:   processModel,
		})
		if err != nil {
			return err
		}
		defer env.Close()

		prefix := prefixPrefix
		if !cmd.Flags().Changed("prefix") && !prefixLocal {
			prefix = cfg.S3.Prefix
		}
		maxFiles := prefixMaxFiles
		if maxFiles == 0 {
			maxFiles = cfg.Batch.MaxFiles
		}

		keys, err := env.Objects.List(ctx, prefix, maxFiles, supported)
		if err != nil {
			return eris.Wrapf(err, "list %s/%s", env.Objects.Bucket(), prefix)
		}
		if len(keys) == 0 {
			zap.L().Warn("no supported documents found",
				zap.String("bucket", env.Objects.Bucket()),
				zap.String("prefix", prefix),
			)
			return nil
		}
		zap.L().Info("processing documents",
			zap.String("bucket", env.Objects.Bucket()),
			zap.String("prefix", prefix),
			zap.Int("documents", len(keys)),
		)

		sum := newOrchestrator(env).ProcessKeys(ctx, "process-prefix", keys)
		sum.Log()
		if prefixReport != "" {
			if err := sum.WriteYAML(prefixReport); err != nil {
				return err
			}
			zap.L().Info("report written", zap.String("path", prefixReport))
		}
		persistSummary(ctx, env, sum)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{processFileCmd, processPrefixCmd} {
		c.Flags().StringVar(&processModel, "model", "", "Claude model for extraction (default from config)")
		c.Flags().BoolVar(&processSkipStorage, "skip-storage", false, "extract and resolve without writing to any store")
	}

	processFileCmd.Flags().StringVar(&fileFlag, "file", "", "object key, or local path with --local/--upload")
	processFileCmd.Flags().BoolVar(&fileLocal, "local", false, "read the file from the local filesystem")
	processFileCmd.Flags().BoolVar(&fileUpload, "upload", false, "upload the local file to the bucket before processing")
	_ = processFileCmd.MarkFlagRequired("file")

	processPrefixCmd.Flags().StringVar(&prefixBucket, "bucket", "", "source bucket (default from config)")
	processPrefixCmd.Flags().StringVar(&prefixPrefix, "prefix", "", "key prefix (default from config)")
	processPrefixCmd.Flags().IntVar(&prefixMaxFiles, "max-files", 0, "max number of documents to process (0 for all)")
	processPrefixCmd.Flags().BoolVar(&prefixLocal, "local", false, "read documents from local.raw_dir")
	processPrefixCmd.Flags().StringVar(&prefixReport, "report", "", "write the run summary as YAML to this path")

	rootCmd.AddCommand(processFileCmd, processPrefixCmd)
}

func newOrchestrator(env *appEnv) *pipeline.Orchestrator {
	return pipeline.New(pipeline.Deps{
		Objects:    env.Objects,
		Text:       env.Text,
		LLM:        env.LLM,
		Relational: env.Relational,
		Documents:  env.documents(),
		Search:     env.Search,
		Breakers:   env.Breakers,
	}, pipeline.Options{
		BatchSize:   cfg.Batch.Size,
		Workers:     cfg.Batch.Workers,
		Pause:       cfg.Batch.Pause(),
		SkipStorage: processSkipStorage,
	})
}

// checkFile rejects unsupported file types, and missing files when the file
// is local.
func checkFile(name string, local bool) error {
	if _, ok := extract.FileType(name); !ok {
		return eris.Errorf("unsupported file type: %s (supported: %v)", name, extract.Extensions)
	}
	if !local {
		return nil
	}
	info, err := os.Stat(name)
	if err != nil {
		return eris.Wrapf(err, "file %s", name)
	}
	if info.IsDir() {
		return eris.Errorf("file %s is a directory", name)
	}
	return nil
}

func supported(key string) bool {
	_, ok := extract.FileType(key)
	return ok
}

func persistSummary(ctx context.Context, env *appEnv, sum *pipeline.Summary) {
	if processSkipStorage {
		return
	}
	if err := sum.Persist(ctx, env.Relational); err != nil {
		zap.L().Warn("record run failed", zap.String("run_id", sum.RunID), zap.Error(err))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
