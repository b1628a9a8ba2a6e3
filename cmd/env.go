package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/docstore"
	"github.com/shyampagadi/AI-Rec-Batch/internal/embed"
	"github.com/shyampagadi/AI-Rec-Batch/internal/extract"
	"github.com/shyampagadi/AI-Rec-Batch/internal/llm"
	"github.com/shyampagadi/AI-Rec-Batch/internal/objectstore"
	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
	"github.com/shyampagadi/AI-Rec-Batch/internal/search"
	"github.com/shyampagadi/AI-Rec-Batch/internal/store"
	"github.com/shyampagadi/AI-Rec-Batch/pkg/anthropic"
)

// appEnv holds the initialized stores and clients shared by the commands.
type appEnv struct {
	Relational store.Relational
	Documents  *docstore.Dynamo // nil when no table is configured
	Search     *search.Store
	Objects    objectstore.Store
	Text       *extract.Extractor
	LLM        *llm.Extractor // nil unless requested
	Breakers   *resilience.Breakers

	aws map[string]aws.Config
}

// envOptions selects what initEnv builds.
type envOptions struct {
	// Local reads documents from LocalDir instead of S3.
	Local    bool
	LocalDir string
	// Bucket overrides s3.bucket.
	Bucket string
	// Model enables the LLM extractor, overriding anthropic.model when set.
	WithLLM bool
	Model   string
	// OptionalObjects leaves Objects nil instead of failing when no bucket
	// is configured.
	OptionalObjects bool
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Relational != nil {
		_ = e.Relational.Close()
	}
}

// initEnv opens the relational store, applies migrations, and builds the
// document, search and object stores. Callers should defer env.Close().
func initEnv(ctx context.Context, opts envOptions) (*appEnv, error) {
	rel, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := rel.Migrate(ctx); err != nil {
		_ = rel.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := newAppEnv(rel)

	if env.Objects, err = env.initObjects(ctx, opts); err != nil {
		env.Close()
		return nil, err
	}
	if env.Documents, err = env.initDocuments(ctx); err != nil {
		env.Close()
		return nil, err
	}
	if env.Search, err = env.initSearch(ctx); err != nil {
		env.Close()
		return nil, err
	}
	if opts.WithLLM {
		env.LLM = initLLM(opts.Model)
	}

	// Writes against a missing table or index fail per document.
	if env.Documents != nil {
		if err := env.Documents.EnsureTable(ctx); err != nil {
			zap.L().Error("ensure dynamo table failed", zap.String("table", cfg.Dynamo.Table), zap.Error(err))
		}
	}
	if err := env.Search.EnsureIndex(ctx); err != nil {
		zap.L().Error("ensure search index failed", zap.String("index", cfg.Search.Index), zap.Error(err))
	}
	return env, nil
}

func newAppEnv(rel store.Relational) *appEnv {
	return &appEnv{
		Relational: rel,
		Text: extract.New(extract.Config{
			PdfToTextPath: cfg.Extract.PdfToTextPath,
			AntiwordPath:  cfg.Extract.AntiwordPath,
		}),
		Breakers: resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
		aws:      make(map[string]aws.Config),
	}
}

func initStore(ctx context.Context) (store.Relational, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st.SetRetry(cfg.Retry.Policy())
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		st.SetRetry(cfg.Retry.Policy())
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// awsConfig loads the default credential chain for region once.
func (e *appEnv) awsConfig(ctx context.Context, region string) (aws.Config, error) {
	if c, ok := e.aws[region]; ok {
		return c, nil
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	c, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, eris.Wrap(err, "load aws config")
	}
	e.aws[region] = c
	return c, nil
}

func (e *appEnv) initObjects(ctx context.Context, opts envOptions) (objectstore.Store, error) {
	if opts.Local {
		dir := opts.LocalDir
		if dir == "" {
			dir = cfg.Local.RawDir
		}
		if dir == "" {
			dir = "."
		}
		zap.L().Info("reading documents from local directory", zap.String("dir", dir))
		return objectstore.NewLocal(dir), nil
	}

	bucket := opts.Bucket
	if bucket == "" {
		bucket = cfg.S3.Bucket
	}
	if bucket == "" && opts.OptionalObjects {
		if cfg.Local.RawDir != "" {
			return objectstore.NewLocal(cfg.Local.RawDir), nil
		}
		zap.L().Warn("no object store configured, original documents unavailable")
		return nil, nil
	}
	if bucket == "" {
		return nil, eris.New("s3 bucket is required (RESUME_S3_BUCKET or --bucket)")
	}
	awsCfg, err := e.awsConfig(ctx, cfg.S3.Region)
	if err != nil {
		return nil, err
	}
	return objectstore.NewS3(s3.NewFromConfig(awsCfg), bucket, cfg.Retry.Policy()), nil
}

func (e *appEnv) initDocuments(ctx context.Context) (*docstore.Dynamo, error) {
	if cfg.Dynamo.Table == "" {
		zap.L().Warn("dynamo.table not set, document store disabled")
		return nil, nil
	}
	awsCfg, err := e.awsConfig(ctx, cfg.Dynamo.Region)
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Dynamo.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Dynamo.Endpoint)
		}
	})
	return docstore.New(client, cfg.Dynamo.Table, cfg.Retry.Policy()), nil
}

func (e *appEnv) initSearch(ctx context.Context) (*search.Store, error) {
	var backend search.Backend
	if len(cfg.Search.Addresses) == 0 {
		zap.L().Warn("search.addresses not set, using in-process search index")
		backend = search.NewMemory()
	} else {
		osCfg := search.OpenSearchConfig{
			Addresses: cfg.Search.Addresses,
			Index:     cfg.Search.Index,
			Username:  cfg.Search.Username,
			Password:  cfg.Search.Password,
			Service:   cfg.Search.Service,
		}
		if cfg.Search.AWSSigV4 {
			awsCfg, err := e.awsConfig(ctx, cfg.Search.Region)
			if err != nil {
				return nil, err
			}
			osCfg.AWS = &awsCfg
		}
		client, err := search.NewOpenSearch(osCfg)
		if err != nil {
			return nil, err
		}
		backend = client
	}

	var embedder search.Embedder
	if cfg.Embed.ModelID != "" {
		awsCfg, err := e.awsConfig(ctx, cfg.Embed.Region)
		if err != nil {
			return nil, err
		}
		embedder = embed.NewBedrock(bedrockruntime.NewFromConfig(awsCfg), embed.Config{
			ModelID:   cfg.Embed.ModelID,
			Dimension: cfg.Embed.Dimension,
			RPS:       cfg.Embed.RPS,
			Retry:     cfg.Retry.Policy(),
			Breaker:   e.Breakers.Get("bedrock"),
		})
	} else {
		zap.L().Warn("embed.model_id not set, indexing zero vectors")
	}

	var cache *search.EmbeddingCache
	if cfg.Search.CacheSize > 0 {
		c, err := search.NewEmbeddingCache(cfg.Search.CacheSize)
		if err != nil {
			return nil, err
		}
		cache = c
	}

	return search.New(backend, embedder, cache, search.Options{
		Dimension: cfg.Search.Dimension,
		Retry:     cfg.Retry.Policy(),
	}), nil
}

func initLLM(model string) *llm.Extractor {
	if model == "" {
		model = cfg.Anthropic.Model
	}
	return llm.New(anthropic.NewClient(cfg.Anthropic.Key), llm.Config{
		Model:     model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		MaxChars:  cfg.Extract.MaxChars,
		RPS:       cfg.Anthropic.RPS,
		Retry:     cfg.Retry.Policy(),
	})
}

// documents returns the document store as an Adapter, or nil when disabled.
func (e *appEnv) documents() store.Adapter {
	if e.Documents == nil {
		return nil
	}
	return e.Documents
}
