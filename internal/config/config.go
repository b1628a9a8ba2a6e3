package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Dynamo    DynamoConfig    `yaml:"dynamo" mapstructure:"dynamo"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Embed     EmbedConfig     `yaml:"embed" mapstructure:"embed"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	S3        S3Config        `yaml:"s3" mapstructure:"s3"`
	Local     LocalConfig     `yaml:"local" mapstructure:"local"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the relational store of record.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
}

// DynamoConfig configures the document store. An empty table disables it.
type DynamoConfig struct {
	Table    string `yaml:"table" mapstructure:"table"`
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// SearchConfig configures the search index. With no addresses the index is
// kept in process.
type SearchConfig struct {
	Addresses []string `yaml:"addresses" mapstructure:"addresses"`
	Index     string   `yaml:"index" mapstructure:"index" validate:"required"`
	Username  string   `yaml:"username" mapstructure:"username"`
	Password  string   `yaml:"password" mapstructure:"password"`
	AWSSigV4  bool     `yaml:"aws_sigv4" mapstructure:"aws_sigv4"`
	Region    string   `yaml:"region" mapstructure:"region"`
	Service   string   `yaml:"service" mapstructure:"service" validate:"omitempty,oneof=es aoss"`
	Dimension int      `yaml:"dimension" mapstructure:"dimension" validate:"gt=0"`
	CacheSize int      `yaml:"cache_size" mapstructure:"cache_size" validate:"gte=0"`
}

// EmbedConfig configures Bedrock embeddings. An empty model disables them.
type EmbedConfig struct {
	ModelID   string  `yaml:"model_id" mapstructure:"model_id"`
	Region    string  `yaml:"region" mapstructure:"region"`
	Dimension int     `yaml:"dimension" mapstructure:"dimension" validate:"gte=0"`
	RPS       float64 `yaml:"rps" mapstructure:"rps" validate:"gte=0"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model" validate:"required"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gt=0"`
	RPS       float64 `yaml:"rps" mapstructure:"rps" validate:"gte=0"`
}

// S3Config locates the raw documents.
type S3Config struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
	Region string `yaml:"region" mapstructure:"region"`
}

// LocalConfig configures local mode, where raw documents live on disk.
type LocalConfig struct {
	RawDir string `yaml:"raw_dir" mapstructure:"raw_dir"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Size      int `yaml:"size" mapstructure:"size" validate:"gt=0"`
	Workers   int `yaml:"workers" mapstructure:"workers" validate:"gt=0"`
	PauseSecs int `yaml:"pause_secs" mapstructure:"pause_secs" validate:"gte=0"`
	MaxFiles  int `yaml:"max_files" mapstructure:"max_files" validate:"gte=0"`
}

// Pause returns the delay between batches.
func (b BatchConfig) Pause() time.Duration {
	return time.Duration(b.PauseSecs) * time.Second
}

// ExtractConfig configures text extraction.
type ExtractConfig struct {
	MaxChars      int    `yaml:"max_chars" mapstructure:"max_chars" validate:"gt=0"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	AntiwordPath  string `yaml:"antiword_path" mapstructure:"antiword_path"`
}

// RetryConfig configures retries of remote calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gte=0"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gte=0"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=0"`
	Jitter           float64 `yaml:"jitter" mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// Policy converts the configured values into a retry policy.
func (r RetryConfig) Policy() resilience.RetryConfig {
	return resilience.Policy(
		r.MaxAttempts,
		time.Duration(r.InitialBackoffMS)*time.Millisecond,
		time.Duration(r.MaxBackoffMS)*time.Millisecond,
		r.Multiplier,
		r.Jitter,
	)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESUME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("dynamo.table", "resumes")
	v.SetDefault("search.index", "resume-embeddings")
	v.SetDefault("search.addresses", []string{})
	v.SetDefault("search.service", "es")
	v.SetDefault("search.dimension", 1024)
	v.SetDefault("search.cache_size", 1024)
	v.SetDefault("embed.model_id", "amazon.titan-embed-text-v2:0")
	v.SetDefault("embed.dimension", 1024)
	v.SetDefault("embed.rps", 5)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.rps", 2)
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "raw/")
	v.SetDefault("s3.region", "")
	v.SetDefault("local.raw_dir", "")
	v.SetDefault("batch.size", 10)
	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.pause_secs", 2)
	v.SetDefault("batch.max_files", 0)
	v.SetDefault("extract.max_chars", 20000)
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("extract.antiword_path", "antiword")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = "resumes.db"
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: validate")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs: "process", "audit",
// "migrate" or "serve".
func (c *Config) Validate(mode string) error {
	var missing []string
	require := func(ok bool, msg string) {
		if !ok {
			missing = append(missing, msg)
		}
	}

	hasDB := c.Store.DatabaseURL != ""
	switch mode {
	case "process":
		require(hasDB, "store.database_url is required")
		require(c.Anthropic.Key != "", "anthropic.key is required")
		require(c.S3.Bucket != "" || c.Local.RawDir != "", "s3.bucket or local.raw_dir is required")
	case "audit", "migrate":
		require(hasDB, "store.database_url is required")
	case "serve":
		require(hasDB, "store.database_url is required")
		require(c.Server.Port > 0, "server.port must be > 0")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
