// Package embed computes text embeddings with Amazon Titan on Bedrock.
package embed

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// DefaultModelID is the Titan text embedding model.
const DefaultModelID = "amazon.titan-embed-text-v2:0"

// maxInputChars keeps requests under Titan's input token limit.
const maxInputChars = 50000

// API is the subset of the Bedrock runtime client the embedder uses.
type API interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config configures a Bedrock embedder.
type Config struct {
	ModelID   string
	Dimension int
	RPS       float64
	Retry     resilience.RetryConfig
	Breaker   *resilience.CircuitBreaker
}

// Bedrock embeds text with a Titan model.
type Bedrock struct {
	api     API
	cfg     Config
	limiter *resilience.AdaptiveLimiter
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions"`
	Normalize  bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// NewBedrock creates a Bedrock embedder.
func NewBedrock(api API, cfg Config) *Bedrock {
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1024
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &Bedrock{
		api:     api,
		cfg:     cfg,
		limiter: resilience.NewAdaptiveLimiter("bedrock", cfg.RPS, 1),
	}
}

// Embed returns the embedding of text.
func (b *Bedrock) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanRequest{
		InputText:  truncate(text, maxInputChars),
		Dimensions: b.cfg.Dimension,
		Normalize:  true,
	})
	if err != nil {
		return nil, eris.Wrap(err, "embed: encode request")
	}

	call := func(ctx context.Context) ([]float32, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "embed: rate limit wait")
		}
		out, err := b.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(b.cfg.ModelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			if resilience.IsThrottle(err) {
				b.limiter.OnThrottle()
			}
			return nil, err
		}
		b.limiter.OnSuccess()

		var resp titanResponse
		if err := json.Unmarshal(out.Body, &resp); err != nil {
			return nil, eris.Wrap(err, "embed: decode response")
		}
		if len(resp.Embedding) == 0 {
			return nil, eris.New("embed: empty embedding in response")
		}
		zap.L().Debug("embed: computed embedding",
			zap.Int("tokens", resp.InputTextTokenCount),
			zap.Int("dimension", len(resp.Embedding)),
		)
		return resp.Embedding, nil
	}

	retry := b.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("bedrock", "invoke_model")
	withRetry := func(ctx context.Context) ([]float32, error) {
		return resilience.DoVal(ctx, retry, call)
	}
	if b.cfg.Breaker != nil {
		vec, err := resilience.ExecuteVal(ctx, b.cfg.Breaker, withRetry)
		return vec, eris.Wrap(err, "embed: invoke model")
	}
	vec, err := withRetry(ctx)
	return vec, eris.Wrap(err, "embed: invoke model")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
