// Package llm turns extracted resume text into raw structured fields with a
// Claude model. The output is untrusted and always goes through the
// normalizer.
package llm

import (
	"context"
	_ "embed"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
	"github.com/shyampagadi/AI-Rec-Batch/pkg/anthropic"
)

// Defaults.
const (
	DefaultModel     = "claude-haiku-4-5-20251001"
	DefaultMaxTokens = 4096
	DefaultMaxChars  = 20000
)

//go:embed resume.schema.json
var schemaJSON string

// Config configures an Extractor.
type Config struct {
	Model     string
	MaxTokens int64
	MaxChars  int
	RPS       float64
	Retry     resilience.RetryConfig
}

// Input is one document to extract.
type Input struct {
	Text     string
	FileType string
	Filename string
	// Hints are fields already recovered from the file name.
	Hints map[string]any
}

// Extractor calls the model and parses its JSON reply.
type Extractor struct {
	client  anthropic.Client
	cfg     Config
	limiter *resilience.AdaptiveLimiter

	schemaOnce sync.Once
	schema     *gojsonschema.Schema
}

// New creates an Extractor.
func New(client anthropic.Client, cfg Config) *Extractor {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &Extractor{
		client:  client,
		cfg:     cfg,
		limiter: resilience.NewAdaptiveLimiter("anthropic", cfg.RPS, 1),
	}
}

// Model returns the model identifier in use.
func (e *Extractor) Model() string { return e.cfg.Model }

// Extract returns the raw fields the model found in the document.
func (e *Extractor) Extract(ctx context.Context, in Input) (map[string]any, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, eris.New("llm: empty document text")
	}
	in.Text = truncate(in.Text, e.cfg.MaxChars)

	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		System:      anthropic.CachedSystem(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(in)}},
		Temperature: &temp,
	}

	retry := e.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "llm: rate limit wait")
		}
		resp, err := e.client.CreateMessage(ctx, req)
		if err != nil {
			status := anthropic.StatusCode(err)
			if status == 429 {
				e.limiter.OnThrottle()
			}
			if resilience.IsTransientHTTPStatus(status) {
				return nil, resilience.NewTransientError(err, status)
			}
			return nil, err
		}
		e.limiter.OnSuccess()
		return resp, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "llm: extract %s", in.Filename)
	}
	resp.Usage.LogCost(e.cfg.Model, in.Filename)

	if resp.StopReason == "max_tokens" {
		zap.L().Warn("llm: response truncated at max tokens",
			zap.String("key", in.Filename),
			zap.Int64("max_tokens", e.cfg.MaxTokens),
		)
	}

	raw, err := ParseJSON(resp.Text())
	if err != nil {
		return nil, eris.Wrapf(err, "llm: parse response for %s", in.Filename)
	}
	e.logAnomalies(in.Filename, raw)
	return raw, nil
}

// logAnomalies reports schema deviations. They are never fatal.
func (e *Extractor) logAnomalies(key string, raw map[string]any) {
	e.schemaOnce.Do(func() {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
		if err != nil {
			zap.L().Error("llm: invalid resume schema", zap.Error(err))
			return
		}
		e.schema = s
	})
	if e.schema == nil {
		return
	}
	res, err := e.schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		zap.L().Debug("llm: schema validation error", zap.String("key", key), zap.Error(err))
		return
	}
	for _, re := range res.Errors() {
		zap.L().Debug("llm: output anomaly",
			zap.String("key", key),
			zap.String("field", re.Field()),
			zap.String("description", re.Description()),
		)
	}
}

var (
	fenceRe  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	objectRe = regexp.MustCompile(`(?s)\{.*?\}`)
)

// ParseJSON recovers a JSON object from a model reply. It tries the reply
// as-is, then fenced blocks, then the span from the first '{' to the last
// '}', and finally every brace-delimited candidate, keeping the one with the
// most keys.
func ParseJSON(reply string) (map[string]any, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, eris.New("llm: empty response")
	}

	candidates := []string{reply}
	for _, m := range fenceRe.FindAllStringSubmatch(reply, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if start, end := strings.Index(reply, "{"), strings.LastIndex(reply, "}"); start >= 0 && end > start {
		candidates = append(candidates, reply[start:end+1])
	}
	for _, c := range candidates {
		if obj, ok := decodeObject(c); ok {
			return obj, nil
		}
	}

	var best map[string]any
	for _, c := range objectRe.FindAllString(reply, -1) {
		if obj, ok := decodeObject(c); ok && len(obj) > len(best) {
			best = obj
		}
	}
	if best == nil {
		return nil, eris.New("llm: no JSON object in response")
	}
	return best, nil
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
