package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
)

// Sink observes terminal document results. It has no influence on the
// pipeline.
type Sink interface {
	Record(res model.DocResult)
}

// StoreStats counts write outcomes for one store.
type StoreStats struct {
	Succeeded   int     `json:"succeeded" yaml:"succeeded"`
	Failed      int     `json:"failed" yaml:"failed"`
	Skipped     int     `json:"skipped" yaml:"skipped"`
	SuccessRate float64 `json:"success_rate" yaml:"success_rate"`
}

// FailedFile is one document that did not reach the store of record.
type FailedFile struct {
	Key   string `json:"key" yaml:"key"`
	Error string `json:"error" yaml:"error"`
}

// Summary aggregates the outcome of one run.
type Summary struct {
	mu sync.Mutex

	RunID      string                 `json:"run_id" yaml:"run_id"`
	Command    string                 `json:"command" yaml:"command"`
	StartedAt  time.Time              `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time              `json:"finished_at" yaml:"finished_at"`
	Elapsed    string                 `json:"elapsed" yaml:"elapsed"`
	Total      int                    `json:"total" yaml:"total"`
	Processed  []string               `json:"processed" yaml:"processed"`
	Failed     []FailedFile           `json:"failed" yaml:"failed"`
	Duplicates int                    `json:"duplicates" yaml:"duplicates"`
	Fallbacks  int                    `json:"fallbacks" yaml:"fallbacks"`
	Stores     map[string]*StoreStats `json:"stores" yaml:"stores"`

	Results []model.DocResult `json:"-" yaml:"-"`
}

// NewSummary starts a summary for command.
func NewSummary(command string) *Summary {
	return &Summary{
		RunID:     uuid.NewString(),
		Command:   command,
		StartedAt: time.Now().UTC(),
		Processed: []string{},
		Failed:    []FailedFile{},
		Stores:    map[string]*StoreStats{},
	}
}

// Record implements Sink.
func (s *Summary) Record(res model.DocResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Total++
	s.Results = append(s.Results, res)
	if res.State == model.DocStateFailed {
		s.Failed = append(s.Failed, FailedFile{Key: res.Key, Error: res.Error})
	} else {
		s.Processed = append(s.Processed, res.Key)
	}
	if res.IsDuplicate {
		s.Duplicates++
	}
	if res.Fallback {
		s.Fallbacks++
	}
	for _, o := range res.Outcomes {
		st, ok := s.Stores[o.Store]
		if !ok {
			st = &StoreStats{}
			s.Stores[o.Store] = st
		}
		switch {
		case o.Skipped:
			st.Skipped++
		case o.OK:
			st.Succeeded++
		default:
			st.Failed++
		}
	}
}

// Finish stamps the end time and computes per-store success rates.
func (s *Summary) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.FinishedAt = time.Now().UTC()
	s.Elapsed = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
	for _, st := range s.Stores {
		if attempted := st.Succeeded + st.Failed; attempted > 0 {
			st.SuccessRate = float64(st.Succeeded) / float64(attempted)
		}
	}
}

// Log writes the summary to the global logger.
func (s *Summary) Log() {
	s.mu.Lock()
	defer s.mu.Unlock()

	zap.L().Info("pipeline: run complete",
		zap.String("run_id", s.RunID),
		zap.String("command", s.Command),
		zap.Int("total", s.Total),
		zap.Int("processed", len(s.Processed)),
		zap.Int("failed", len(s.Failed)),
		zap.Int("duplicates", s.Duplicates),
		zap.Int("fallbacks", s.Fallbacks),
		zap.String("elapsed", s.Elapsed),
	)

	names := make([]string, 0, len(s.Stores))
	for name := range s.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := s.Stores[name]
		zap.L().Info("pipeline: store results",
			zap.String("store", name),
			zap.Int("succeeded", st.Succeeded),
			zap.Int("failed", st.Failed),
			zap.Int("skipped", st.Skipped),
			zap.Float64("success_rate", st.SuccessRate),
		)
	}
	for _, f := range s.Failed {
		zap.L().Warn("pipeline: document failed", zap.String("key", f.Key), zap.String("error", f.Error))
	}
}

// WriteYAML writes the summary report to path.
func (s *Summary) WriteYAML(path string) error {
	s.mu.Lock()
	data, err := yaml.Marshal(s)
	s.mu.Unlock()
	if err != nil {
		return eris.Wrap(err, "pipeline: encode report")
	}
	return eris.Wrapf(os.WriteFile(path, data, 0o644), "pipeline: write report %s", path)
}

// RunRecorder persists run summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, run model.Run) error
}

// Persist appends the summary to the run ledger.
func (s *Summary) Persist(ctx context.Context, rec RunRecorder) error {
	s.mu.Lock()
	data, err := json.Marshal(s)
	run := model.Run{
		ID:         s.RunID,
		Command:    s.Command,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Summary:    data,
	}
	s.mu.Unlock()
	if err != nil {
		return eris.Wrap(err, "pipeline: encode run summary")
	}
	return eris.Wrap(rec.RecordRun(ctx, run), "pipeline: record run")
}
