package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
)

func sampleSummary() *Summary {
	s := NewSummary("process-prefix")
	s.Record(model.DocResult{
		Key: "a.pdf", Identifier: "id-a", State: model.DocStateStored,
		Outcomes: []model.StoreOutcome{
			{Store: model.StoreRelational, Identifier: "id-a", OK: true},
			{Store: model.StoreSearch, Identifier: "id-a", Error: "timeout"},
		},
	})
	s.Record(model.DocResult{
		Key: "b.pdf", Identifier: "id-a", State: model.DocStateStored, IsDuplicate: true, Fallback: true,
		Outcomes: []model.StoreOutcome{
			{Store: model.StoreRelational, Identifier: "id-a", OK: true},
			{Store: model.StoreSearch, Identifier: "id-a", OK: true},
			{Store: model.StoreDocument, Identifier: "id-a", Skipped: true},
		},
	})
	s.Record(model.DocResult{Key: "c.pdf", State: model.DocStateFailed, Error: "no usable text"})
	s.Finish()
	return s
}

func TestSummary_Counts(t *testing.T) {
	s := sampleSummary()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, s.Processed)
	assert.Equal(t, []FailedFile{{Key: "c.pdf", Error: "no usable text"}}, s.Failed)
	assert.Equal(t, 1, s.Duplicates)
	assert.Equal(t, 1, s.Fallbacks)

	assert.Equal(t, &StoreStats{Succeeded: 2, SuccessRate: 1}, s.Stores[model.StoreRelational])
	assert.Equal(t, &StoreStats{Succeeded: 1, Failed: 1, SuccessRate: 0.5}, s.Stores[model.StoreSearch])
	assert.Equal(t, &StoreStats{Skipped: 1}, s.Stores[model.StoreDocument])
	assert.False(t, s.FinishedAt.Before(s.StartedAt))
	assert.NotEmpty(t, s.Elapsed)
	assert.NotPanics(t, s.Log)
}

func TestSummary_WriteYAML(t *testing.T) {
	s := sampleSummary()
	path := filepath.Join(t.TempDir(), "report.yaml")
	require.NoError(t, s.WriteYAML(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, "process-prefix", got["command"])
	assert.Equal(t, 3, got["total"])
	assert.Equal(t, 0.5, got["stores"].(map[string]any)["search"].(map[string]any)["success_rate"])
	assert.NotContains(t, string(data), "results")
}

type fakeRecorder struct{ runs []model.Run }

func (f *fakeRecorder) RecordRun(_ context.Context, run model.Run) error {
	f.runs = append(f.runs, run)
	return nil
}

func TestSummary_Persist(t *testing.T) {
	s := sampleSummary()
	rec := &fakeRecorder{}
	require.NoError(t, s.Persist(context.Background(), rec))

	require.Len(t, rec.runs, 1)
	run := rec.runs[0]
	assert.Equal(t, s.RunID, run.ID)
	assert.Equal(t, "process-prefix", run.Command)

	var body map[string]any
	require.NoError(t, json.Unmarshal(run.Summary, &body))
	assert.Equal(t, float64(1), body["duplicates"])
}
