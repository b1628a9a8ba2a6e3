package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shyampagadi/AI-Rec-Batch/internal/docstore"
	"github.com/shyampagadi/AI-Rec-Batch/internal/extract"
	"github.com/shyampagadi/AI-Rec-Batch/internal/llm"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/objectstore"
	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
	"github.com/shyampagadi/AI-Rec-Batch/internal/search"
	"github.com/shyampagadi/AI-Rec-Batch/internal/store"
)

// fakeLLM answers with the raw fields registered for a document's text.
type fakeLLM struct {
	mu      sync.Mutex
	replies map[string]map[string]any
	calls   int
	err     error
}

func (f *fakeLLM) Extract(_ context.Context, in llm.Input) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	reply, ok := f.replies[in.Text]
	if !ok {
		return nil, errors.New("no reply registered")
	}
	out := make(map[string]any, len(reply))
	for k, v := range reply {
		out[k] = v
	}
	return out, nil
}

// fakeDocs records document store writes.
type fakeDocs struct {
	mu      sync.Mutex
	items   map[string]*model.Resume
	batched []string
	upserts []string
}

func newFakeDocs() *fakeDocs { return &fakeDocs{items: map[string]*model.Resume{}} }

func (f *fakeDocs) Name() string { return model.StoreDocument }

func (f *fakeDocs) Upsert(_ context.Context, id string, r *model.Resume, _ model.Source) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, id)
	f.items[id] = r
	return id, nil
}

func (f *fakeDocs) BatchUpsert(_ context.Context, entries []docstore.Entry) []model.StoreOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.StoreOutcome, len(entries))
	for i, e := range entries {
		f.batched = append(f.batched, e.Identifier)
		f.items[e.Identifier] = e.Resume
		out[i] = model.StoreOutcome{Store: model.StoreDocument, Identifier: e.Identifier, OK: true}
	}
	return out
}

func (f *fakeDocs) FindByIdentifier(_ context.Context, id string) (*model.Resume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id], nil
}

func (f *fakeDocs) FindByContact(context.Context, string, string) (string, error) { return "", nil }

func (f *fakeDocs) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	return nil
}

// failingAdapter rejects every write.
type failingAdapter struct{ name string }

func (f failingAdapter) Name() string { return f.name }
func (f failingAdapter) Upsert(context.Context, string, *model.Resume, model.Source) (string, error) {
	return "", errors.New("cluster unreachable")
}
func (f failingAdapter) FindByIdentifier(context.Context, string) (*model.Resume, error) {
	return nil, nil
}
func (f failingAdapter) FindByContact(context.Context, string, string) (string, error) {
	return "", nil
}
func (f failingAdapter) Delete(context.Context, string) error { return nil }

// flakyRelational counts health checks and can refuse them.
type flakyRelational struct {
	store.Relational
	mu     sync.Mutex
	checks int
	down   bool
}

func (f *flakyRelational) EnsureConnection(ctx context.Context) error {
	f.mu.Lock()
	f.checks++
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	return f.Relational.EnsureConnection(ctx)
}

type testEnv struct {
	root       string
	objects    *objectstore.Local
	relational *flakyRelational
	docs       *fakeDocs
	index      *search.Memory
	search     *search.Store
	llm        *fakeLLM
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rel, err := store.NewSQLite(filepath.Join(t.TempDir(), "resumes.db"))
	require.NoError(t, err)
	require.NoError(t, rel.Migrate(context.Background()))
	t.Cleanup(func() { _ = rel.Close() })

	mem := search.NewMemory()
	root := t.TempDir()
	return &testEnv{
		root:       root,
		objects:    objectstore.NewLocal(root),
		relational: &flakyRelational{Relational: rel},
		docs:       newFakeDocs(),
		index:      mem,
		search:     search.New(mem, nil, nil, search.Options{Dimension: 4}),
		llm:        &fakeLLM{replies: map[string]map[string]any{}},
	}
}

func (e *testEnv) file(t *testing.T, key, text string, raw map[string]any) {
	t.Helper()
	path := filepath.Join(e.root, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	if raw != nil {
		e.llm.replies[text] = raw
	}
}

func (e *testEnv) deps() Deps {
	return Deps{
		Objects:    e.objects,
		Text:       extract.New(extract.Config{}),
		LLM:        e.llm,
		Relational: e.relational,
		Documents:  e.docs,
		Search:     e.search,
		Breakers:   resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
	}
}

func (e *testEnv) orchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	return New(e.deps(), opts)
}

func janeRaw(email string) map[string]any {
	return map[string]any{
		"full_name": "Jane Doe",
		"email":     email,
		"skills":    []any{"Go", "SQL"},
		"companies": []any{map[string]any{"name": "Acme", "duration": "Jan 2020 - Dec 2022"}},
	}
}

func outcome(res model.DocResult, name string) (model.StoreOutcome, bool) {
	for _, o := range res.Outcomes {
		if o.Store == name {
			return o, true
		}
	}
	return model.StoreOutcome{}, false
}

func TestProcessKeys_SameEmailDifferentCase(t *testing.T) {
	env := newTestEnv(t)
	env.file(t, "raw/jane-1.txt", "Jane resume one", janeRaw("Jane@X.com"))
	env.file(t, "raw/jane-2.txt", "Jane resume two", janeRaw("jane@x.com"))

	o := env.orchestrator(t, Options{Workers: 2})
	sum := o.ProcessKeys(context.Background(), "test", []string{"raw/jane-1.txt", "raw/jane-2.txt"})

	require.Len(t, sum.Results, 2)
	a, b := sum.Results[0], sum.Results[1]
	assert.Equal(t, model.DocStateStored, a.State, a.Error)
	assert.Equal(t, model.DocStateStored, b.State, b.Error)
	assert.Equal(t, a.Identifier, b.Identifier)
	assert.NotEqual(t, a.IsDuplicate, b.IsDuplicate, "exactly one document is the duplicate")
	assert.Equal(t, 1, sum.Duplicates)

	ids, err := env.relational.ListIdentifiers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{a.Identifier}, ids)
	assert.Equal(t, 1, env.index.Len())

	docs, err := env.search.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, a.Identifier, docs[0].Identifier)

	assert.Len(t, env.docs.batched, 1)
	assert.Len(t, env.docs.upserts, 1)
	assert.Equal(t, 2, sum.Stores[model.StoreRelational].Succeeded)
	assert.InDelta(t, 1.0, sum.Stores[model.StoreSearch].SuccessRate, 1e-9)
}

func TestProcessKeys_MatchesPreloadedPerson(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	existing := &model.Resume{FullName: "Jane Doe", Phone: "+1 (555) 010-0199"}
	_, err := env.relational.Upsert(ctx, "existing-id", existing, model.Source{})
	require.NoError(t, err)

	raw := janeRaw("")
	raw["phone_number"] = "555.010.0199"
	env.file(t, "raw/jane.txt", "Jane by phone", raw)

	sum := env.orchestrator(t, Options{}).ProcessKeys(ctx, "test", []string{"raw/jane.txt"})
	require.Len(t, sum.Results, 1)
	res := sum.Results[0]
	// Digits differ by the country code, so this is a new person.
	assert.False(t, res.IsDuplicate)

	env.file(t, "raw/jane-again.txt", "Jane exact phone", map[string]any{"full_name": "Jane", "phone": "15550100199"})
	sum = env.orchestrator(t, Options{}).ProcessKeys(ctx, "test", []string{"raw/jane-again.txt"})
	res = sum.Results[0]
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "existing-id", res.Identifier)
	assert.Contains(t, env.docs.upserts, "existing-id")

	stored, err := env.relational.FindByIdentifier(ctx, "existing-id")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Jane", stored.FullName)
}

func TestProcessKeys_FilenameFallback(t *testing.T) {
	env := newTestEnv(t)
	env.file(t, "raw/Naukri_Priya[6y_1m].txt", "   ", nil)

	sum := env.orchestrator(t, Options{}).ProcessKeys(context.Background(), "test", []string{"raw/Naukri_Priya[6y_1m].txt"})
	res := sum.Results[0]
	require.Equal(t, model.DocStateStored, res.State, res.Error)
	assert.True(t, res.Fallback)
	assert.Equal(t, "Priya", res.Resume.FullName)
	assert.InDelta(t, 6.1, res.Resume.TotalExperience, 1e-9)
	assert.True(t, res.Resume.ExtractionFallback)
	assert.Zero(t, env.llm.calls)
	assert.Equal(t, 1, sum.Fallbacks)
}

func TestProcessKeys_LLMFailureFallsBackWhenNamed(t *testing.T) {
	env := newTestEnv(t)
	env.llm.err = errors.New("model overloaded")
	env.file(t, "raw/Naukri_Ravi[3y_0m].txt", "Ravi text", nil)
	env.file(t, "raw/anon.txt", "Anon text", nil)

	sum := env.orchestrator(t, Options{}).ProcessKeys(context.Background(), "test",
		[]string{"raw/Naukri_Ravi[3y_0m].txt", "raw/anon.txt"})
	assert.Equal(t, model.DocStateStored, sum.Results[0].State)
	assert.Contains(t, sum.Results[0].Resume.ExtractionError, "model overloaded")
	assert.Equal(t, model.DocStateFailed, sum.Results[1].State)
	assert.Len(t, sum.Failed, 1)
}

func TestProcessKeys_FailuresDoNotStopBatch(t *testing.T) {
	env := newTestEnv(t)
	env.file(t, "raw/blank.txt", "", nil)
	env.file(t, "raw/notes.rtf", "rtf", nil)
	env.file(t, "raw/ok.txt", "Bob resume", map[string]any{"full_name": "Bob", "email": "bob@x.com"})

	sum := env.orchestrator(t, Options{}).ProcessKeys(context.Background(), "test",
		[]string{"raw/blank.txt", "raw/notes.rtf", "raw/missing.txt", "raw/ok.txt"})
	require.Len(t, sum.Results, 4)
	for _, res := range sum.Results[:3] {
		assert.Equal(t, model.DocStateFailed, res.State, res.Key)
		assert.NotEmpty(t, res.Error)
	}
	assert.Equal(t, model.DocStateStored, sum.Results[3].State)
	assert.Equal(t, []string{"raw/ok.txt"}, sum.Processed)
	assert.Len(t, sum.Failed, 3)
}

func TestProcessKeys_StoreFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.file(t, "raw/bob.txt", "Bob resume", map[string]any{"full_name": "Bob", "email": "bob@x.com"})

	deps := env.deps()
	deps.Search = failingAdapter{name: model.StoreSearch}
	sum := New(deps, Options{WorkDir: t.TempDir()}).ProcessKeys(context.Background(), "test", []string{"raw/bob.txt"})

	res := sum.Results[0]
	assert.Equal(t, model.DocStateStored, res.State)
	rel, _ := outcome(res, model.StoreRelational)
	assert.True(t, rel.OK)
	doc, _ := outcome(res, model.StoreDocument)
	assert.True(t, doc.OK)
	srch, ok := outcome(res, model.StoreSearch)
	require.True(t, ok)
	assert.False(t, srch.OK)
	assert.Contains(t, srch.Error, "cluster unreachable")
	sum.Finish()
	assert.Equal(t, 1, sum.Stores[model.StoreSearch].Failed)
	assert.Zero(t, sum.Stores[model.StoreSearch].SuccessRate)
}

func TestProcessKeys_SkipStorage(t *testing.T) {
	env := newTestEnv(t)
	env.file(t, "raw/bob.txt", "Bob resume", map[string]any{"full_name": "Bob", "email": "bob@x.com"})

	sum := env.orchestrator(t, Options{SkipStorage: true}).ProcessKeys(context.Background(), "test", []string{"raw/bob.txt"})
	res := sum.Results[0]
	assert.Equal(t, model.DocStateIdentityResolved, res.State)
	assert.Equal(t, "Bob", res.Resume.FullName)
	require.Len(t, res.Outcomes, 3)
	for _, o := range res.Outcomes {
		assert.True(t, o.Skipped)
	}
	ids, err := env.relational.ListIdentifiers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, env.relational.checks)
}

func TestProcessKeys_DegradesWhenRelationalDown(t *testing.T) {
	env := newTestEnv(t)
	env.relational.down = true
	env.file(t, "raw/bob.txt", "Bob resume", map[string]any{"full_name": "Bob", "email": "bob@x.com"})

	sum := env.orchestrator(t, Options{}).ProcessKeys(context.Background(), "test", []string{"raw/bob.txt"})
	res := sum.Results[0]
	assert.NotEqual(t, model.DocStateFailed, res.State)
	assert.Equal(t, "Bob", res.Resume.FullName)
	for _, o := range res.Outcomes {
		assert.True(t, o.Skipped)
	}
	assert.Equal(t, 2, env.relational.checks, "one check and one reconnect")
	assert.Zero(t, env.index.Len())
}

func TestProcessKeys_ChecksConnectionPerBatch(t *testing.T) {
	env := newTestEnv(t)
	keys := []string{"raw/a.txt", "raw/b.txt", "raw/c.txt"}
	for i, k := range keys {
		text := "person " + string(rune('a'+i))
		env.file(t, k, text, map[string]any{"full_name": text})
	}

	sum := env.orchestrator(t, Options{BatchSize: 2}).ProcessKeys(context.Background(), "test", keys)
	assert.Len(t, sum.Processed, 3)
	assert.Equal(t, 2, env.relational.checks)

	// No contact signal: every document is a new person.
	ids, err := env.relational.ListIdentifiers(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestProcessFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.file(t, "raw/jane.txt", "Jane resume", janeRaw("jane@x.com"))
	env.file(t, "raw/jane-copy.txt", "Jane copy", janeRaw(" JANE@x.com"))

	var sink recordingSink
	o := env.orchestrator(t, Options{Sink: &sink})
	first := o.ProcessFile(ctx, "raw/jane.txt")
	require.Equal(t, model.DocStateStored, first.State, first.Error)
	assert.False(t, first.IsDuplicate)

	second := o.ProcessFile(ctx, "raw/jane-copy.txt")
	require.Equal(t, model.DocStateStored, second.State, second.Error)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.Identifier, second.Identifier)
	assert.Equal(t, 1, env.index.Len())
	assert.Len(t, sink.results, 2)

	stored, err := env.relational.FindByIdentifier(ctx, first.Identifier)
	require.NoError(t, err)
	assert.Equal(t, "raw/jane-copy.txt", stored.S3Key)
	assert.Equal(t, "01/2020-12/2022", env.docs.items[first.Identifier].Companies[0].Duration)
}

func TestProcessFile_IgnoresModelSuppliedIdentifier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.file(t, "raw/alice.txt", "Alice resume", map[string]any{
		"resume_id": "resume-1", "full_name": "Alice Smith", "skills": []any{"Go"},
	})
	env.file(t, "raw/bob.txt", "Bob resume", map[string]any{
		"resume_id": "resume-1", "full_name": "Bob Jones", "skills": []any{"Java"},
	})

	o := env.orchestrator(t, Options{})
	alice := o.ProcessFile(ctx, "raw/alice.txt")
	bob := o.ProcessFile(ctx, "raw/bob.txt")
	require.Equal(t, model.DocStateStored, alice.State, alice.Error)
	require.Equal(t, model.DocStateStored, bob.State, bob.Error)

	assert.NotEqual(t, "resume-1", alice.Identifier)
	assert.NotEqual(t, alice.Identifier, bob.Identifier)
	assert.False(t, alice.IsDuplicate)
	assert.False(t, bob.IsDuplicate)

	ids, err := env.relational.ListIdentifiers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.Identifier, bob.Identifier}, ids)

	stored, err := env.relational.FindByIdentifier(ctx, alice.Identifier)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Alice Smith", stored.FullName)
}

type recordingSink struct {
	mu      sync.Mutex
	results []model.DocResult
}

func (s *recordingSink) Record(res model.DocResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}
