package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shyampagadi/AI-Rec-Batch/internal/extract"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/objectstore"
	"github.com/shyampagadi/AI-Rec-Batch/internal/search"
	"github.com/shyampagadi/AI-Rec-Batch/internal/store"
)

type memDocs struct {
	items map[string]*model.Resume
	err   error
}

func (m *memDocs) Name() string { return model.StoreDocument }
func (m *memDocs) Upsert(_ context.Context, id string, r *model.Resume, _ model.Source) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.items[id] = r
	return id, nil
}
func (m *memDocs) FindByIdentifier(_ context.Context, id string) (*model.Resume, error) {
	return m.items[id], nil
}
func (m *memDocs) FindByContact(context.Context, string, string) (string, error) { return "", nil }
func (m *memDocs) Delete(_ context.Context, id string) error {
	delete(m.items, id)
	return nil
}

type recordingText struct{ keys []string }

func (r *recordingText) Load(_ context.Context, key string) string {
	r.keys = append(r.keys, key)
	return "original text"
}

type fixture struct {
	rel    *store.SQLiteStore
	docs   *memDocs
	mem    *search.Memory
	search *search.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rel, err := store.NewSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, rel.Migrate(context.Background()))
	t.Cleanup(func() { _ = rel.Close() })
	mem := search.NewMemory()
	return &fixture{
		rel:    rel,
		docs:   &memDocs{items: map[string]*model.Resume{}},
		mem:    mem,
		search: search.New(mem, nil, nil, search.Options{Dimension: 4}),
	}
}

func (f *fixture) person(t *testing.T, id, email, phone string) *model.Resume {
	t.Helper()
	r := &model.Resume{
		FullName: "Person " + id,
		Email:    email,
		Phone:    phone,
		Skills:   []string{"Go"},
	}
	_, err := f.rel.Upsert(context.Background(), id, r, model.Source{Key: "raw/" + id + ".txt", FileType: "txt"})
	require.NoError(t, err)
	return r
}

func (f *fixture) indexed(t *testing.T, id, email, phone string) {
	t.Helper()
	_, err := f.search.Upsert(context.Background(), id,
		&model.Resume{Summary: "Indexed " + id, Email: email, Phone: phone}, model.Source{})
	require.NoError(t, err)
}

// raw indexes a document directly so several documents can share an
// identifier.
func (f *fixture) raw(t *testing.T, id, email, created string) string {
	t.Helper()
	docID, err := f.mem.Index(context.Background(), "", map[string]any{
		"resume_id":  id,
		"email":      email,
		"created_dt": created,
	})
	require.NoError(t, err)
	return docID
}

func (f *fixture) searchIDs(t *testing.T) []string {
	t.Helper()
	docs, err := f.search.ListDocuments(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.Identifier)
	}
	sort.Strings(ids)
	return ids
}

func TestCleanup_RemovesOrphans(t *testing.T) {
	f := newFixture(t)
	f.person(t, "A", "a@x.com", "")
	f.person(t, "B", "b@x.com", "")
	f.indexed(t, "A", "a@x.com", "")
	f.indexed(t, "B", "b@x.com", "")
	f.indexed(t, "C", "c@x.com", "")

	rep, err := New(f.rel, f.docs, f.search, nil).Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.RelationalIDs)
	assert.Equal(t, 3, rep.Scanned)
	assert.Len(t, rep.Orphans, 1)
	assert.Empty(t, rep.Duplicates)
	assert.Equal(t, []string{"A", "B"}, f.searchIDs(t))
}

func TestCleanup_KeepsOldestPerIdentifierAndContact(t *testing.T) {
	f := newFixture(t)
	f.person(t, "A", "a@x.com", "")
	f.person(t, "B", "b@x.com", "")

	keep := f.raw(t, "A", "a@x.com", "2024-01-01T00:00:00Z")
	dupID := f.raw(t, "A", "", "2024-02-01T00:00:00Z")
	keepB := f.raw(t, "B", "b@x.com", "2024-01-15T00:00:00Z")
	dupEmail := f.raw(t, "B", "b@x.com", "2024-03-01T00:00:00Z")

	rep, err := New(f.rel, nil, f.search, nil).Cleanup(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{dupID, dupEmail}, rep.Duplicates)
	assert.Equal(t, 2, f.mem.Len())

	docs, err := f.search.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, keep, docs[0].DocID)
	assert.Equal(t, keepB, docs[1].DocID)
}

func TestCleanup_SharedContactAcrossIdentifiers(t *testing.T) {
	f := newFixture(t)
	f.person(t, "A", "shared@x.com", "")
	f.person(t, "B", "shared@x.com", "")
	f.raw(t, "A", "shared@x.com", "2024-01-01T00:00:00Z")
	f.raw(t, "B", "shared@x.com", "2024-01-02T00:00:00Z")

	rep, err := New(f.rel, nil, f.search, nil).Cleanup(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Duplicates, 1)
	assert.Equal(t, []string{"A"}, f.searchIDs(t))
}

func TestSync_CreatesMissing(t *testing.T) {
	f := newFixture(t)
	f.person(t, "A", "a@x.com", "555-0100")
	text := &recordingText{}
	a := New(f.rel, f.docs, f.search, text)

	rep, err := a.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RelationalIDs)
	assert.Equal(t, 1, rep.DocumentsCreated)
	assert.Equal(t, 1, rep.SearchCreated)
	assert.Zero(t, rep.SearchMigrated)
	assert.Equal(t, []string{"raw/A.txt"}, text.keys)
	require.Contains(t, f.docs.items, "A")
	assert.Equal(t, []string{"Go"}, f.docs.items["A"].Skills)
	assert.Equal(t, []string{"A"}, f.searchIDs(t))

	rep, err = a.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.DocumentsCreated)
	assert.Zero(t, rep.SearchCreated)
	assert.Equal(t, 1, f.mem.Len())
}

func TestSync_MigratesContactMismatch(t *testing.T) {
	f := newFixture(t)
	f.person(t, "A", "Jane@X.com", "")
	f.indexed(t, "stale-id", "jane@x.com", "")

	rep, err := New(f.rel, nil, f.search, nil).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SearchMigrated)
	assert.Zero(t, rep.SearchCreated)
	assert.Equal(t, []string{"A"}, f.searchIDs(t))

	got, err := f.search.FindByIdentifier(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Indexed stale-id", got.Summary, "the existing document moved rather than being rebuilt")
}

func TestSync_LeavesOtherPersonsDocument(t *testing.T) {
	f := newFixture(t)
	f.person(t, "A", "", "555-0100")
	f.person(t, "B", "b@x.com", "555-0100")
	f.indexed(t, "B", "b@x.com", "555-0100")

	rep, err := New(f.rel, nil, f.search, nil).Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.SearchMigrated)
	assert.Equal(t, 1, rep.SearchCreated)
	assert.Equal(t, []string{"A", "B"}, f.searchIDs(t))
}

func TestSync_CountsErrorsAndContinues(t *testing.T) {
	f := newFixture(t)
	f.person(t, "A", "a@x.com", "")
	f.person(t, "B", "b@x.com", "")
	f.docs.err = errors.New("table missing")

	rep, err := New(f.rel, f.docs, f.search, nil).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Errors)
	assert.Equal(t, 2, rep.SearchCreated)
}

func TestObjectText_Load(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "raw"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "raw", "a.txt"), []byte("Go  developer"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "raw", "empty.txt"), nil, 0o644))

	loader := ObjectText{
		Objects:   objectstore.NewLocal(root),
		Extractor: extract.New(extract.Config{}),
		WorkDir:   t.TempDir(),
	}
	ctx := context.Background()
	assert.Equal(t, "Go developer", loader.Load(ctx, "raw/a.txt"))
	assert.Empty(t, loader.Load(ctx, "raw/empty.txt"))
	assert.Empty(t, loader.Load(ctx, "raw/missing.txt"))
	assert.Empty(t, loader.Load(ctx, "raw/a.rtf"))
}
