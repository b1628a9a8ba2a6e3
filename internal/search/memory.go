package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Memory is an in-process Backend for local runs without a cluster. It
// answers the query shapes Store sends: term, ids and match_all, sorted by
// created_dt then document ID, paged with from, size and search_after.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	seq     int
	mapping map[string]any
}

// NewMemory creates an empty in-process index.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string]any)}
}

// EnsureIndex implements Backend.
func (m *Memory) EnsureIndex(_ context.Context, mapping map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mapping != nil {
		return false, nil
	}
	m.mapping = mapping
	return true, nil
}

// Index implements Backend. Documents round-trip through JSON so stored
// values look as they would coming back from a cluster.
func (m *Memory) Index(_ context.Context, docID string, doc map[string]any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", eris.Wrap(err, "memory: encode document")
	}
	var stored map[string]any
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "", eris.Wrap(err, "memory: decode document")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if docID == "" {
		m.seq++
		docID = fmt.Sprintf("doc-%03d", m.seq)
	}
	m.docs[docID] = stored
	return docID, nil
}

// Search implements Backend.
func (m *Memory) Search(_ context.Context, query map[string]any) ([]Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := func(string, map[string]any) bool { return true }
	q, _ := query["query"].(map[string]any)
	if term, ok := q["term"].(map[string]any); ok {
		for field, value := range term {
			match = func(_ string, doc map[string]any) bool { return doc[field] == value }
		}
	}
	if ids, ok := q["ids"].(map[string]any); ok {
		want := map[string]bool{}
		if vals, ok := ids["values"].([]string); ok {
			for _, v := range vals {
				want[v] = true
			}
		}
		match = func(id string, _ map[string]any) bool { return want[id] }
	}

	var ids []string
	for id, doc := range m.docs {
		if match(id, doc) {
			ids = append(ids, id)
		}
	}
	created := func(id string) string {
		c, _ := m.docs[id]["created_dt"].(string)
		return c
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := created(ids[i]), created(ids[j])
		if ci != cj {
			return ci < cj
		}
		return ids[i] < ids[j]
	})

	if after, ok := query["search_after"].([]any); ok && len(after) == 2 {
		ac, _ := after[0].(string)
		aid, _ := after[1].(string)
		n := sort.Search(len(ids), func(i int) bool {
			c := created(ids[i])
			return c > ac || (c == ac && ids[i] > aid)
		})
		ids = ids[n:]
	}

	from, _ := query["from"].(int)
	size, _ := query["size"].(int)
	from = min(from, len(ids))
	ids = ids[from:]
	if size > 0 && len(ids) > size {
		ids = ids[:size]
	}

	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		raw, err := json.Marshal(m.docs[id])
		if err != nil {
			return nil, eris.Wrapf(err, "memory: encode document %s", id)
		}
		hits = append(hits, Hit{ID: id, Source: raw, Sort: []any{created(id), id}})
	}
	return hits, nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}

// Ping implements Backend.
func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

var _ Backend = (*Memory)(nil)
