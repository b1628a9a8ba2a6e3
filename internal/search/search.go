// Package search keeps a semantic index of resumes. The index assigns its own
// document IDs, so the canonical identifier lives in the resume_id field and
// every lookup by identifier is a query.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/identity"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/normalize"
	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// OriginalTextHeader separates the structured summary from the sanitized
// document text in the embedded input.
const OriginalTextHeader = "\n\n# ORIGINAL RESUME TEXT\n"

// listPageSize is the page size for identifier scans. ListDocuments pages
// with search_after, so it is not bounded by the engine's result window.
const listPageSize = 500

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is the identity projection of one indexed document.
type Document struct {
	DocID      string
	Identifier string
	Email      string
	Phone      string
	CreatedAt  string
}

type source struct {
	ResumeID  string `json:"resume_id"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	CreatedDT string `json:"created_dt"`
}

// Options configures a Store.
type Options struct {
	Dimension int
	Retry     resilience.RetryConfig
}

// Store implements store.Adapter over a search Backend.
type Store struct {
	backend  Backend
	embedder Embedder
	cache    *EmbeddingCache
	dim      int
	retry    resilience.RetryConfig
	now      func() time.Time
}

// New creates a search store. A nil embedder indexes zero vectors; a nil
// cache disables caching.
func New(backend Backend, embedder Embedder, cache *EmbeddingCache, opts Options) *Store {
	if opts.Dimension <= 0 {
		opts.Dimension = DefaultDimension
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Store{
		backend:  backend,
		embedder: embedder,
		cache:    cache,
		dim:      opts.Dimension,
		retry:    opts.Retry,
		now:      time.Now,
	}
}

// Name implements store.Adapter.
func (s *Store) Name() string { return model.StoreSearch }

// EnsureIndex creates the index when it does not exist.
func (s *Store) EnsureIndex(ctx context.Context) error {
	_, err := s.backend.EnsureIndex(ctx, Mapping(s.dim))
	return err
}

// Ping checks the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Store) search(ctx context.Context, op string, query map[string]any) ([]Hit, error) {
	retry := s.retry
	retry.OnRetry = resilience.RetryLogger(s.Name(), op)
	return resilience.DoVal(ctx, retry, func(ctx context.Context) ([]Hit, error) {
		return s.backend.Search(ctx, query)
	})
}

func termQuery(field, value string, size int) map[string]any {
	return map[string]any{
		"size":  size,
		"query": map[string]any{"term": map[string]any{field: value}},
		"sort": []any{
			map[string]any{"created_dt": map[string]any{"order": "asc", "unmapped_type": "date"}},
		},
	}
}

func decode(h Hit) (Document, error) {
	var src source
	if err := json.Unmarshal(h.Source, &src); err != nil {
		return Document{}, eris.Wrapf(err, "search: decode document %s", h.ID)
	}
	return Document{
		DocID:      h.ID,
		Identifier: src.ResumeID,
		Email:      src.Email,
		Phone:      src.Phone,
		CreatedAt:  src.CreatedDT,
	}, nil
}

// findDocs returns the documents carrying id, oldest first.
func (s *Store) findDocs(ctx context.Context, id string, size int) ([]Document, error) {
	hits, err := s.search(ctx, "find_by_identifier", termQuery("resume_id", id, size))
	if err != nil {
		return nil, eris.Wrapf(err, "search: find %s", id)
	}
	docs := make([]Document, 0, len(hits))
	for _, h := range hits {
		d, err := decode(h)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// findContactDoc returns the oldest document matching email, or phone when
// no email matches.
func (s *Store) findContactDoc(ctx context.Context, email, phone string) (*Document, error) {
	email, phone = identity.NormalizeEmail(email), identity.NormalizePhone(phone)
	for _, q := range []struct{ field, value string }{{"email", email}, {"phone", phone}} {
		if q.value == "" {
			continue
		}
		hits, err := s.search(ctx, "find_by_contact", termQuery(q.field, q.value, 1))
		if err != nil {
			return nil, eris.Wrap(err, "search: find by contact")
		}
		if len(hits) == 0 {
			continue
		}
		d, err := decode(hits[0])
		if err != nil {
			return nil, err
		}
		return &d, nil
	}
	return nil, nil
}

// Upsert indexes r under id. When id is empty the document matching r's
// contact details is updated and its identifier kept; the index never mints
// identifiers of its own. Otherwise the oldest document carrying id is
// updated, or a new one is created.
func (s *Store) Upsert(ctx context.Context, id string, r *model.Resume, src model.Source) (string, error) {
	var existing *Document
	if id == "" {
		d, err := s.findContactDoc(ctx, r.Email, r.Phone)
		if err != nil {
			return "", err
		}
		if d == nil {
			return "", eris.New("search: upsert requires an identifier")
		}
		existing, id = d, d.Identifier
	} else {
		docs, err := s.findDocs(ctx, id, 1)
		if err != nil {
			return "", err
		}
		if len(docs) > 0 {
			existing = &docs[0]
		}
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	created, docID := now, ""
	if existing != nil {
		docID = existing.DocID
		if existing.CreatedAt != "" {
			created = existing.CreatedAt
		}
	}

	doc := s.document(id, r, s.embedding(ctx, id, r, src.Text))
	doc["created_dt"] = created
	doc["updated_dt"] = now

	retry := s.retry
	retry.OnRetry = resilience.RetryLogger(s.Name(), "index")
	assigned, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		return s.backend.Index(ctx, docID, doc)
	})
	if err != nil {
		return "", eris.Wrapf(err, "search: index %s", id)
	}
	zap.L().Debug("search: indexed resume",
		zap.String("resume_id", id),
		zap.String("doc_id", assigned),
		zap.Bool("update", docID != ""),
	)
	return id, nil
}

// CombinedText is the text embedded for r: a structured summary of the
// non-personal fields followed by the document text, with r's personal
// values redacted from both.
func CombinedText(r *model.Resume, text string) string {
	return Sanitize(structuredText(r)+OriginalTextHeader+text, r)
}

func (s *Store) embedding(ctx context.Context, id string, r *model.Resume, text string) []float32 {
	combined := CombinedText(r, text)
	if s.cache != nil {
		if vec, ok := s.cache.Get(combined); ok {
			return vec
		}
	}
	if s.embedder == nil {
		return make([]float32, s.dim)
	}

	vec, err := s.embedder.Embed(ctx, combined)
	if err != nil {
		zap.L().Warn("search: embedding failed, indexing zero vector",
			zap.String("resume_id", id),
			zap.Error(err),
		)
		return make([]float32, s.dim)
	}
	vec = Fit(vec, s.dim)
	if s.cache != nil {
		s.cache.Put(combined, vec)
	}
	return vec
}

// Fit truncates or zero-pads vec to dim components.
func Fit(vec []float32, dim int) []float32 {
	if len(vec) == dim {
		return vec
	}
	if len(vec) != 0 {
		zap.L().Debug("search: fitting embedding dimension",
			zap.Int("got", len(vec)),
			zap.Int("want", dim),
		)
	}
	out := make([]float32, dim)
	copy(out, vec)
	return out
}

func (s *Store) document(id string, r *model.Resume, vec []float32) map[string]any {
	doc := map[string]any{
		"resume_id":        id,
		"resume_embedding": vec,
		"summary":          r.Summary,
		"total_experience": r.TotalExperience,
		"skills":           r.Skills,
		"positions":        r.Positions,
		"certifications":   r.Certifications,
		"industries":       r.Industries,
		"companies":        r.Companies,
		"education":        r.Education,
		"achievements":     r.Achievements,
		"projects":         r.Projects,
	}
	if email := identity.NormalizeEmail(r.Email); email != "" {
		doc["email"] = email
	}
	if phone := identity.NormalizePhone(r.Phone); phone != "" {
		doc["phone"] = phone
	}
	return doc
}

func structuredText(r *model.Resume) string {
	var b strings.Builder
	section := func(title, body string) {
		if body == "" {
			return
		}
		fmt.Fprintf(&b, "# %s\n%s\n\n", title, body)
	}

	section("SUMMARY", r.Summary)
	if r.TotalExperience > 0 {
		section("TOTAL EXPERIENCE", fmt.Sprintf("%g years", r.TotalExperience))
	}
	section("SKILLS", strings.Join(r.Skills, ", "))
	section("POSITIONS", strings.Join(r.Positions, ", "))
	section("INDUSTRIES", strings.Join(r.Industries, ", "))
	section("CERTIFICATIONS", strings.Join(r.Certifications, ", "))

	var lines []string
	for _, c := range r.Companies {
		line := c.Name
		if c.Role != "" {
			line = c.Role + " at " + line
		}
		if c.Duration != "" {
			line += " (" + c.Duration + ")"
		}
		if c.Description != "" {
			line += ": " + c.Description
		}
		if len(c.Technologies) > 0 {
			line += " [" + strings.Join(c.Technologies, ", ") + "]"
		}
		lines = append(lines, line)
	}
	section("EXPERIENCE", strings.Join(lines, "\n"))

	lines = lines[:0]
	for _, e := range r.Education {
		line := e.Degree
		if e.Institution != "" {
			line += ", " + e.Institution
		}
		if e.Year > 0 {
			line += fmt.Sprintf(" (%d)", e.Year)
		}
		lines = append(lines, line)
	}
	section("EDUCATION", strings.Join(lines, "\n"))

	lines = lines[:0]
	for _, p := range r.Projects {
		line := p.Name
		if p.Description != "" {
			line += ": " + p.Description
		}
		if len(p.Technologies) > 0 {
			line += " [" + strings.Join(p.Technologies, ", ") + "]"
		}
		lines = append(lines, line)
	}
	section("PROJECTS", strings.Join(lines, "\n"))

	lines = lines[:0]
	for _, a := range r.Achievements {
		lines = append(lines, strings.TrimSpace(a.Description+" "+a.Metrics))
	}
	section("ACHIEVEMENTS", strings.Join(lines, "\n"))

	return strings.TrimRight(b.String(), "\n")
}

// FindByIdentifier returns the structured fields of the oldest document
// carrying id, or nil.
func (s *Store) FindByIdentifier(ctx context.Context, id string) (*model.Resume, error) {
	hits, err := s.search(ctx, "find_by_identifier", termQuery("resume_id", id, 1))
	if err != nil {
		return nil, eris.Wrapf(err, "search: find %s", id)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(hits[0].Source, &raw); err != nil {
		return nil, eris.Wrapf(err, "search: decode document %s", hits[0].ID)
	}
	delete(raw, "resume_embedding")
	r := normalize.Normalize(raw)
	r.Identifier = id
	return r, nil
}

// FindByContact returns the identifier of the oldest document matching the
// normalized email, falling back to the phone digits. The relational store
// overrides anything this returns.
func (s *Store) FindByContact(ctx context.Context, email, phone string) (string, error) {
	d, err := s.findContactDoc(ctx, email, phone)
	if err != nil || d == nil {
		return "", err
	}
	return d.Identifier, nil
}

// Delete removes every document carrying id.
func (s *Store) Delete(ctx context.Context, id string) error {
	docs, err := s.findDocs(ctx, id, listPageSize)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := s.DeleteDocument(ctx, d.DocID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDocument removes one document by its index-assigned ID.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	retry := s.retry
	retry.OnRetry = resilience.RetryLogger(s.Name(), "delete")
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return s.backend.Delete(ctx, docID)
	})
	return eris.Wrapf(err, "search: delete document %s", docID)
}

// ListDocuments returns the identity projection of every indexed document,
// oldest first. Pages are chained with search_after on (created_dt, _id).
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	var (
		docs  []Document
		after []any
	)
	for {
		query := map[string]any{
			"size":    listPageSize,
			"query":   map[string]any{"match_all": map[string]any{}},
			"_source": []string{"resume_id", "email", "phone", "created_dt"},
			"sort": []any{
				map[string]any{"created_dt": map[string]any{"order": "asc", "unmapped_type": "date"}},
				map[string]any{"_id": map[string]any{"order": "asc"}},
			},
		}
		if after != nil {
			query["search_after"] = after
		}
		hits, err := s.search(ctx, "list", query)
		if err != nil {
			return nil, eris.Wrap(err, "search: list documents")
		}
		for _, h := range hits {
			d, err := decode(h)
			if err != nil {
				return nil, err
			}
			docs = append(docs, d)
		}
		if len(hits) < listPageSize {
			return docs, nil
		}
		last := hits[len(hits)-1]
		if len(last.Sort) == 0 {
			return nil, eris.Errorf("search: list page ending at %s has no sort cursor", last.ID)
		}
		after = last.Sort
	}
}

// Reassign moves the document docID to identifier to: the full document is
// re-indexed as a new document carrying to, then the old one is deleted.
func (s *Store) Reassign(ctx context.Context, docID, to string) error {
	hits, err := s.search(ctx, "reassign", map[string]any{
		"size":  1,
		"query": map[string]any{"ids": map[string]any{"values": []string{docID}}},
	})
	if err != nil {
		return eris.Wrapf(err, "search: load document %s", docID)
	}
	if len(hits) == 0 {
		return eris.Errorf("search: document %s not found", docID)
	}
	var doc map[string]any
	if err := json.Unmarshal(hits[0].Source, &doc); err != nil {
		return eris.Wrapf(err, "search: decode document %s", docID)
	}
	doc["resume_id"] = to
	doc["updated_dt"] = s.now().UTC().Format(time.RFC3339Nano)

	retry := s.retry
	retry.OnRetry = resilience.RetryLogger(s.Name(), "index")
	if _, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		return s.backend.Index(ctx, "", doc)
	}); err != nil {
		return eris.Wrapf(err, "search: reindex %s as %s", docID, to)
	}
	return s.DeleteDocument(ctx, docID)
}
