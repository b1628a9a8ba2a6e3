// Package audit detects and repairs drift between the relational store of
// record and the document and search stores. Identity always flows from the
// relational store outward.
package audit

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/extract"
	"github.com/shyampagadi/AI-Rec-Batch/internal/identity"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/objectstore"
	"github.com/shyampagadi/AI-Rec-Batch/internal/search"
	"github.com/shyampagadi/AI-Rec-Batch/internal/store"
)

// Relational is the read side of the store of record.
type Relational interface {
	ListIdentifiers(ctx context.Context) ([]string, error)
	FindByIdentifier(ctx context.Context, id string) (*model.Resume, error)
}

// SearchIndex is the search store as the auditor sees it.
type SearchIndex interface {
	ListDocuments(ctx context.Context) ([]search.Document, error)
	DeleteDocument(ctx context.Context, docID string) error
	Upsert(ctx context.Context, id string, r *model.Resume, src model.Source) (string, error)
	Reassign(ctx context.Context, docID, to string) error
}

// TextLoader returns the extracted text of a stored document, or "" when it
// cannot be obtained.
type TextLoader interface {
	Load(ctx context.Context, key string) string
}

// Auditor runs the cleanup and ID sync sweeps. Documents and Text may be nil.
type Auditor struct {
	relational Relational
	documents  store.Adapter
	search     SearchIndex
	text       TextLoader
}

// New creates an Auditor.
func New(relational Relational, documents store.Adapter, idx SearchIndex, text TextLoader) *Auditor {
	return &Auditor{relational: relational, documents: documents, search: idx, text: text}
}

// CleanupReport is the outcome of a cleanup sweep.
type CleanupReport struct {
	RelationalIDs int      `json:"relational_ids" yaml:"relational_ids"`
	Scanned       int      `json:"scanned" yaml:"scanned"`
	Orphans       []string `json:"orphans" yaml:"orphans"`
	Duplicates    []string `json:"duplicates" yaml:"duplicates"`
	Errors        int      `json:"errors" yaml:"errors"`
}

// Cleanup deletes search documents whose identifier is unknown to the
// relational store, then keeps only the oldest document per identifier,
// email and phone.
func (a *Auditor) Cleanup(ctx context.Context) (*CleanupReport, error) {
	start := time.Now()
	ids, err := a.relational.ListIdentifiers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list relational identifiers")
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	docs, err := a.search.ListDocuments(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list search documents")
	}
	rep := &CleanupReport{
		RelationalIDs: len(ids),
		Scanned:       len(docs),
		Orphans:       []string{},
		Duplicates:    []string{},
	}

	var (
		seenIDs    = map[string]bool{}
		seenEmails = map[string]bool{}
		seenPhones = map[string]bool{}
	)
	for _, d := range docs {
		email, phone := identity.NormalizeEmail(d.Email), identity.NormalizePhone(d.Phone)
		switch {
		case !known[d.Identifier]:
			if a.delete(ctx, d, "orphan", rep) {
				rep.Orphans = append(rep.Orphans, d.DocID)
			}
		case seenIDs[d.Identifier] || (email != "" && seenEmails[email]) || (phone != "" && seenPhones[phone]):
			if a.delete(ctx, d, "duplicate", rep) {
				rep.Duplicates = append(rep.Duplicates, d.DocID)
			}
		default:
			seenIDs[d.Identifier] = true
			if email != "" {
				seenEmails[email] = true
			}
			if phone != "" {
				seenPhones[phone] = true
			}
		}
	}

	zap.L().Info("audit: cleanup complete",
		zap.Int("relational_ids", rep.RelationalIDs),
		zap.Int("scanned", rep.Scanned),
		zap.Int("orphans", len(rep.Orphans)),
		zap.Int("duplicates", len(rep.Duplicates)),
		zap.Int("errors", rep.Errors),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rep, nil
}

func (a *Auditor) delete(ctx context.Context, d search.Document, reason string, rep *CleanupReport) bool {
	if err := a.search.DeleteDocument(ctx, d.DocID); err != nil {
		rep.Errors++
		zap.L().Warn("audit: delete failed",
			zap.String("reason", reason),
			zap.String("resume_id", d.Identifier),
			zap.String("doc_id", d.DocID),
			zap.Error(err),
		)
		return false
	}
	zap.L().Info("audit: deleted search document",
		zap.String("reason", reason),
		zap.String("resume_id", d.Identifier),
		zap.String("doc_id", d.DocID),
	)
	return true
}

// SyncReport is the outcome of an ID sync sweep.
type SyncReport struct {
	RelationalIDs    int `json:"relational_ids" yaml:"relational_ids"`
	DocumentsCreated int `json:"documents_created" yaml:"documents_created"`
	SearchCreated    int `json:"search_created" yaml:"search_created"`
	SearchMigrated   int `json:"search_migrated" yaml:"search_migrated"`
	Errors           int `json:"errors" yaml:"errors"`
}

// Sync makes every relational identifier present in the document and search
// stores. A search document holding the same contact details under another
// identifier is moved to the relational identifier instead of creating a
// second document.
func (a *Auditor) Sync(ctx context.Context) (*SyncReport, error) {
	start := time.Now()
	ids, err := a.relational.ListIdentifiers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list relational identifiers")
	}
	docs, err := a.search.ListDocuments(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "audit: list search documents")
	}
	snap := newSnapshot(docs)
	for _, id := range ids {
		snap.relational[id] = true
	}
	rep := &SyncReport{RelationalIDs: len(ids)}

	for _, id := range ids {
		log := zap.L().With(zap.String("resume_id", id))
		r, err := a.relational.FindByIdentifier(ctx, id)
		if err != nil {
			rep.Errors++
			log.Warn("audit: load relational record failed", zap.Error(err))
			continue
		}
		if r == nil {
			log.Warn("audit: identifier vanished during sync")
			continue
		}

		if a.documents != nil {
			if err := a.syncDocument(ctx, id, r, rep); err != nil {
				rep.Errors++
				log.Warn("audit: document store sync failed", zap.Error(err))
			}
		}
		if err := a.syncSearch(ctx, id, r, snap, rep); err != nil {
			rep.Errors++
			log.Warn("audit: search sync failed", zap.Error(err))
		}
	}

	zap.L().Info("audit: sync complete",
		zap.Int("relational_ids", rep.RelationalIDs),
		zap.Int("documents_created", rep.DocumentsCreated),
		zap.Int("search_created", rep.SearchCreated),
		zap.Int("search_migrated", rep.SearchMigrated),
		zap.Int("errors", rep.Errors),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rep, nil
}

func (a *Auditor) syncDocument(ctx context.Context, id string, r *model.Resume, rep *SyncReport) error {
	existing, err := a.documents.FindByIdentifier(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if _, err := a.documents.Upsert(ctx, id, r, source(r)); err != nil {
		return err
	}
	rep.DocumentsCreated++
	zap.L().Info("audit: created missing document item", zap.String("resume_id", id))
	return nil
}

func (a *Auditor) syncSearch(ctx context.Context, id string, r *model.Resume, snap *snapshot, rep *SyncReport) error {
	if snap.has(id) {
		return nil
	}

	// A document owned by another relational identifier belongs to that
	// person and is left alone.
	if d := snap.byContact(r.Email, r.Phone); d != nil && d.Identifier != id && !snap.relational[d.Identifier] {
		if err := a.search.Reassign(ctx, d.DocID, id); err != nil {
			return eris.Wrapf(err, "audit: migrate %s from %s", d.DocID, d.Identifier)
		}
		snap.moved(*d, id)
		rep.SearchMigrated++
		zap.L().Info("audit: migrated search document",
			zap.String("resume_id", id),
			zap.String("from", d.Identifier),
			zap.String("doc_id", d.DocID),
		)
		return nil
	}

	src := source(r)
	if a.text != nil && r.S3Key != "" {
		src.Text = a.text.Load(ctx, r.S3Key)
	}
	if _, err := a.search.Upsert(ctx, id, r, src); err != nil {
		return err
	}
	snap.added(id)
	rep.SearchCreated++
	zap.L().Info("audit: created missing search document",
		zap.String("resume_id", id),
		zap.Bool("with_text", src.Text != ""),
	)
	return nil
}

func source(r *model.Resume) model.Source {
	return model.Source{Key: r.S3Key, Filename: r.OriginalFilename, FileType: r.FileType}
}

// snapshot indexes the search documents listed at the start of a sync.
type snapshot struct {
	relational map[string]bool
	ids        map[string]bool
	emails     map[string]search.Document
	phones     map[string]search.Document
}

func newSnapshot(docs []search.Document) *snapshot {
	s := &snapshot{
		relational: map[string]bool{},
		ids:        map[string]bool{},
		emails:     map[string]search.Document{},
		phones:     map[string]search.Document{},
	}
	// docs are oldest first; the oldest document claims each contact value.
	for _, d := range docs {
		s.ids[d.Identifier] = true
		if e := identity.NormalizeEmail(d.Email); e != "" {
			if _, ok := s.emails[e]; !ok {
				s.emails[e] = d
			}
		}
		if p := identity.NormalizePhone(d.Phone); p != "" {
			if _, ok := s.phones[p]; !ok {
				s.phones[p] = d
			}
		}
	}
	return s
}

func (s *snapshot) has(id string) bool { return s.ids[id] }

func (s *snapshot) added(id string) { s.ids[id] = true }

// byContact returns the document owning email, or phone when no document
// owns the email.
func (s *snapshot) byContact(email, phone string) *search.Document {
	if e := identity.NormalizeEmail(email); e != "" {
		if d, ok := s.emails[e]; ok {
			return &d
		}
	}
	if p := identity.NormalizePhone(phone); p != "" {
		if d, ok := s.phones[p]; ok {
			return &d
		}
	}
	return nil
}

// moved records that d now carries identifier to.
func (s *snapshot) moved(d search.Document, to string) {
	s.ids[to] = true
	d.Identifier = to
	if e := identity.NormalizeEmail(d.Email); e != "" {
		s.emails[e] = d
	}
	if p := identity.NormalizePhone(d.Phone); p != "" {
		s.phones[p] = d
	}
}

// ObjectText loads document text by downloading and extracting the original
// file.
type ObjectText struct {
	Objects   objectstore.Store
	Extractor *extract.Extractor
	WorkDir   string
}

// Load implements TextLoader.
func (o ObjectText) Load(ctx context.Context, key string) string {
	fileType, ok := extract.FileType(key)
	if !ok {
		return ""
	}
	dir, err := os.MkdirTemp(o.WorkDir, "audit-*")
	if err != nil {
		zap.L().Warn("audit: create work dir failed", zap.Error(err))
		return ""
	}
	defer os.RemoveAll(dir)

	path, err := o.Objects.Download(ctx, key, dir)
	if err != nil {
		zap.L().Warn("audit: download original failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	text := o.Extractor.ExtractText(ctx, path, fileType)
	if extract.Failed(text) {
		return ""
	}
	return text
}
