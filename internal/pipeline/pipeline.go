// Package pipeline drives documents through extraction, normalization,
// identity resolution and the three store writes.
package pipeline

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/docstore"
	"github.com/shyampagadi/AI-Rec-Batch/internal/extract"
	"github.com/shyampagadi/AI-Rec-Batch/internal/identity"
	"github.com/shyampagadi/AI-Rec-Batch/internal/llm"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/normalize"
	"github.com/shyampagadi/AI-Rec-Batch/internal/objectstore"
	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
	"github.com/shyampagadi/AI-Rec-Batch/internal/store"
)

// TextExtractor pulls text from a local file. Failures are reported in-band
// with extract.FailedPrefix.
type TextExtractor interface {
	ExtractText(ctx context.Context, path, fileType string) string
}

// ResumeExtractor turns document text into raw resume fields.
type ResumeExtractor interface {
	Extract(ctx context.Context, in llm.Input) (map[string]any, error)
}

// DocumentBatcher is implemented by document stores that accept batch
// writes for newly minted identifiers.
type DocumentBatcher interface {
	BatchUpsert(ctx context.Context, entries []docstore.Entry) []model.StoreOutcome
}

// Deps are the collaborators of an Orchestrator. Documents and Search may be
// nil, in which case their writes are reported as skipped.
type Deps struct {
	Objects    objectstore.Store
	Text       TextExtractor
	LLM        ResumeExtractor
	Relational store.Relational
	Documents  store.Adapter
	Search     store.Adapter
	Breakers   *resilience.Breakers
}

// Options tune batch execution.
type Options struct {
	BatchSize   int
	Workers     int
	Pause       time.Duration
	SkipStorage bool
	// WorkDir holds per-document temporary downloads. Empty uses os.TempDir.
	WorkDir string
	// Sink receives every terminal document result in addition to the run
	// summary.
	Sink Sink
}

// Defaults for Options.
const (
	DefaultBatchSize = 10
	DefaultWorkers   = 4
	DefaultPause     = 2 * time.Second
)

// Orchestrator runs the per-document state machine.
type Orchestrator struct {
	deps Deps
	opts Options
	mint func() string
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	return &Orchestrator{deps: deps, opts: opts, mint: uuid.NewString}
}

// prepared is a document that has been read and resolved but not yet written.
type prepared struct {
	result model.DocResult
	resume *model.Resume
	src    model.Source
}

func (p *prepared) fail(err error) *prepared {
	p.result.State = model.DocStateFailed
	p.result.Error = err.Error()
	return p
}

func (p *prepared) ok() bool { return p.result.State != model.DocStateFailed }

// claimFunc resolves the identity of r. candidate is the identifier to use
// when the person is new.
type claimFunc func(ctx context.Context, r *model.Resume, candidate string) (id string, duplicate bool)

// newPerson treats every document as a new person. It is used when no
// relational store is configured.
func newPerson(_ context.Context, _ *model.Resume, candidate string) (string, bool) {
	return candidate, false
}

// relationalClaim resolves against the store of record. A lookup error is
// treated as no duplicate.
func relationalClaim(resolver *identity.Resolver) claimFunc {
	return func(ctx context.Context, r *model.Resume, candidate string) (string, bool) {
		id, err := resolver.Resolve(ctx, r.Email, r.Phone)
		if err != nil {
			zap.L().Warn("pipeline: duplicate lookup failed, treating as new person",
				zap.String("resume_id", candidate),
				zap.Error(err),
			)
			return candidate, false
		}
		if id != "" {
			return id, true
		}
		return candidate, false
	}
}

// indexClaim resolves against a preloaded batch index and records new
// identifiers so later documents of the same run see them.
func indexClaim(idx *identity.Index) claimFunc {
	return func(_ context.Context, r *model.Resume, candidate string) (string, bool) {
		return idx.Claim(identity.Contact{Identifier: candidate, Email: r.Email, Phone: r.Phone})
	}
}

// prepare downloads, extracts, normalizes and resolves one document.
func (o *Orchestrator) prepare(ctx context.Context, key string, claim claimFunc) *prepared {
	start := time.Now()
	p := &prepared{result: model.DocResult{Key: key}}
	log := zap.L().With(zap.String("key", key))

	fileType, ok := extract.FileType(key)
	if !ok {
		return p.fail(eris.Errorf("pipeline: unsupported file type %q", fileType))
	}

	dir, err := os.MkdirTemp(o.opts.WorkDir, "resume-*")
	if err != nil {
		return p.fail(eris.Wrap(err, "pipeline: create work dir"))
	}
	defer os.RemoveAll(dir)

	local, err := o.deps.Objects.Download(ctx, key, dir)
	if err != nil {
		return p.fail(eris.Wrap(err, "pipeline: download"))
	}

	text := o.deps.Text.ExtractText(ctx, local, fileType)
	p.result.State = model.DocStateExtracted

	raw, err := o.rawFields(ctx, key, fileType, text)
	if err != nil {
		return p.fail(err)
	}
	raw["s3_key"] = key
	raw["file_type"] = fileType
	raw["original_filename"] = path.Base(key)
	raw["processing_time"] = time.Since(start).Seconds()

	r := normalize.Normalize(raw)
	p.result.State = model.DocStateNormalized
	p.result.Fallback = r.ExtractionFallback

	id, dup := claim(ctx, r, o.mint())
	r.Identifier = id
	r.IsDuplicate = dup
	p.result.Identifier = id
	p.result.IsDuplicate = dup
	p.result.State = model.DocStateIdentityResolved
	p.resume = r
	p.result.Resume = r

	p.src = model.Source{
		Bucket:   o.deps.Objects.Bucket(),
		Key:      key,
		Filename: r.OriginalFilename,
		FileType: fileType,
	}
	if !extract.Failed(text) {
		p.src.Text = text
	}

	log.Info("pipeline: document resolved",
		zap.String("resume_id", id),
		zap.Bool("is_duplicate", dup),
		zap.Bool("fallback", r.ExtractionFallback),
		zap.Duration("elapsed", time.Since(start)),
	)
	return p
}

// rawFields asks the model for structured fields, falling back to metadata
// recovered from the file name when no text or no model answer is usable.
func (o *Orchestrator) rawFields(ctx context.Context, key, fileType, text string) (map[string]any, error) {
	hints, hasHints := normalize.FromFilename(key)

	if extract.Failed(text) {
		if !hasHints {
			return nil, eris.Errorf("pipeline: no usable text: %s", text)
		}
		zap.L().Warn("pipeline: extraction failed, using file name metadata",
			zap.String("key", key),
			zap.String("reason", text),
		)
		return hints, nil
	}

	raw, err := o.deps.LLM.Extract(ctx, llm.Input{
		Text:     text,
		FileType: fileType,
		Filename: path.Base(key),
		Hints:    hints,
	})
	if err != nil {
		if !hasHints {
			return nil, eris.Wrap(err, "pipeline: llm extraction")
		}
		zap.L().Warn("pipeline: llm extraction failed, using file name metadata",
			zap.String("key", key),
			zap.Error(err),
		)
		hints["extraction_error"] = err.Error()
		return hints, nil
	}
	return raw, nil
}

// ProcessFile runs one document end to end, resolving identity directly
// against the relational store.
func (o *Orchestrator) ProcessFile(ctx context.Context, key string) model.DocResult {
	claim := newPerson
	if o.deps.Relational != nil {
		claim = relationalClaim(identity.NewResolver(o.deps.Relational))
	}
	p := o.prepare(ctx, key, claim)
	if p.ok() {
		if o.opts.SkipStorage {
			o.skipAll(p)
		} else {
			o.writeOne(ctx, p)
		}
	}
	o.emit(p.result)
	return p.result
}

// writeOne performs the three writes for p in order. Each write is attempted
// regardless of how the previous ones went.
func (o *Orchestrator) writeOne(ctx context.Context, p *prepared) {
	p.addOutcome(o.upsert(ctx, o.deps.Relational, p))
	p.result.State = model.DocStateRelationalWritten

	p.addOutcome(o.upsert(ctx, o.deps.Documents, p))
	p.result.State = model.DocStateDocumentWritten

	p.addOutcome(o.upsert(ctx, o.deps.Search, p))
	p.result.State = model.DocStateSearchWritten

	p.finish()
}

// upsert writes p to a through that store's circuit breaker.
func (o *Orchestrator) upsert(ctx context.Context, a store.Adapter, p *prepared) model.StoreOutcome {
	if a == nil {
		return model.StoreOutcome{Identifier: p.result.Identifier, Skipped: true}
	}
	out := model.StoreOutcome{Store: a.Name(), Identifier: p.result.Identifier}
	write := func(ctx context.Context) error {
		_, err := a.Upsert(ctx, p.result.Identifier, p.resume, p.src)
		return err
	}
	var err error
	if o.deps.Breakers != nil {
		err = o.deps.Breakers.Get(a.Name()).Execute(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		out.Error = err.Error()
		zap.L().Warn("pipeline: store write failed",
			zap.String("store", a.Name()),
			zap.String("resume_id", p.result.Identifier),
			zap.String("key", p.result.Key),
			zap.Error(err),
		)
		return out
	}
	out.OK = true
	return out
}

func (p *prepared) addOutcome(o model.StoreOutcome) {
	if o.Skipped && o.Store == "" {
		return
	}
	p.result.Outcomes = append(p.result.Outcomes, o)
}

// finish settles the terminal state. The relational store is the store of
// record, so a document is stored once its relational write succeeded;
// other store failures stay visible in the outcomes.
func (p *prepared) finish() {
	for _, o := range p.result.Outcomes {
		if o.Store == model.StoreRelational && !o.OK {
			p.result.State = model.DocStateFailed
			p.result.Error = "relational write failed: " + o.Error
			return
		}
	}
	p.result.State = model.DocStateStored
}

// skipAll records skipped outcomes for every configured store.
func (o *Orchestrator) skipAll(p *prepared) {
	for _, name := range o.storeNames() {
		p.result.Outcomes = append(p.result.Outcomes, model.StoreOutcome{
			Store:      name,
			Identifier: p.result.Identifier,
			Skipped:    true,
		})
	}
}

func (o *Orchestrator) storeNames() []string {
	names := []string{model.StoreRelational}
	if o.deps.Documents != nil {
		names = append(names, o.deps.Documents.Name())
	}
	if o.deps.Search != nil {
		names = append(names, o.deps.Search.Name())
	}
	return names
}

func (o *Orchestrator) emit(res model.DocResult) {
	if o.opts.Sink != nil {
		o.opts.Sink.Record(res)
	}
}
