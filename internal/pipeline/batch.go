package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shyampagadi/AI-Rec-Batch/internal/docstore"
	"github.com/shyampagadi/AI-Rec-Batch/internal/identity"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/store"
)

// ProcessKeys runs keys through the pipeline in sequential batches. Within a
// batch documents are prepared concurrently, then written together. The
// returned summary covers every key; no single document failure stops the
// run.
func (o *Orchestrator) ProcessKeys(ctx context.Context, command string, keys []string) *Summary {
	sum := NewSummary(command)
	idx := o.preload(ctx)

	for start, n := 0, 0; start < len(keys); start, n = start+o.opts.BatchSize, n+1 {
		end := min(start+o.opts.BatchSize, len(keys))
		log := zap.L().With(zap.Int("batch", n+1))
		log.Info("pipeline: starting batch", zap.Int("documents", end-start))

		skip := o.opts.SkipStorage
		if !skip && !o.healthy(ctx, log) {
			log.Error("pipeline: relational store unavailable, skipping storage for batch")
			skip = true
		}

		for _, res := range o.runBatch(ctx, keys[start:end], idx, skip) {
			sum.Record(res)
			o.emit(res)
		}

		if end < len(keys) && o.opts.Pause > 0 {
			select {
			case <-ctx.Done():
				log.Warn("pipeline: run cancelled between batches", zap.Error(ctx.Err()))
				sum.Finish()
				return sum
			case <-time.After(o.opts.Pause):
			}
		}
	}
	sum.Finish()
	return sum
}

// preload builds the batch identity index from the store of record. A
// failure leaves an empty index, so duplicates within the run are still
// caught.
func (o *Orchestrator) preload(ctx context.Context) *identity.Index {
	if o.deps.Relational == nil {
		return identity.NewIndex(nil)
	}
	contacts, err := o.deps.Relational.Contacts(ctx)
	if err != nil {
		zap.L().Error("pipeline: preload contacts failed, starting with empty index", zap.Error(err))
		return identity.NewIndex(nil)
	}
	idx := identity.NewIndex(contacts)
	emails, phones := idx.Len()
	zap.L().Info("pipeline: preloaded identity index",
		zap.Int("emails", emails),
		zap.Int("phones", phones),
	)
	return idx
}

// healthy checks the relational connection at a batch boundary, reconnecting
// once when the first check fails.
func (o *Orchestrator) healthy(ctx context.Context, log *zap.Logger) bool {
	if o.deps.Relational == nil {
		return true
	}
	err := o.deps.Relational.EnsureConnection(ctx)
	if err == nil {
		return true
	}
	log.Warn("pipeline: relational health check failed, reconnecting", zap.Error(err))
	if err := o.deps.Relational.EnsureConnection(ctx); err != nil {
		log.Error("pipeline: relational reconnect failed", zap.Error(err))
		return false
	}
	return true
}

// runBatch prepares keys concurrently and writes the survivors.
func (o *Orchestrator) runBatch(ctx context.Context, keys []string, idx *identity.Index, skip bool) []model.DocResult {
	preps := make([]*prepared, len(keys))
	claim := indexClaim(idx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for i, key := range keys {
		g.Go(func() error {
			preps[i] = o.prepare(gctx, key, claim)
			return nil // a failed document never aborts the batch
		})
	}
	_ = g.Wait()

	var live []*prepared
	for _, p := range preps {
		if p.ok() {
			live = append(live, p)
		}
	}

	switch {
	case len(live) == 0:
	case skip:
		for _, p := range live {
			o.skipAll(p)
		}
	default:
		o.writeBatch(ctx, live)
	}

	results := make([]model.DocResult, len(preps))
	for i, p := range preps {
		results[i] = p.result
	}
	return results
}

// writeBatch writes prepared documents to every store. The relational write
// comes first. Document and search writes each run once it has completed.
func (o *Orchestrator) writeBatch(ctx context.Context, preps []*prepared) {
	if o.deps.Relational != nil {
		items := make([]store.Item, len(preps))
		for i, p := range preps {
			items[i] = store.Item{Identifier: p.result.Identifier, Resume: p.resume, Source: p.src}
		}
		outcomes := o.deps.Relational.BatchUpsert(ctx, items)
		for i, p := range preps {
			p.addOutcome(outcomes[i])
		}
	}
	for _, p := range preps {
		p.result.State = model.DocStateRelationalWritten
	}

	o.writeDocuments(ctx, preps)
	for _, p := range preps {
		p.result.State = model.DocStateDocumentWritten
	}

	o.writeSearch(ctx, preps)
	for _, p := range preps {
		p.result.State = model.DocStateSearchWritten
		p.finish()
	}
}

// writeDocuments batch-writes new people and upserts known ones one by one,
// so existing items keep their creation time.
func (o *Orchestrator) writeDocuments(ctx context.Context, preps []*prepared) {
	if o.deps.Documents == nil {
		return
	}
	batcher, ok := o.deps.Documents.(DocumentBatcher)
	if !ok {
		for _, p := range preps {
			p.addOutcome(o.upsert(ctx, o.deps.Documents, p))
		}
		return
	}

	var fresh, known []*prepared
	for _, p := range preps {
		if p.result.IsDuplicate {
			known = append(known, p)
		} else {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) > 0 {
		entries := make([]docstore.Entry, len(fresh))
		for i, p := range fresh {
			entries[i] = docstore.Entry{Identifier: p.result.Identifier, Resume: p.resume}
		}
		for i, out := range batcher.BatchUpsert(ctx, entries) {
			fresh[i].addOutcome(out)
		}
	}
	for _, p := range known {
		p.addOutcome(o.upsert(ctx, o.deps.Documents, p))
	}
}

// writeSearch upserts search documents. Documents sharing an identifier are
// written in order by one goroutine so they update a single entry.
func (o *Orchestrator) writeSearch(ctx context.Context, preps []*prepared) {
	if o.deps.Search == nil {
		return
	}
	var (
		order  []string
		groups = map[string][]*prepared{}
	)
	for _, p := range preps {
		id := p.result.Identifier
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, id := range order {
		group := groups[id]
		g.Go(func() error {
			for _, p := range group {
				p.addOutcome(o.upsert(gctx, o.deps.Search, p))
			}
			return nil
		})
	}
	_ = g.Wait()
}
