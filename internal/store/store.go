package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/identity"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// Adapter is the contract every persistence backend implements. Upsert is an
// idempotent create-or-update keyed by identifier. Lookups return zero values
// with a nil error when nothing matches.
type Adapter interface {
	Name() string
	Upsert(ctx context.Context, id string, r *model.Resume, src model.Source) (string, error)
	FindByIdentifier(ctx context.Context, id string) (*model.Resume, error)
	FindByContact(ctx context.Context, email, phone string) (string, error)
	Delete(ctx context.Context, id string) error
}

// Item is one record in a relational batch write.
type Item struct {
	Identifier string
	Resume     *model.Resume
	Source     model.Source
}

// Relational is the store of record for identity and PII. Contact lookups
// prefer an email match over a phone match; among rows matching the same
// signal the earliest created row wins, ties broken by the smallest
// identifier.
type Relational interface {
	Adapter
	BatchUpsert(ctx context.Context, items []Item) []model.StoreOutcome
	ListIdentifiers(ctx context.Context) ([]string, error)
	Contacts(ctx context.Context) ([]identity.Contact, error)
	EnsureConnection(ctx context.Context) error
	RecordRun(ctx context.Context, run model.Run) error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// retryPolicy attaches a retry logger for op to cfg. Only errors classified
// by resilience.IsTransient are retried.
func retryPolicy(cfg resilience.RetryConfig, op string) resilience.RetryConfig {
	cfg.OnRetry = resilience.RetryLogger(model.StoreRelational, op)
	return cfg
}

// batchWithFallback writes items in one transaction. When the transaction
// fails every item is retried in its own transaction, and items that still
// fail get exactly one more attempt.
func batchWithFallback(
	ctx context.Context,
	name string,
	items []Item,
	batchFn func(ctx context.Context, items []Item) error,
	oneFn func(ctx context.Context, it Item) error,
) []model.StoreOutcome {
	outcomes := make([]model.StoreOutcome, len(items))
	for i, it := range items {
		outcomes[i] = model.StoreOutcome{Store: model.StoreRelational, Identifier: it.Identifier}
	}
	if len(items) == 0 {
		return outcomes
	}

	err := batchFn(ctx, items)
	if err == nil {
		for i := range outcomes {
			outcomes[i].OK = true
		}
		return outcomes
	}
	zap.L().Warn("store: batch write failed, falling back to per-row writes",
		zap.String("store", name),
		zap.Int("items", len(items)),
		zap.Error(err),
	)

	var failed []int
	for i, it := range items {
		if err := oneFn(ctx, it); err != nil {
			failed = append(failed, i)
			outcomes[i].Error = err.Error()
			continue
		}
		outcomes[i].OK = true
	}

	for _, i := range failed {
		if err := oneFn(ctx, items[i]); err != nil {
			zap.L().Warn("store: row write failed after retry",
				zap.String("store", name),
				zap.String("resume_id", items[i].Identifier),
				zap.Error(err),
			)
			outcomes[i].Error = err.Error()
			continue
		}
		outcomes[i].OK = true
		outcomes[i].Error = ""
	}
	return outcomes
}

// piiRow holds the parent-row column values shared by both dialects.
type piiRow struct {
	id, name, email, phone, address, linkedin any
	emailNorm, phoneDigits, bucket, key       any
	filename, fileType                        any
}

func newPIIRow(id string, r *model.Resume, src model.Source) piiRow {
	return piiRow{
		id:          id,
		name:        nullable(r.FullName),
		email:       nullable(r.Email),
		phone:       nullable(r.Phone),
		address:     nullable(r.Address),
		linkedin:    nullable(r.LinkedInURL),
		emailNorm:   nullable(identity.NormalizeEmail(r.Email)),
		phoneDigits: nullable(identity.NormalizePhone(r.Phone)),
		bucket:      nullable(src.Bucket),
		key:         nullable(firstNonEmpty(src.Key, r.S3Key)),
		filename:    nullable(firstNonEmpty(src.Filename, r.OriginalFilename)),
		fileType:    nullable(firstNonEmpty(src.FileType, r.FileType)),
	}
}

func (p piiRow) values() []any {
	return []any{
		p.id, p.name, p.email, p.phone, p.address, p.linkedin,
		p.emailNorm, p.phoneDigits, p.bucket, p.key, p.filename, p.fileType,
	}
}

// piiColumns is the column order of piiRow.values.
var piiColumns = []string{
	"resume_id", "name", "email", "phone_number", "address", "linkedin_url",
	"email_norm", "phone_digits", "s3_bucket", "s3_key", "original_filename", "file_type",
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
