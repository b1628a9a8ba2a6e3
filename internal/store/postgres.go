package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shyampagadi/AI-Rec-Batch/internal/db"
	"github.com/shyampagadi/AI-Rec-Batch/internal/identity"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// PostgresStore implements Relational using pgxpool.
type PostgresStore struct {
	mu         sync.RWMutex
	pool       db.Pool
	raw        *pgxpool.Pool
	connString string
	poolCfg    *PoolConfig
	retry      resilience.RetryConfig
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pool, err := openPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{
		pool:       pool,
		raw:        pool,
		connString: connString,
		poolCfg:    poolCfg,
		retry:      resilience.DefaultRetryConfig(),
	}, nil
}

// SetRetry replaces the policy applied to writes and contact lookups.
func (s *PostgresStore) SetRetry(cfg resilience.RetryConfig) { s.retry = cfg }

func openPool(ctx context.Context, connString string, poolCfg *PoolConfig) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return pool, nil
}

func (s *PostgresStore) conn() db.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Name implements Adapter.
func (s *PostgresStore) Name() string { return model.StoreRelational }

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.conn().Ping(ctx), "postgres: ping")
}

// EnsureConnection pings the pool and, if the ping fails, replaces the pool
// with a freshly dialed one. Long batch runs call it at every batch boundary
// to survive idle-timeout disconnects.
func (s *PostgresStore) EnsureConnection(ctx context.Context) error {
	pingErr := s.conn().Ping(ctx)
	if pingErr == nil {
		return nil
	}
	if s.connString == "" {
		return eris.Wrap(pingErr, "postgres: connection lost")
	}

	zap.L().Warn("postgres: connection lost, reconnecting", zap.Error(pingErr))
	pool, err := openPool(ctx, s.connString, s.poolCfg)
	if err != nil {
		return eris.Wrap(err, "postgres: reconnect")
	}

	s.mu.Lock()
	old := s.pool
	s.pool, s.raw = pool, pool
	s.mu.Unlock()
	old.Close()
	return nil
}

// Migrate applies the embedded goose migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.mu.RLock()
	raw := s.raw
	s.mu.RUnlock()
	if raw == nil {
		return eris.New("postgres: migrate requires a live pool")
	}
	sqlDB := stdlib.OpenDBFromPool(raw)
	defer sqlDB.Close()
	return runMigrations(ctx, sqlDB, "postgres")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.conn().Close()
	return nil
}

const pgUpsertPII = `INSERT INTO resume_pii (resume_id, name, email, phone_number, address, linkedin_url,
	email_norm, phone_digits, s3_bucket, s3_key, original_filename, file_type, created_dt, updated_dt)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
ON CONFLICT (resume_id) DO UPDATE SET
	name = COALESCE(EXCLUDED.name, resume_pii.name),
	email = COALESCE(EXCLUDED.email, resume_pii.email),
	phone_number = COALESCE(EXCLUDED.phone_number, resume_pii.phone_number),
	address = COALESCE(EXCLUDED.address, resume_pii.address),
	linkedin_url = COALESCE(EXCLUDED.linkedin_url, resume_pii.linkedin_url),
	email_norm = COALESCE(EXCLUDED.email_norm, resume_pii.email_norm),
	phone_digits = COALESCE(EXCLUDED.phone_digits, resume_pii.phone_digits),
	s3_bucket = COALESCE(EXCLUDED.s3_bucket, resume_pii.s3_bucket),
	s3_key = COALESCE(EXCLUDED.s3_key, resume_pii.s3_key),
	original_filename = COALESCE(EXCLUDED.original_filename, resume_pii.original_filename),
	file_type = COALESCE(EXCLUDED.file_type, resume_pii.file_type),
	updated_dt = now()`

var (
	educationColumns  = []string{"resume_id", "degree", "institution", "year"}
	experienceColumns = []string{"resume_id", "company_name", "role", "duration", "description"}
	skillColumns      = []string{"resume_id", "skill_name"}
	childTables       = []string{"resume_education", "resume_experience", "resume_skills"}
)

// Upsert writes the parent row and replaces all child rows in one
// transaction.
func (s *PostgresStore) Upsert(ctx context.Context, id string, r *model.Resume, src model.Source) (string, error) {
	if id == "" {
		return "", eris.New("postgres: upsert requires an identifier")
	}
	err := resilience.Do(ctx, retryPolicy(s.retry, "upsert"), func(ctx context.Context) error {
		return db.WithTx(ctx, s.conn(), func(tx pgx.Tx) error {
			return upsertPostgresTx(ctx, tx, Item{Identifier: id, Resume: r, Source: src})
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "postgres: upsert %s", id)
	}
	return id, nil
}

func upsertPostgresTx(ctx context.Context, tx pgx.Tx, it Item) error {
	if _, err := tx.Exec(ctx, pgUpsertPII, newPIIRow(it.Identifier, it.Resume, it.Source).values()...); err != nil {
		return eris.Wrap(err, "upsert resume_pii")
	}
	for _, table := range childTables {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE resume_id = $1`, it.Identifier); err != nil {
			return eris.Wrapf(err, "clear %s", table)
		}
	}
	return copyChildren(ctx, tx, []Item{it})
}

func copyChildren(ctx context.Context, tx pgx.Tx, items []Item) error {
	var edu, exp, skills [][]any
	for _, it := range items {
		e, x, sk := childRows(it)
		edu = append(edu, e...)
		exp = append(exp, x...)
		skills = append(skills, sk...)
	}
	if _, err := db.CopyFrom(ctx, tx, "resume_education", educationColumns, edu); err != nil {
		return err
	}
	if _, err := db.CopyFrom(ctx, tx, "resume_experience", experienceColumns, exp); err != nil {
		return err
	}
	if _, err := db.CopyFrom(ctx, tx, "resume_skills", skillColumns, skills); err != nil {
		return err
	}
	return nil
}

func childRows(it Item) (edu, exp, skills [][]any) {
	r := it.Resume
	for _, e := range r.Education {
		edu = append(edu, []any{it.Identifier, e.Degree, nullable(e.Institution), e.Year})
	}
	for _, c := range r.Companies {
		exp = append(exp, []any{it.Identifier, c.Name, nullable(c.Role), nullable(c.Duration), nullable(c.Description)})
	}
	for _, sk := range r.Skills {
		skills = append(skills, []any{it.Identifier, sk})
	}
	return edu, exp, skills
}

// BatchUpsert writes all items in one transaction, falling back to per-row
// transactions with one retry pass when the batch fails.
func (s *PostgresStore) BatchUpsert(ctx context.Context, items []Item) []model.StoreOutcome {
	return batchWithFallback(ctx, "postgres", items, s.writeBatch, func(ctx context.Context, it Item) error {
		_, err := s.Upsert(ctx, it.Identifier, it.Resume, it.Source)
		return err
	})
}

func (s *PostgresStore) writeBatch(ctx context.Context, items []Item) error {
	return db.WithTx(ctx, s.conn(), func(tx pgx.Tx) error {
		if hasRepeatedIdentifier(items) {
			// ON CONFLICT cannot touch the same row twice in one statement.
			for _, it := range items {
				if err := upsertPostgresTx(ctx, tx, it); err != nil {
					return eris.Wrapf(err, "postgres: batch upsert %s", it.Identifier)
				}
			}
			return nil
		}

		rows := make([][]any, len(items))
		ids := make([]string, len(items))
		for i, it := range items {
			rows[i] = newPIIRow(it.Identifier, it.Resume, it.Source).values()
			ids[i] = it.Identifier
		}
		if _, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
			Table:        "resume_pii",
			Columns:      piiColumns,
			ConflictKeys: []string{"resume_id"},
			Touch:        []string{"updated_dt"},
			Coalesce:     true,
		}, rows); err != nil {
			return eris.Wrap(err, "postgres: batch upsert resume_pii")
		}
		for _, table := range childTables {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE resume_id = ANY($1)`, ids); err != nil {
				return eris.Wrapf(err, "postgres: batch clear %s", table)
			}
		}
		return copyChildren(ctx, tx, items)
	})
}

func hasRepeatedIdentifier(items []Item) bool {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.Identifier] {
			return true
		}
		seen[it.Identifier] = true
	}
	return false
}

// FindByIdentifier returns the stored PII, provenance and child rows, or nil
// when the identifier is unknown.
func (s *PostgresStore) FindByIdentifier(ctx context.Context, id string) (*model.Resume, error) {
	pool := s.conn()
	var name, email, phone, address, linkedin, key, filename, fileType *string
	err := pool.QueryRow(ctx,
		`SELECT name, email, phone_number, address, linkedin_url, s3_key, original_filename, file_type
		FROM resume_pii WHERE resume_id = $1`, id,
	).Scan(&name, &email, &phone, &address, &linkedin, &key, &filename, &fileType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find %s", id)
	}

	r := &model.Resume{
		Identifier:       id,
		FullName:         deref(name),
		Email:            deref(email),
		Phone:            deref(phone),
		Address:          deref(address),
		LinkedInURL:      deref(linkedin),
		S3Key:            deref(key),
		OriginalFilename: deref(filename),
		FileType:         deref(fileType),
		Skills:           []string{},
		Companies:        []model.Company{},
		Education:        []model.Education{},
	}

	rows, err := pool.Query(ctx,
		`SELECT degree, COALESCE(institution, ''), year FROM resume_education WHERE resume_id = $1 ORDER BY education_id`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find education %s", id)
	}
	r.Education, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Education, error) {
		var e model.Education
		err := row.Scan(&e.Degree, &e.Institution, &e.Year)
		return e, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan education %s", id)
	}

	rows, err = pool.Query(ctx,
		`SELECT company_name, COALESCE(role, ''), COALESCE(duration, ''), COALESCE(description, '')
		FROM resume_experience WHERE resume_id = $1 ORDER BY experience_id`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find experience %s", id)
	}
	r.Companies, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Company, error) {
		c := model.Company{Technologies: []string{}}
		err := row.Scan(&c.Name, &c.Role, &c.Duration, &c.Description)
		return c, err
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan experience %s", id)
	}

	rows, err = pool.Query(ctx,
		`SELECT skill_name FROM resume_skills WHERE resume_id = $1 ORDER BY skill_id`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find skills %s", id)
	}
	r.Skills, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan skills %s", id)
	}
	return r, nil
}

// FindByContact resolves an identifier by normalized email first, then by
// phone digits.
func (s *PostgresStore) FindByContact(ctx context.Context, email, phone string) (string, error) {
	email, phone = identity.NormalizeEmail(email), identity.NormalizePhone(phone)
	if email != "" {
		id, err := s.lookupOne(ctx,
			`SELECT resume_id FROM resume_pii WHERE email_norm = $1 ORDER BY created_dt, resume_id LIMIT 1`, email)
		if err != nil || id != "" {
			return id, err
		}
	}
	if phone != "" {
		return s.lookupOne(ctx,
			`SELECT resume_id FROM resume_pii WHERE phone_digits = $1 ORDER BY created_dt, resume_id LIMIT 1`, phone)
	}
	return "", nil
}

func (s *PostgresStore) lookupOne(ctx context.Context, query string, arg string) (string, error) {
	id, err := resilience.DoVal(ctx, retryPolicy(s.retry, "find_by_contact"), func(ctx context.Context) (string, error) {
		var id string
		err := s.conn().QueryRow(ctx, query, arg).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return id, err
	})
	if err != nil {
		return "", eris.Wrap(err, "postgres: find by contact")
	}
	return id, nil
}

// Delete removes a person and, by cascade, their child rows.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.conn().Exec(ctx, `DELETE FROM resume_pii WHERE resume_id = $1`, id)
	return eris.Wrapf(err, "postgres: delete %s", id)
}

// ListIdentifiers returns every identifier in store order.
func (s *PostgresStore) ListIdentifiers(ctx context.Context) ([]string, error) {
	rows, err := s.conn().Query(ctx, `SELECT resume_id FROM resume_pii ORDER BY created_dt, resume_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list identifiers")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan identifiers")
	}
	return ids, nil
}

// Contacts returns the normalized contact signals of every person in store
// order, for preloading a batch identity index.
func (s *PostgresStore) Contacts(ctx context.Context) ([]identity.Contact, error) {
	rows, err := s.conn().Query(ctx,
		`SELECT resume_id, COALESCE(email_norm, ''), COALESCE(phone_digits, '')
		FROM resume_pii
		WHERE email_norm IS NOT NULL OR phone_digits IS NOT NULL
		ORDER BY created_dt, resume_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list contacts")
	}
	contacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (identity.Contact, error) {
		var c identity.Contact
		err := row.Scan(&c.Identifier, &c.Email, &c.Phone)
		return c, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan contacts")
	}
	return contacts, nil
}

// RecordRun appends a run to the ingest ledger.
func (s *PostgresStore) RecordRun(ctx context.Context, run model.Run) error {
	_, err := s.conn().Exec(ctx,
		`INSERT INTO ingest_runs (run_id, command, started_at, finished_at, summary) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Command, run.StartedAt, run.FinishedAt, run.Summary,
	)
	return eris.Wrap(err, "postgres: record run")
}

var _ Relational = (*PostgresStore)(nil)
