package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // register driver

	"github.com/shyampagadi/AI-Rec-Batch/internal/identity"
	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// SQLiteStore implements Relational using modernc.org/sqlite. It backs local
// mode and tests.
type SQLiteStore struct {
	db    *sql.DB
	retry resilience.RetryConfig
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode and foreign keys.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single connection keeps them in force
	// and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, retry: resilience.DefaultRetryConfig()}, nil
}

// SetRetry replaces the policy applied to writes and contact lookups.
func (s *SQLiteStore) SetRetry(cfg resilience.RetryConfig) { s.retry = cfg }

// Name implements Adapter.
func (s *SQLiteStore) Name() string { return model.StoreRelational }

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// EnsureConnection is a ping; a local database file does not drop idle
// connections.
func (s *SQLiteStore) EnsureConnection(ctx context.Context) error {
	return s.Ping(ctx)
}

// Migrate applies the embedded goose migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, "sqlite3")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsertPII = `INSERT INTO resume_pii (resume_id, name, email, phone_number, address, linkedin_url,
	email_norm, phone_digits, s3_bucket, s3_key, original_filename, file_type)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (resume_id) DO UPDATE SET
	name = COALESCE(excluded.name, resume_pii.name),
	email = COALESCE(excluded.email, resume_pii.email),
	phone_number = COALESCE(excluded.phone_number, resume_pii.phone_number),
	address = COALESCE(excluded.address, resume_pii.address),
	linkedin_url = COALESCE(excluded.linkedin_url, resume_pii.linkedin_url),
	email_norm = COALESCE(excluded.email_norm, resume_pii.email_norm),
	phone_digits = COALESCE(excluded.phone_digits, resume_pii.phone_digits),
	s3_bucket = COALESCE(excluded.s3_bucket, resume_pii.s3_bucket),
	s3_key = COALESCE(excluded.s3_key, resume_pii.s3_key),
	original_filename = COALESCE(excluded.original_filename, resume_pii.original_filename),
	file_type = COALESCE(excluded.file_type, resume_pii.file_type),
	updated_dt = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

// Upsert writes the parent row and replaces all child rows in one
// transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, id string, r *model.Resume, src model.Source) (string, error) {
	if id == "" {
		return "", eris.New("sqlite: upsert requires an identifier")
	}
	err := resilience.Do(ctx, retryPolicy(s.retry, "upsert"), func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			return upsertSQLiteTx(ctx, tx, Item{Identifier: id, Resume: r, Source: src})
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: upsert %s", id)
	}
	return id, nil
}

// BatchUpsert writes all items in one transaction, falling back to per-row
// transactions with one retry pass when the batch fails.
func (s *SQLiteStore) BatchUpsert(ctx context.Context, items []Item) []model.StoreOutcome {
	return batchWithFallback(ctx, "sqlite",
		items,
		func(ctx context.Context, items []Item) error {
			return s.withTx(ctx, func(tx *sql.Tx) error {
				for _, it := range items {
					if err := upsertSQLiteTx(ctx, tx, it); err != nil {
						return eris.Wrapf(err, "sqlite: batch upsert %s", it.Identifier)
					}
				}
				return nil
			})
		},
		func(ctx context.Context, it Item) error {
			_, err := s.Upsert(ctx, it.Identifier, it.Resume, it.Source)
			return err
		},
	)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func upsertSQLiteTx(ctx context.Context, tx *sql.Tx, it Item) error {
	if it.Identifier == "" {
		return eris.New("missing identifier")
	}
	if _, err := tx.ExecContext(ctx, sqliteUpsertPII, newPIIRow(it.Identifier, it.Resume, it.Source).values()...); err != nil {
		return eris.Wrap(err, "upsert resume_pii")
	}
	for _, table := range childTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE resume_id = ?`, it.Identifier); err != nil {
			return eris.Wrapf(err, "clear %s", table)
		}
	}

	edu, exp, skills := childRows(it)
	for _, row := range edu {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resume_education (resume_id, degree, institution, year) VALUES (?, ?, ?, ?)`, row...); err != nil {
			return eris.Wrap(err, "insert resume_education")
		}
	}
	for _, row := range exp {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resume_experience (resume_id, company_name, role, duration, description) VALUES (?, ?, ?, ?, ?)`, row...); err != nil {
			return eris.Wrap(err, "insert resume_experience")
		}
	}
	for _, row := range skills {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resume_skills (resume_id, skill_name) VALUES (?, ?)`, row...); err != nil {
			return eris.Wrap(err, "insert resume_skills")
		}
	}
	return nil
}

// FindByIdentifier returns the stored PII, provenance and child rows, or nil
// when the identifier is unknown.
func (s *SQLiteStore) FindByIdentifier(ctx context.Context, id string) (*model.Resume, error) {
	var name, email, phone, address, linkedin, key, filename, fileType sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, email, phone_number, address, linkedin_url, s3_key, original_filename, file_type
		FROM resume_pii WHERE resume_id = ?`, id,
	).Scan(&name, &email, &phone, &address, &linkedin, &key, &filename, &fileType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find %s", id)
	}

	r := &model.Resume{
		Identifier:       id,
		FullName:         name.String,
		Email:            email.String,
		Phone:            phone.String,
		Address:          address.String,
		LinkedInURL:      linkedin.String,
		S3Key:            key.String,
		OriginalFilename: filename.String,
		FileType:         fileType.String,
		Skills:           []string{},
		Companies:        []model.Company{},
		Education:        []model.Education{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT degree, COALESCE(institution, ''), year FROM resume_education WHERE resume_id = ? ORDER BY education_id`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find education %s", id)
	}
	for rows.Next() {
		var e model.Education
		if err := rows.Scan(&e.Degree, &e.Institution, &e.Year); err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "sqlite: scan education %s", id)
		}
		r.Education = append(r.Education, e)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT company_name, COALESCE(role, ''), COALESCE(duration, ''), COALESCE(description, '')
		FROM resume_experience WHERE resume_id = ? ORDER BY experience_id`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find experience %s", id)
	}
	for rows.Next() {
		c := model.Company{Technologies: []string{}}
		if err := rows.Scan(&c.Name, &c.Role, &c.Duration, &c.Description); err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "sqlite: scan experience %s", id)
		}
		r.Companies = append(r.Companies, c)
	}
	rows.Close()

	r.Skills, err = s.strings(ctx, `SELECT skill_name FROM resume_skills WHERE resume_id = ? ORDER BY skill_id`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find skills %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FindByContact resolves an identifier by normalized email first, then by
// phone digits.
func (s *SQLiteStore) FindByContact(ctx context.Context, email, phone string) (string, error) {
	email, phone = identity.NormalizeEmail(email), identity.NormalizePhone(phone)
	if email != "" {
		id, err := s.lookupOne(ctx,
			`SELECT resume_id FROM resume_pii WHERE email_norm = ? ORDER BY created_dt, resume_id LIMIT 1`, email)
		if err != nil || id != "" {
			return id, err
		}
	}
	if phone != "" {
		return s.lookupOne(ctx,
			`SELECT resume_id FROM resume_pii WHERE phone_digits = ? ORDER BY created_dt, resume_id LIMIT 1`, phone)
	}
	return "", nil
}

func (s *SQLiteStore) lookupOne(ctx context.Context, query, arg string) (string, error) {
	id, err := resilience.DoVal(ctx, retryPolicy(s.retry, "find_by_contact"), func(ctx context.Context) (string, error) {
		var id string
		err := s.db.QueryRowContext(ctx, query, arg).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return id, err
	})
	if err != nil {
		return "", eris.Wrap(err, "sqlite: find by contact")
	}
	return id, nil
}

// Delete removes a person and their child rows.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resume_pii WHERE resume_id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete %s", id)
}

// ListIdentifiers returns every identifier in store order.
func (s *SQLiteStore) ListIdentifiers(ctx context.Context) ([]string, error) {
	ids, err := s.strings(ctx, `SELECT resume_id FROM resume_pii ORDER BY created_dt, resume_id`)
	return ids, eris.Wrap(err, "sqlite: list identifiers")
}

// Contacts returns the normalized contact signals of every person in store
// order.
func (s *SQLiteStore) Contacts(ctx context.Context) ([]identity.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resume_id, COALESCE(email_norm, ''), COALESCE(phone_digits, '')
		FROM resume_pii
		WHERE email_norm IS NOT NULL OR phone_digits IS NOT NULL
		ORDER BY created_dt, resume_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list contacts")
	}
	defer rows.Close()

	var contacts []identity.Contact
	for rows.Next() {
		var c identity.Contact
		if err := rows.Scan(&c.Identifier, &c.Email, &c.Phone); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contacts")
		}
		contacts = append(contacts, c)
	}
	return contacts, eris.Wrap(rows.Err(), "sqlite: list contacts")
}

// RecordRun appends a run to the ingest ledger.
func (s *SQLiteStore) RecordRun(ctx context.Context, run model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (run_id, command, started_at, finished_at, summary) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Command, run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano), string(run.Summary),
	)
	return eris.Wrap(err, "sqlite: record run")
}

var _ Relational = (*SQLiteStore)(nil)
