package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shyampagadi/AI-Rec-Batch/internal/model"
	"github.com/shyampagadi/AI-Rec-Batch/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func strPtr(s string) *string { return &s }

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func sampleResume() *model.Resume {
	return &model.Resume{
		FullName:  "Jane Doe",
		Email:     "Jane@X.com",
		Phone:     "+1 555-0100",
		Skills:    []string{"Go", "SQL"},
		Companies: []model.Company{{Name: "Acme", Role: "Engineer", Duration: "01/2020-12/2022"}},
		Education: []model.Education{{Degree: "BSc", Institution: "MIT", Year: 2019}},
	}
}

func expectChildReplace(mock pgxmock.PgxPoolIface, id string) {
	for _, table := range childTables {
		mock.ExpectExec(`DELETE FROM `+table+` WHERE resume_id = \$1`).
			WithArgs(id).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
	mock.ExpectCopyFrom(pgx.Identifier{"resume_education"}, educationColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"resume_experience"}, experienceColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"resume_skills"}, skillColumns).WillReturnResult(2)
}

func TestPostgresStore_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO resume_pii`).
		WithArgs("id-1", "Jane Doe", "Jane@X.com", "+1 555-0100", nil, nil,
			"jane@x.com", "15550100", "bucket", "raw/jane.pdf", "jane.pdf", "pdf").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectChildReplace(mock, "id-1")
	mock.ExpectCommit()

	id, err := s.Upsert(context.Background(), "id-1", sampleResume(), model.Source{
		Bucket: "bucket", Key: "raw/jane.pdf", Filename: "jane.pdf", FileType: "pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// unsentErr is a connection failure that pgconn reports as safe to retry.
type unsentErr struct{}

func (unsentErr) Error() string     { return "dial tcp: connection refused before send" }
func (unsentErr) SafeToRetry() bool { return true }

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestPostgresStore_Upsert_RetriesTransientFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.SetRetry(fastRetry())

	mock.ExpectBegin().WillReturnError(unsentErr{})
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO resume_pii`).WithArgs(anyArgs(len(piiColumns))...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectChildReplace(mock, "id-1")
	mock.ExpectCommit()

	id, err := s.Upsert(context.Background(), "id-1", sampleResume(), model.Source{})
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_GivesUpAfterMaxAttempts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.SetRetry(fastRetry())

	for range 3 {
		mock.ExpectBegin().WillReturnError(unsentErr{})
	}

	_, err := s.Upsert(context.Background(), "id-1", sampleResume(), model.Source{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByContact_RetriesTransientFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.SetRetry(fastRetry())

	mock.ExpectQuery(`WHERE email_norm`).WithArgs("jane@x.com").WillReturnError(unsentErr{})
	mock.ExpectQuery(`WHERE email_norm`).WithArgs("jane@x.com").
		WillReturnRows(pgxmock.NewRows([]string{"resume_id"}).AddRow("id-1"))

	id, err := s.FindByContact(context.Background(), "Jane@X.com", "")
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_RequiresIdentifier(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.Upsert(context.Background(), "", sampleResume(), model.Source{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an identifier")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert_RollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO resume_pii`).WithArgs(anyArgs(len(piiColumns))...).WillReturnError(errors.New("constraint violated"))
	mock.ExpectRollback()

	_, err := s.Upsert(context.Background(), "id-1", sampleResume(), model.Source{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert resume_pii")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BatchUpsert_Bulk(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	a, b := sampleResume(), sampleResume()
	b.Email = "other@x.com"
	items := []Item{{Identifier: "a", Resume: a}, {Identifier: "b", Resume: b}}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_resume_pii"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_resume_pii"}, piiColumns).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("resume_id"\) DO UPDATE SET "name" = COALESCE\(EXCLUDED."name", "resume_pii"."name"\)`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	for _, table := range childTables {
		mock.ExpectExec(`DELETE FROM ` + table + ` WHERE resume_id = ANY\(\$1\)`).
			WithArgs([]string{"a", "b"}).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
	}
	mock.ExpectCopyFrom(pgx.Identifier{"resume_education"}, educationColumns).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"resume_experience"}, experienceColumns).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"resume_skills"}, skillColumns).WillReturnResult(4)
	mock.ExpectCommit()

	outcomes := s.BatchUpsert(context.Background(), items)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.True(t, o.OK, o.Identifier)
		assert.Equal(t, model.StoreRelational, o.Store)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BatchUpsert_FallsBackPerRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	items := []Item{{Identifier: "a", Resume: sampleResume()}}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnError(errors.New("out of shared memory"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO resume_pii`).WithArgs(anyArgs(len(piiColumns))...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectChildReplace(mock, "a")
	mock.ExpectCommit()

	outcomes := s.BatchUpsert(context.Background(), items)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].OK)
	assert.Empty(t, outcomes[0].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BatchUpsert_RetriesFailedRowOnce(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	items := []Item{{Identifier: "a", Resume: sampleResume()}}

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO resume_pii`).WithArgs(anyArgs(len(piiColumns))...).WillReturnError(errors.New("still broken"))
		mock.ExpectRollback()
	}

	outcomes := s.BatchUpsert(context.Background(), items)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK)
	assert.Contains(t, outcomes[0].Error, "still broken")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BatchUpsert_RepeatedIdentifierIsSequential(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	items := []Item{{Identifier: "a", Resume: sampleResume()}, {Identifier: "a", Resume: sampleResume()}}

	mock.ExpectBegin()
	for range items {
		mock.ExpectExec(`INSERT INTO resume_pii`).WithArgs(anyArgs(len(piiColumns))...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		expectChildReplace(mock, "a")
	}
	mock.ExpectCommit()

	outcomes := s.BatchUpsert(context.Background(), items)
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].OK)
	assert.True(t, outcomes[1].OK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByContact_EmailFirst(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE email_norm = \$1 ORDER BY created_dt, resume_id LIMIT 1`).
		WithArgs("jane@x.com").
		WillReturnRows(pgxmock.NewRows([]string{"resume_id"}).AddRow("by-email"))

	id, err := s.FindByContact(context.Background(), " Jane@X.com", "555-0100")
	require.NoError(t, err)
	assert.Equal(t, "by-email", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByContact_PhoneFallback(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE email_norm = \$1`).
		WithArgs("jane@x.com").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`WHERE phone_digits = \$1`).
		WithArgs("5550100").
		WillReturnRows(pgxmock.NewRows([]string{"resume_id"}).AddRow("by-phone"))

	id, err := s.FindByContact(context.Background(), "jane@x.com", "(555) 0100")
	require.NoError(t, err)
	assert.Equal(t, "by-phone", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByContact_NoSignal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	id, err := s.FindByContact(context.Background(), "", "n/a")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByContact_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE email_norm`).WithArgs("a@b.c").WillReturnError(errors.New("conn reset"))

	_, err := s.FindByContact(context.Background(), "a@b.c", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find by contact")
}

func TestPostgresStore_FindByIdentifier_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM resume_pii WHERE resume_id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	r, err := s.FindByIdentifier(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByIdentifier(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM resume_pii WHERE resume_id = \$1`).
		WithArgs("id-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"name", "email", "phone_number", "address", "linkedin_url", "s3_key", "original_filename", "file_type",
		}).AddRow(strPtr("Jane Doe"), strPtr("jane@x.com"), strPtr("555"), strPtr("Austin"),
			strPtr("https://linkedin.com/in/jane"), strPtr("raw/jane.pdf"), strPtr("jane.pdf"), strPtr("pdf")))
	mock.ExpectQuery(`FROM resume_education`).
		WithArgs("id-1").
		WillReturnRows(pgxmock.NewRows([]string{"degree", "institution", "year"}).AddRow("BSc", "MIT", 2019))
	mock.ExpectQuery(`FROM resume_experience`).
		WithArgs("id-1").
		WillReturnRows(pgxmock.NewRows([]string{"company_name", "role", "duration", "description"}).
			AddRow("Acme", "Engineer", "01/2020-12/2022", ""))
	mock.ExpectQuery(`FROM resume_skills`).
		WithArgs("id-1").
		WillReturnRows(pgxmock.NewRows([]string{"skill_name"}).AddRow("Go").AddRow("SQL"))

	r, err := s.FindByIdentifier(context.Background(), "id-1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "Jane Doe", r.FullName)
	assert.Equal(t, "raw/jane.pdf", r.S3Key)
	require.Len(t, r.Education, 1)
	assert.Equal(t, 2019, r.Education[0].Year)
	require.Len(t, r.Companies, 1)
	assert.Equal(t, "Acme", r.Companies[0].Name)
	assert.Equal(t, []string{"Go", "SQL"}, r.Skills)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM resume_pii WHERE resume_id = \$1`).
		WithArgs("id-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.Delete(context.Background(), "id-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListIdentifiers(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT resume_id FROM resume_pii ORDER BY created_dt, resume_id`).
		WillReturnRows(pgxmock.NewRows([]string{"resume_id"}).AddRow("a").AddRow("b"))

	ids, err := s.ListIdentifiers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Contacts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM resume_pii\s+WHERE email_norm IS NOT NULL OR phone_digits IS NOT NULL`).
		WillReturnRows(pgxmock.NewRows([]string{"resume_id", "email_norm", "phone_digits"}).
			AddRow("a", "jane@x.com", "").
			AddRow("b", "", "5550100"))

	contacts, err := s.Contacts(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "jane@x.com", contacts[0].Email)
	assert.Equal(t, "5550100", contacts[1].Phone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now()
	mock.ExpectExec(`INSERT INTO ingest_runs`).
		WithArgs("run-1", "process-prefix", now, now, []byte(`{}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordRun(context.Background(), model.Run{
		ID: "run-1", Command: "process-prefix", StartedAt: now, FinishedAt: now, Summary: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureConnection_Healthy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectPing()

	require.NoError(t, s.EnsureConnection(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureConnection_NoConnString(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectPing().WillReturnError(errors.New("closed"))

	err := s.EnsureConnection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
}

func TestHasRepeatedIdentifier(t *testing.T) {
	assert.False(t, hasRepeatedIdentifier([]Item{{Identifier: "a"}, {Identifier: "b"}}))
	assert.True(t, hasRepeatedIdentifier([]Item{{Identifier: "a"}, {Identifier: "a"}}))
}
