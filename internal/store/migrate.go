package store

import (
	"context"
	"database/sql"
	"embed"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// runMigrations applies the embedded migrations for dialect ("postgres" or
// "sqlite3").
func runMigrations(ctx context.Context, database *sql.DB, dialect string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	dir := "migrations/" + dialect
	if dialect == "sqlite3" {
		dir = "migrations/sqlite"
	}

	goose.SetBaseFS(migrationFiles)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect(dialect); err != nil {
		return eris.Wrapf(err, "migrate: set dialect %s", dialect)
	}
	if err := goose.UpContext(ctx, database, dir); err != nil {
		return eris.Wrapf(err, "migrate: up %s", dialect)
	}
	return nil
}

// gooseLogger routes goose output through the global zap logger.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	zap.S().Debugf(strings.TrimSpace(format), v...)
}

func (gooseLogger) Fatalf(format string, v ...any) {
	zap.S().Fatalf(strings.TrimSpace(format), v...)
}
