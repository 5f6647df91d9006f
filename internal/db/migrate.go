package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// Migrate applies every pending migration for the dialect.
func Migrate(conn *sql.DB, dialect Dialect) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	gooseDialect := "sqlite3"
	dir := "migrations/sqlite"
	if dialect == Postgres {
		gooseDialect = "postgres"
		dir = "migrations/postgres"
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(log.New(io.Discard, "", 0))
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("goose dialect %s: %w", gooseDialect, err)
	}
	if err := goose.Up(conn, dir); err != nil {
		return fmt.Errorf("applying %s migrations: %w", dialect, err)
	}
	return nil
}
