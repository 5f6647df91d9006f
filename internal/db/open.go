// Package db opens the SQL database shared by the event log, the chain
// record store and the coordination cell, and applies the embedded schema
// migrations for the selected dialect.
//
// Two drivers are supported:
//
//   - sqlite (github.com/glebarez/go-sqlite): a single file, safe for many
//     processes on one host.
//   - postgres (github.com/lib/pq): shared by every node of a cluster.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Config selects the driver and data source.
type Config struct {
	Driver Dialect // "sqlite" | "postgres"
	DSN    string  // file path for sqlite, connection URL for postgres
}

// DB wraps *sql.DB with the dialect it was opened with, so callers can
// write queries with '?' placeholders and Rebind them for postgres.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the database, validates the connection and applies
// pending migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)

	switch cfg.Driver {
	case SQLite, "":
		cfg.Driver = SQLite
		conn, err = openSQLite(cfg.DSN)
	case Postgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("postgres dsn required")
		}
		conn, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			conn.SetMaxOpenConns(25)
			conn.SetMaxIdleConns(5)
			conn.SetConnMaxLifetime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q (use sqlite or postgres)", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := Migrate(conn, cfg.Driver); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &DB{DB: conn, Dialect: cfg.Driver}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/auditchain.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	// WAL lets CLI readers run next to a serving process; busy_timeout
	// absorbs the writer lock instead of surfacing SQLITE_BUSY.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		path,
	)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	return conn, nil
}

// Rebind rewrites '?' placeholders to '$1, $2, ...' for postgres.
// Queries must not contain literal question marks.
func (d *DB) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
