// Package db is the SQLite store for projects, sessions, messages
// and log file tracking records.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DB manages a write connection and a read-only pool.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex // serializes writes
}

// makeDSN builds a SQLite connection string with shared pragmas.
func makeDSN(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "ON")
	params.Set("_cache_size", "-64000")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_synchronous", "NORMAL")
	}
	return path + "?" + params.Encode()
}

// Open creates or opens a SQLite database at the given path.
// It configures WAL mode and returns a DB with separate writer
// and reader connections.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", makeDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", makeDSN(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	db := &DB{writer: writer, reader: reader}
	if err := db.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return db, nil
}

// hasColumn reports whether table already has column.
func (db *DB) hasColumn(table, column string) (bool, error) {
	var n int
	err := db.writer.QueryRow(
		"SELECT count(*) FROM pragma_table_info(?) WHERE name = ?",
		table, column,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// ensureColumn adds column to table unless it is present. A
// concurrent opener adding it first is not an error.
func (db *DB) ensureColumn(table, column, definition string) error {
	if ok, err := db.hasColumn(table, column); err != nil || ok {
		return err
	}
	_, err := db.writer.Exec(fmt.Sprintf(
		"ALTER TABLE %s ADD COLUMN %s %s", table, column, definition,
	))
	if err == nil {
		return nil
	}
	if ok, _ := db.hasColumn(table, column); ok {
		return nil
	}
	return err
}

func (db *DB) init() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.writer.Exec(schemaSQL); err != nil {
		return err
	}

	// Migration: databases created before session bookkeeping
	// lack cli_version.
	if err := db.ensureColumn(
		"sessions", "cli_version", "TEXT",
	); err != nil {
		return fmt.Errorf("adding cli_version column: %w", err)
	}
	return nil
}

// Close closes both writer and reader connections.
func (db *DB) Close() error {
	return errors.Join(db.writer.Close(), db.reader.Close())
}

// Update executes fn within a write lock and transaction.
// The transaction is committed if fn returns nil, rolled back
// otherwise.
func (db *DB) Update(
	ctx context.Context, fn func(tx *sql.Tx) error,
) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// exec runs a single write statement under the write lock.
func (db *DB) exec(
	ctx context.Context, query string, args ...any,
) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.writer.ExecContext(ctx, query, args...)
}

// Reader returns the read-only connection pool.
func (db *DB) Reader() *sql.DB {
	return db.reader
}

// Projects returns the project repository backed by db.
func (db *DB) Projects() *ProjectRepo { return &ProjectRepo{db: db} }

// Sessions returns the session repository backed by db.
func (db *DB) Sessions() *SessionRepo { return &SessionRepo{db: db} }

// Messages returns the message repository backed by db.
func (db *DB) Messages() *MessageRepo { return &MessageRepo{db: db} }

// Tracking returns the log file tracking repository backed by db.
func (db *DB) Tracking() *TrackingRepo { return &TrackingRepo{db: db} }

// rowScanner is satisfied by both *sql.Row and *sql.Rows,
// allowing a single scan helper for both.
type rowScanner interface {
	Scan(dest ...any) error
}

// clampLimit applies the default and maximum page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

const (
	// DefaultListLimit is the page size used when a filter leaves
	// Limit unset.
	DefaultListLimit = 100
	// MaxListLimit caps the page size of every List call.
	MaxListLimit = 1000
)
