package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrAlreadyExists is returned by Create when a row with the
	// same natural key is already present.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned by Find, Update and Delete calls
	// that match no row.
	ErrNotFound = errors.New("not found")
)

// isUniqueViolation reports whether err is a SQLite unique or
// primary key constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// wrapInsert maps a unique violation on insert to
// ErrAlreadyExists and wraps everything else.
func wrapInsert(err error, what, key string) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %q: %w", ErrAlreadyExists, what, key, err)
	}
	return fmt.Errorf("inserting %s %q: %w", what, key, err)
}

// wrapFind maps sql.ErrNoRows to ErrNotFound.
func wrapFind(err error, what, key string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %q", ErrNotFound, what, key)
	}
	return fmt.Errorf("finding %s %q: %w", what, key, err)
}

// requireAffected returns ErrNotFound when res touched no rows.
func requireAffected(res sql.Result, what, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %q", ErrNotFound, what, key)
	}
	return nil
}
