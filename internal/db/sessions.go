package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/ccrelay/internal/timeutil"
)

// sessionCols is the column list for session queries. Keep in
// sync with scanSession.
const sessionCols = `id, project_id, name, cwd,
	last_message_at, cli_version, created_at, updated_at`

// Session represents a row in the sessions table. ID is the
// session id taken from the log file name.
type Session struct {
	ID            string  `json:"id"`
	ProjectID     *string `json:"project_id"`
	Name          *string `json:"name"`
	Cwd           string  `json:"cwd"`
	LastMessageAt *string `json:"last_message_at"`
	CLIVersion    *string `json:"cli_version,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// NewSession holds the fields accepted by SessionRepo.Create.
// An empty ID gets a generated one.
type NewSession struct {
	ID        string
	ProjectID *string
	Name      *string
	Cwd       string
}

// SessionFilter narrows SessionRepo.List.
type SessionFilter struct {
	ProjectID string
	Limit     int
	Offset    int
}

// SessionRepo reads and writes sessions.
type SessionRepo struct {
	db *DB
}

func scanSession(rs rowScanner) (Session, error) {
	var s Session
	err := rs.Scan(
		&s.ID, &s.ProjectID, &s.Name, &s.Cwd,
		&s.LastMessageAt, &s.CLIVersion, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// Create inserts a session. It fails with ErrAlreadyExists when
// the id is taken.
func (r *SessionRepo) Create(
	ctx context.Context, in NewSession,
) (Session, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if _, err := r.db.exec(ctx, `
		INSERT INTO sessions (id, project_id, name, cwd)
		VALUES (?, ?, ?, ?)`,
		in.ID, in.ProjectID, in.Name, in.Cwd,
	); err != nil {
		return Session{}, wrapInsert(err, "session", in.ID)
	}
	return r.FindByID(ctx, in.ID)
}

// FindByID returns the session with the given id.
func (r *SessionRepo) FindByID(
	ctx context.Context, id string,
) (Session, error) {
	s, err := scanSession(r.db.reader.QueryRowContext(ctx,
		"SELECT "+sessionCols+" FROM sessions WHERE id = ?", id,
	))
	if err != nil {
		return Session{}, wrapFind(err, "session", id)
	}
	return s, nil
}

// UpdateCwd sets the session's working directory.
func (r *SessionRepo) UpdateCwd(
	ctx context.Context, id, cwd string,
) error {
	res, err := r.db.exec(ctx, `
		UPDATE sessions SET cwd = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`, cwd, id)
	if err != nil {
		return fmt.Errorf("updating cwd of session %q: %w", id, err)
	}
	return requireAffected(res, "session", id)
}

// UpdateLastMessageAt advances last_message_at to ts. An older ts
// leaves the stored value untouched.
func (r *SessionRepo) UpdateLastMessageAt(
	ctx context.Context, id string, ts time.Time,
) error {
	return r.db.Update(ctx, func(tx *sql.Tx) error {
		var cur sql.NullString
		err := tx.QueryRowContext(ctx,
			"SELECT last_message_at FROM sessions WHERE id = ?", id,
		).Scan(&cur)
		if err != nil {
			return wrapFind(err, "session", id)
		}
		if prev, ok := timeutil.Parse(cur.String); ok && !ts.After(prev) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET last_message_at = ?,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			WHERE id = ?`, timeutil.Format(ts), id,
		); err != nil {
			return fmt.Errorf(
				"updating last_message_at of session %q: %w", id, err,
			)
		}
		return nil
	})
}

// UpdateCLIVersion records the tool version that wrote the
// session.
func (r *SessionRepo) UpdateCLIVersion(
	ctx context.Context, id, version string,
) error {
	res, err := r.db.exec(ctx, `
		UPDATE sessions SET cli_version = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`, version, id)
	if err != nil {
		return fmt.Errorf(
			"updating cli_version of session %q: %w", id, err,
		)
	}
	return requireAffected(res, "session", id)
}

// List returns sessions, most recently active first.
func (r *SessionRepo) List(
	ctx context.Context, f SessionFilter,
) ([]Session, error) {
	query := "SELECT " + sessionCols + " FROM sessions"
	var args []any
	if f.ProjectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, f.ProjectID)
	}
	query += ` ORDER BY COALESCE(last_message_at, created_at) DESC, id
		LIMIT ? OFFSET ?`
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := r.db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
