package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const messageCols = `id, session_id, role, content, timestamp,
	raw_data, uuid, parent_uuid, cwd, created_at, updated_at`

// Message represents a row in the messages table. UUID is the
// source entry's uuid and the upsert key.
type Message struct {
	ID         int64   `json:"id"`
	SessionID  string  `json:"session_id"`
	Role       string  `json:"role"`
	Content    *string `json:"content"`
	Timestamp  string  `json:"timestamp"`
	RawData    string  `json:"raw_data"`
	UUID       string  `json:"uuid"`
	ParentUUID *string `json:"parent_uuid"`
	Cwd        string  `json:"cwd"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// UpsertMessage holds the fields written by MessageRepo.Upsert.
type UpsertMessage struct {
	SessionID  string
	Role       string
	Content    *string
	Timestamp  string
	RawData    string
	UUID       string
	ParentUUID *string
	Cwd        string
}

// MessageFilter narrows MessageRepo.List. Empty fields match
// everything.
type MessageFilter struct {
	SessionID string
	Role      string
	Limit     int
	Offset    int
}

// MessageRepo reads and writes messages.
type MessageRepo struct {
	db *DB
}

func scanMessage(rs rowScanner) (Message, error) {
	var m Message
	err := rs.Scan(
		&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp,
		&m.RawData, &m.UUID, &m.ParentUUID, &m.Cwd,
		&m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// Upsert inserts the message or overwrites the row with the same
// uuid. Writing identical values again leaves updated_at alone.
func (r *MessageRepo) Upsert(
	ctx context.Context, in UpsertMessage,
) (Message, error) {
	if in.UUID == "" {
		return Message{}, fmt.Errorf("upserting message: empty uuid")
	}
	var m Message
	err := r.db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content,
				timestamp, raw_data, uuid, parent_uuid, cwd)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				session_id = excluded.session_id,
				role = excluded.role,
				content = excluded.content,
				timestamp = excluded.timestamp,
				raw_data = excluded.raw_data,
				parent_uuid = excluded.parent_uuid,
				cwd = excluded.cwd,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			WHERE messages.session_id IS NOT excluded.session_id
				OR messages.role IS NOT excluded.role
				OR messages.content IS NOT excluded.content
				OR messages.timestamp IS NOT excluded.timestamp
				OR messages.raw_data IS NOT excluded.raw_data
				OR messages.parent_uuid IS NOT excluded.parent_uuid
				OR messages.cwd IS NOT excluded.cwd`,
			in.SessionID, in.Role, in.Content, in.Timestamp,
			in.RawData, in.UUID, in.ParentUUID, in.Cwd,
		); err != nil {
			return fmt.Errorf("upserting message %q: %w", in.UUID, err)
		}
		var err error
		m, err = scanMessage(tx.QueryRowContext(ctx,
			"SELECT "+messageCols+" FROM messages WHERE uuid = ?",
			in.UUID,
		))
		return err
	})
	return m, err
}

// buildMessageFilter returns a WHERE clause, possibly empty, and
// its args.
func buildMessageFilter(f MessageFilter) (string, []any) {
	var (
		preds []string
		args  []any
	)
	if f.SessionID != "" {
		preds = append(preds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Role != "" {
		preds = append(preds, "role = ?")
		args = append(args, f.Role)
	}
	if len(preds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(preds, " AND "), args
}

// FindByID returns the message with the given row id.
func (r *MessageRepo) FindByID(
	ctx context.Context, id int64,
) (Message, error) {
	m, err := scanMessage(r.db.reader.QueryRowContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE id = ?", id,
	))
	if err != nil {
		return Message{}, wrapFind(err, "message", fmt.Sprint(id))
	}
	return m, nil
}

// FindByUUID returns the message with the given source uuid.
func (r *MessageRepo) FindByUUID(
	ctx context.Context, uuid string,
) (Message, error) {
	m, err := scanMessage(r.db.reader.QueryRowContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE uuid = ?", uuid,
	))
	if err != nil {
		return Message{}, wrapFind(err, "message", uuid)
	}
	return m, nil
}

// List returns messages in timestamp order.
func (r *MessageRepo) List(
	ctx context.Context, f MessageFilter,
) ([]Message, error) {
	where, args := buildMessageFilter(f)
	query := "SELECT " + messageCols + " FROM messages" + where
	query += " ORDER BY timestamp, id LIMIT ? OFFSET ?"
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := r.db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of messages matching f, ignoring its
// Limit and Offset.
func (r *MessageRepo) Count(
	ctx context.Context, f MessageFilter,
) (int, error) {
	where, args := buildMessageFilter(f)
	query := "SELECT count(*) FROM messages" + where
	var n int
	if err := r.db.reader.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}
