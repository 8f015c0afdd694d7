package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/ccrelay/internal/timeutil"
)

const trackingCols = `id, file_path, last_processed_at, file_size,
	created_at, updated_at`

// LogFileTracking records when a log file was last ingested and
// how large it was at the time.
type LogFileTracking struct {
	ID              string    `json:"id"`
	FilePath        string    `json:"file_path"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	FileSize        *int64    `json:"file_size"`
	CreatedAt       string    `json:"created_at"`
	UpdatedAt       string    `json:"updated_at"`
}

// TrackingUpdate holds the mutable fields of a tracking record.
type TrackingUpdate struct {
	LastProcessedAt time.Time
	FileSize        *int64
}

// TrackingRepo reads and writes log_file_tracking. FilePath is
// unique.
type TrackingRepo struct {
	db *DB
}

func scanTracking(rs rowScanner) (LogFileTracking, error) {
	var (
		t  LogFileTracking
		at string
	)
	if err := rs.Scan(
		&t.ID, &t.FilePath, &at, &t.FileSize,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return LogFileTracking{}, err
	}
	ts, ok := timeutil.Parse(at)
	if !ok {
		return LogFileTracking{}, fmt.Errorf(
			"tracking %q: bad last_processed_at %q", t.FilePath, at,
		)
	}
	t.LastProcessedAt = ts
	return t, nil
}

// Create inserts a tracking record for path. It fails with
// ErrAlreadyExists when path is already tracked.
func (r *TrackingRepo) Create(
	ctx context.Context, path string, u TrackingUpdate,
) (LogFileTracking, error) {
	if _, err := r.db.exec(ctx, `
		INSERT INTO log_file_tracking
			(id, file_path, last_processed_at, file_size)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), path,
		timeutil.Format(u.LastProcessedAt), u.FileSize,
	); err != nil {
		return LogFileTracking{}, wrapInsert(err, "tracking", path)
	}
	return r.FindByFilePath(ctx, path)
}

// FindByFilePath returns the tracking record for path.
func (r *TrackingRepo) FindByFilePath(
	ctx context.Context, path string,
) (LogFileTracking, error) {
	t, err := scanTracking(r.db.reader.QueryRowContext(ctx,
		"SELECT "+trackingCols+
			" FROM log_file_tracking WHERE file_path = ?",
		path,
	))
	if err != nil {
		return LogFileTracking{}, wrapFind(err, "tracking", path)
	}
	return t, nil
}

// Update overwrites the record with the given id.
func (r *TrackingRepo) Update(
	ctx context.Context, id string, u TrackingUpdate,
) error {
	return r.update(ctx, "id", id, u)
}

// UpdateByFilePath overwrites the record for path.
func (r *TrackingRepo) UpdateByFilePath(
	ctx context.Context, path string, u TrackingUpdate,
) error {
	return r.update(ctx, "file_path", path, u)
}

func (r *TrackingRepo) update(
	ctx context.Context, col, key string, u TrackingUpdate,
) error {
	res, err := r.db.exec(ctx, `
		UPDATE log_file_tracking SET
			last_processed_at = ?,
			file_size = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE `+col+` = ?`,
		timeutil.Format(u.LastProcessedAt), u.FileSize, key,
	)
	if err != nil {
		return fmt.Errorf("updating tracking %q: %w", key, err)
	}
	return requireAffected(res, "tracking", key)
}

// Delete removes the record with the given id.
func (r *TrackingRepo) Delete(ctx context.Context, id string) error {
	return r.delete(ctx, "id", id)
}

// DeleteByFilePath removes the record for path.
func (r *TrackingRepo) DeleteByFilePath(
	ctx context.Context, path string,
) error {
	return r.delete(ctx, "file_path", path)
}

func (r *TrackingRepo) delete(
	ctx context.Context, col, key string,
) error {
	res, err := r.db.exec(ctx,
		"DELETE FROM log_file_tracking WHERE "+col+" = ?", key,
	)
	if err != nil {
		return fmt.Errorf("deleting tracking %q: %w", key, err)
	}
	return requireAffected(res, "tracking", key)
}

// DeleteAll removes every tracking record and returns how many
// were removed.
func (r *TrackingRepo) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.exec(ctx, "DELETE FROM log_file_tracking")
	if err != nil {
		return 0, fmt.Errorf("clearing tracking: %w", err)
	}
	return res.RowsAffected()
}

// List returns every tracking record ordered by path.
func (r *TrackingRepo) List(
	ctx context.Context,
) ([]LogFileTracking, error) {
	rows, err := r.db.reader.QueryContext(ctx,
		"SELECT "+trackingCols+
			" FROM log_file_tracking ORDER BY file_path",
	)
	if err != nil {
		return nil, fmt.Errorf("querying tracking: %w", err)
	}
	defer rows.Close()

	var out []LogFileTracking
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tracking: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
