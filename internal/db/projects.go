package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const projectCols = `id, name, path, created_at, updated_at`

// Project represents a row in the projects table.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ProjectFilter narrows ProjectRepo.List. Empty fields match
// everything.
type ProjectFilter struct {
	Name   string
	Path   string
	Limit  int
	Offset int
}

// ProjectRepo reads and writes projects. Name is unique.
type ProjectRepo struct {
	db *DB
}

func scanProject(rs rowScanner) (Project, error) {
	var p Project
	err := rs.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Create inserts a new project with a generated id. It fails
// with ErrAlreadyExists when the name is taken.
func (r *ProjectRepo) Create(
	ctx context.Context, name, path string,
) (Project, error) {
	if name == "" {
		return Project{}, fmt.Errorf("creating project: empty name")
	}
	id := uuid.NewString()
	if _, err := r.db.exec(ctx,
		`INSERT INTO projects (id, name, path) VALUES (?, ?, ?)`,
		id, name, path,
	); err != nil {
		return Project{}, wrapInsert(err, "project", name)
	}
	return r.FindByID(ctx, id)
}

// Upsert creates the project or, when the name exists, updates
// its path. The stored row is returned either way.
func (r *ProjectRepo) Upsert(
	ctx context.Context, name, path string,
) (Project, error) {
	if name == "" {
		return Project{}, fmt.Errorf("upserting project: empty name")
	}
	var p Project
	err := r.db.Update(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, path) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				path = excluded.path,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			WHERE projects.path != excluded.path`,
			uuid.NewString(), name, path,
		); err != nil {
			return fmt.Errorf("upserting project %q: %w", name, err)
		}
		var err error
		p, err = scanProject(tx.QueryRowContext(ctx,
			"SELECT "+projectCols+" FROM projects WHERE name = ?",
			name,
		))
		return err
	})
	return p, err
}

// FindByID returns the project with the given id.
func (r *ProjectRepo) FindByID(
	ctx context.Context, id string,
) (Project, error) {
	p, err := scanProject(r.db.reader.QueryRowContext(ctx,
		"SELECT "+projectCols+" FROM projects WHERE id = ?", id,
	))
	if err != nil {
		return Project{}, wrapFind(err, "project", id)
	}
	return p, nil
}

// FindByPath returns the first project, by name, whose path
// equals path.
func (r *ProjectRepo) FindByPath(
	ctx context.Context, path string,
) (Project, error) {
	p, err := scanProject(r.db.reader.QueryRowContext(ctx,
		"SELECT "+projectCols+
			" FROM projects WHERE path = ? ORDER BY name LIMIT 1",
		path,
	))
	if err != nil {
		return Project{}, wrapFind(err, "project path", path)
	}
	return p, nil
}

// List returns projects ordered by name.
func (r *ProjectRepo) List(
	ctx context.Context, f ProjectFilter,
) ([]Project, error) {
	var (
		preds []string
		args  []any
	)
	if f.Name != "" {
		preds = append(preds, "name = ?")
		args = append(args, f.Name)
	}
	if f.Path != "" {
		preds = append(preds, "path = ?")
		args = append(args, f.Path)
	}
	query := "SELECT " + projectCols + " FROM projects"
	if len(preds) > 0 {
		query += " WHERE " + strings.Join(preds, " AND ")
	}
	query += " ORDER BY name LIMIT ? OFFSET ?"
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := r.db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a project. Its sessions keep their rows with
// project_id cleared.
func (r *ProjectRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.exec(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting project %q: %w", id, err)
	}
	return requireAffected(res, "project", id)
}
