package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/db"
	"github.com/wesm/ccrelay/internal/logging"
	"github.com/wesm/ccrelay/internal/parser"
)

// DefaultCwd is the session cwd used when no entry carries one.
const DefaultCwd = "/tmp"

// Reconciled identifies the rows a file's messages belong to.
type Reconciled struct {
	ProjectID string
	SessionID string
	// SessionCreated is false when the session already existed or
	// a concurrent worker created it first.
	SessionCreated bool
}

// Reconciler ensures the project and session of a log file exist.
// Concurrent callers for the same project or session rely on the
// repositories' uniqueness constraints; losing a create race is
// success.
type Reconciler struct {
	projects ProjectRepository
	sessions SessionRepository
	log      *zap.Logger
}

// NewReconciler returns a Reconciler over the given repositories.
func NewReconciler(
	projects ProjectRepository, sessions SessionRepository,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		projects: projects,
		sessions: sessions,
		log:      logging.OrNop(log),
	}
}

// Ensure guarantees on success that a project named projectName
// and a session with id sessionID exist.
func (r *Reconciler) Ensure(
	ctx context.Context,
	projectName, sessionID string,
	entries []parser.Entry,
) (Reconciled, error) {
	project, err := r.ensureProject(ctx, projectName)
	if err != nil {
		return Reconciled{}, err
	}
	created, err := r.ensureSession(ctx, project.ID, sessionID, entries)
	if err != nil {
		return Reconciled{}, err
	}
	return Reconciled{
		ProjectID:      project.ID,
		SessionID:      sessionID,
		SessionCreated: created,
	}, nil
}

func (r *Reconciler) findProject(
	ctx context.Context, name string,
) (db.Project, bool, error) {
	list, err := r.projects.List(ctx, db.ProjectFilter{Name: name})
	if err != nil {
		return db.Project{}, false, fmt.Errorf("listing projects: %w", err)
	}
	for _, p := range list {
		if p.Name == name {
			return p, true, nil
		}
	}
	return db.Project{}, false, nil
}

func (r *Reconciler) ensureProject(
	ctx context.Context, name string,
) (db.Project, error) {
	if p, ok, err := r.findProject(ctx, name); err != nil || ok {
		return p, err
	}

	_, err := r.projects.Create(ctx, name, name)
	switch {
	case err == nil:
		r.log.Info("created project", zap.String("project", name))
	case IsAlreadyExists(err):
		r.log.Debug("project created concurrently",
			zap.String("project", name))
	default:
		return db.Project{}, fmt.Errorf("creating project %q: %w", name, err)
	}

	p, ok, err := r.findProject(ctx, name)
	if err != nil {
		return db.Project{}, err
	}
	if !ok {
		return db.Project{}, fmt.Errorf("project %q missing after create", name)
	}
	return p, nil
}

func (r *Reconciler) ensureSession(
	ctx context.Context,
	projectID, sessionID string,
	entries []parser.Entry,
) (bool, error) {
	_, err := r.sessions.FindByID(ctx, sessionID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return false, fmt.Errorf("finding session %q: %w", sessionID, err)
	}

	cwd, ok := parser.FirstCwd(entries)
	if !ok {
		cwd = DefaultCwd
	}
	_, err = r.sessions.Create(ctx, db.NewSession{
		ID:        sessionID,
		ProjectID: &projectID,
		Cwd:       cwd,
	})
	switch {
	case err == nil:
		r.log.Debug("created session",
			zap.String("session", sessionID), zap.String("cwd", cwd))
		return true, nil
	case IsAlreadyExists(err):
		return false, nil
	default:
		return false, fmt.Errorf("creating session %q: %w", sessionID, err)
	}
}
