// Package sync ingests transcript log files into the store:
// discovery, change tracking, project/session reconciliation and
// bounded-concurrency batch processing, plus a live mode driven by
// filesystem events.
package sync

import (
	"context"
	"io/fs"
	"os"
	"time"

	"github.com/wesm/ccrelay/internal/db"
	"github.com/wesm/ccrelay/internal/parser"
)

// ProjectRepository stores projects. Create must fail with an
// error satisfying IsAlreadyExists when the name is taken.
type ProjectRepository interface {
	Create(ctx context.Context, name, path string) (db.Project, error)
	Upsert(ctx context.Context, name, path string) (db.Project, error)
	FindByID(ctx context.Context, id string) (db.Project, error)
	FindByPath(ctx context.Context, path string) (db.Project, error)
	List(ctx context.Context, f db.ProjectFilter) ([]db.Project, error)
	Delete(ctx context.Context, id string) error
}

// SessionRepository stores sessions keyed by the log's session id.
type SessionRepository interface {
	Create(ctx context.Context, in db.NewSession) (db.Session, error)
	FindByID(ctx context.Context, id string) (db.Session, error)
	UpdateCwd(ctx context.Context, id, cwd string) error
	UpdateLastMessageAt(ctx context.Context, id string, ts time.Time) error
	UpdateCLIVersion(ctx context.Context, id, version string) error
	List(ctx context.Context, f db.SessionFilter) ([]db.Session, error)
}

// MessageRepository stores messages keyed by source uuid.
type MessageRepository interface {
	Upsert(ctx context.Context, in db.UpsertMessage) (db.Message, error)
	FindByID(ctx context.Context, id int64) (db.Message, error)
	FindByUUID(ctx context.Context, uuid string) (db.Message, error)
	List(ctx context.Context, f db.MessageFilter) ([]db.Message, error)
}

// TrackingRepository stores per-file processing records.
type TrackingRepository interface {
	Create(ctx context.Context, path string, u db.TrackingUpdate) (db.LogFileTracking, error)
	FindByFilePath(ctx context.Context, path string) (db.LogFileTracking, error)
	Update(ctx context.Context, id string, u db.TrackingUpdate) error
	UpdateByFilePath(ctx context.Context, path string, u db.TrackingUpdate) error
	Delete(ctx context.Context, id string) error
	DeleteByFilePath(ctx context.Context, path string) error
	List(ctx context.Context) ([]db.LogFileTracking, error)
}

var (
	_ ProjectRepository  = (*db.ProjectRepo)(nil)
	_ SessionRepository  = (*db.SessionRepo)(nil)
	_ MessageRepository  = (*db.MessageRepo)(nil)
	_ TrackingRepository = (*db.TrackingRepo)(nil)
)

// Repositories bundles the four stores the pipeline writes to.
type Repositories struct {
	Projects ProjectRepository
	Sessions SessionRepository
	Messages MessageRepository
	Tracking TrackingRepository
}

// RepositoriesFrom returns the SQLite-backed repositories of d.
func RepositoriesFrom(d *db.DB) Repositories {
	return Repositories{
		Projects: d.Projects(),
		Sessions: d.Sessions(),
		Messages: d.Messages(),
		Tracking: d.Tracking(),
	}
}

// FileSystem is the directory listing and stat surface used by
// the walker and the tracker.
type FileSystem interface {
	ReadDir(path string) ([]fs.DirEntry, error)
	Stat(path string) (fs.FileInfo, error)
}

// OSFileSystem is FileSystem over the os package.
type OSFileSystem struct{}

func (OSFileSystem) ReadDir(path string) ([]fs.DirEntry, error) {
	return os.ReadDir(path)
}

func (OSFileSystem) Stat(path string) (fs.FileInfo, error) {
	return os.Stat(path)
}

// LogParser turns one log file into entries.
type LogParser interface {
	ParseFile(path string) (parser.ParsedLogFile, error)
}

var _ LogParser = (*parser.Parser)(nil)
