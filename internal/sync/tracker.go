package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/db"
	"github.com/wesm/ccrelay/internal/logging"
)

// Reason explains a tracking decision.
type Reason string

const (
	ReasonNewFile      Reason = "new_file"
	ReasonFileModified Reason = "file_modified"
	ReasonSizeChanged  Reason = "size_changed"
	ReasonUpToDate     Reason = "up_to_date"
)

// FileStatus is the answer to "should this file be processed".
type FileStatus struct {
	ShouldProcess bool
	Reason        Reason
}

// Tracker decides from LogFileTracking records whether a file
// changed since it was last ingested.
type Tracker struct {
	repo TrackingRepository
	fs   FileSystem
	log  *zap.Logger
}

// NewTracker returns a Tracker. A nil fsys uses the OS.
func NewTracker(
	repo TrackingRepository, fsys FileSystem, log *zap.Logger,
) *Tracker {
	if fsys == nil {
		fsys = OSFileSystem{}
	}
	return &Tracker{repo: repo, fs: fsys, log: logging.OrNop(log)}
}

// CheckFileProcessingStatus compares the file's current mtime and
// size with its tracking record. The checks apply in order: no
// record, newer mtime, different size.
func (t *Tracker) CheckFileProcessingStatus(
	ctx context.Context, path string,
) (FileStatus, error) {
	info, err := t.Stat(path)
	if err != nil {
		return FileStatus{}, err
	}

	rec, err := t.repo.FindByFilePath(ctx, path)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return FileStatus{ShouldProcess: true, Reason: ReasonNewFile}, nil
	case err != nil:
		return FileStatus{}, fmt.Errorf("tracking lookup %s: %w", path, err)
	}

	if info.ModTime().After(rec.LastProcessedAt) {
		return FileStatus{ShouldProcess: true, Reason: ReasonFileModified}, nil
	}
	if rec.FileSize == nil || *rec.FileSize != info.Size() {
		return FileStatus{ShouldProcess: true, Reason: ReasonSizeChanged}, nil
	}
	return FileStatus{Reason: ReasonUpToDate}, nil
}

// UpdateFileProcessingStatus records the mtime and size in info,
// which must be taken before the file was read so that writes
// made during processing count as changes on the next check. A
// nil info stats the file now. Call it only after the file was
// processed successfully.
func (t *Tracker) UpdateFileProcessingStatus(
	ctx context.Context, path string, info fs.FileInfo,
) error {
	if info == nil {
		var err error
		if info, err = t.Stat(path); err != nil {
			return err
		}
	}
	size := info.Size()
	u := db.TrackingUpdate{
		LastProcessedAt: info.ModTime(),
		FileSize:        &size,
	}

	err := t.repo.UpdateByFilePath(ctx, path, u)
	if errors.Is(err, db.ErrNotFound) {
		_, err = t.repo.Create(ctx, path, u)
		if IsAlreadyExists(err) {
			err = t.repo.UpdateByFilePath(ctx, path, u)
		}
	}
	if err != nil {
		return fmt.Errorf("tracking %s: %w", path, err)
	}

	t.log.Debug("tracked log file",
		zap.String("path", path),
		zap.String("size", humanize.Bytes(uint64(size))),
		zap.Time("mtime", info.ModTime()))
	return nil
}

// Stat returns the file's current info.
func (t *Tracker) Stat(path string) (fs.FileInfo, error) {
	info, err := t.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return info, nil
}

// Reset drops every tracking record so the next run reprocesses
// all files. It returns the number of records removed.
func (t *Tracker) Reset(ctx context.Context) (int, error) {
	recs, err := t.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tracking: %w", err)
	}
	n := 0
	for _, r := range recs {
		err := t.repo.DeleteByFilePath(ctx, r.FilePath)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("resetting tracking: %w", err)
		}
		n++
	}
	return n, nil
}
