package sync

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/logging"
)

// DefaultPattern selects every transcript under the root.
const DefaultPattern = "**/*.jsonl"

// Walker finds log files under a directory tree.
type Walker struct {
	fs  FileSystem
	log *zap.Logger
}

// NewWalker returns a Walker. A nil fsys uses the OS.
func NewWalker(fsys FileSystem, log *zap.Logger) *Walker {
	if fsys == nil {
		fsys = OSFileSystem{}
	}
	return &Walker{fs: fsys, log: logging.OrNop(log)}
}

// FindMatchingFiles returns the sorted full paths of files under
// root matching pattern. The root must be readable; unreadable
// subdirectories are logged and skipped.
func (w *Walker) FindMatchingFiles(
	root, pattern string,
) ([]string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, &ValidationError{
			Field: "pattern", Reason: fmt.Sprintf("bad glob %q", pattern),
		}
	}

	entries, err := w.fs.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	var out []string
	w.walk(root, root, pattern, entries, &out)
	sort.Strings(out)
	return out, nil
}

func (w *Walker) walk(
	root, dir, pattern string,
	entries []fs.DirEntry, out *[]string,
) {
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			sub, err := w.fs.ReadDir(path)
			if err != nil {
				w.log.Warn("skipping unreadable directory",
					zap.String("path", path), zap.Error(err))
				continue
			}
			w.walk(root, path, pattern, sub, out)
			continue
		}
		if matchPattern(root, path, pattern) {
			*out = append(*out, path)
		}
	}
}

// matchPattern applies the "*.jsonl" suffix policy, then full
// glob matching against the slash-separated path relative to root.
func matchPattern(root, path, pattern string) bool {
	if strings.Contains(pattern, "*.jsonl") &&
		strings.HasSuffix(path, ".jsonl") {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	ok, err := doublestar.Match(pattern, filepath.ToSlash(rel))
	return err == nil && ok
}
