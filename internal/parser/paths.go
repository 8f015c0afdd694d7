package parser

import (
	"path/filepath"
	"strings"
)

const logFileExt = ".jsonl"

// ExtractSessionID returns the file's basename without the
// .jsonl extension. ok is false when the path is not a .jsonl
// file or the stem is empty.
func ExtractSessionID(path string) (string, bool) {
	base := filepath.Base(filepath.Clean(path))
	stem, found := strings.CutSuffix(base, logFileExt)
	if !found || stem == "" {
		return "", false
	}
	return stem, true
}

// ExtractProjectName returns the name of the directory holding
// the log file, following the <projects>/<project>/<session>.jsonl
// layout. ok is false when there is no usable parent directory.
func ExtractProjectName(path string) (string, bool) {
	if _, ok := ExtractSessionID(path); !ok {
		return "", false
	}
	dir := filepath.Dir(filepath.Clean(path))
	name := filepath.Base(dir)
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return "", false
	}
	return name, true
}
