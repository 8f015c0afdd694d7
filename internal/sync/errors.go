package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wesm/ccrelay/internal/db"
)

// ErrInvalidInput is matched by every *ValidationError.
var ErrInvalidInput = errors.New("invalid input")

// ValidationError reports a rejected batch input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Stage names the step of file processing that failed.
type Stage string

const (
	StageParse     Stage = "parse"
	StageReconcile Stage = "reconcile"
	StagePersist   Stage = "persist"
)

// FileError is a failure to process one log file.
type FileError struct {
	Path  string
	Stage Stage
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// BatchError is returned by Batch.Run when the run itself, not a
// single file, failed unexpectedly.
type BatchError struct {
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch processing: %v", e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// IsAlreadyExists reports whether err signals that a concurrent
// writer created the row first. The typed db.ErrAlreadyExists is
// checked first; errors from other repositories are recognized by
// an "already exists" message anywhere in the chain.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, db.ErrAlreadyExists) {
		return true
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if strings.Contains(strings.ToLower(e.Error()), "already exists") {
			return true
		}
	}
	return false
}
