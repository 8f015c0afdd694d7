package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/logging"
	"github.com/wesm/ccrelay/internal/parser"
)

// DefaultMaxConcurrency bounds in-flight files when Input leaves
// MaxConcurrency unset.
const DefaultMaxConcurrency = 5

// Input configures one batch run.
type Input struct {
	TargetDirectory string
	// Pattern defaults to DefaultPattern.
	Pattern string
	// MaxConcurrency is the most files processed at once. Zero
	// means DefaultMaxConcurrency; negative is invalid.
	MaxConcurrency int
	// SkipExisting skips files whose tracking record is up to
	// date.
	SkipExisting bool
}

func (in Input) normalize() (Input, error) {
	in.TargetDirectory = strings.TrimSpace(in.TargetDirectory)
	if in.TargetDirectory == "" {
		return in, &ValidationError{
			Field: "targetDirectory", Reason: "must not be empty",
		}
	}
	if in.MaxConcurrency < 0 {
		return in, &ValidationError{
			Field:  "maxConcurrency",
			Reason: fmt.Sprintf("must not be negative, got %d", in.MaxConcurrency),
		}
	}
	if in.MaxConcurrency == 0 {
		in.MaxConcurrency = DefaultMaxConcurrency
	}
	if in.Pattern == "" {
		in.Pattern = DefaultPattern
	}
	return in, nil
}

// Options wires a Batch. Zero fields get defaults: the OS file
// system, a parser logging through Logger, a no-op logger and no
// metrics.
type Options struct {
	Repos   Repositories
	Parser  LogParser
	FS      FileSystem
	Logger  *zap.Logger
	Metrics *Metrics
}

// Batch discovers log files and processes them with bounded
// concurrency.
type Batch struct {
	walker    *Walker
	tracker   *Tracker
	processor *Processor
	metrics   *Metrics
	log       *zap.Logger
}

// NewBatch builds the walker, tracker, reconciler and processor
// from opts.
func NewBatch(opts Options) *Batch {
	log := logging.OrNop(opts.Logger)
	p := opts.Parser
	if p == nil {
		p = parser.New(log)
	}
	rec := NewReconciler(opts.Repos.Projects, opts.Repos.Sessions, log)
	return &Batch{
		walker:  NewWalker(opts.FS, log),
		tracker: NewTracker(opts.Repos.Tracking, opts.FS, log),
		processor: NewProcessor(
			p, rec, opts.Repos.Sessions, opts.Repos.Messages, log,
		),
		metrics: opts.Metrics,
		log:     log,
	}
}

// Tracker returns the batch's change tracker.
func (b *Batch) Tracker() *Tracker { return b.tracker }

// Run processes every file under in.TargetDirectory matching
// in.Pattern. Per-file failures are collected in the result, not
// returned. The error is a *ValidationError for bad input, a
// discovery error, or a *BatchError if the run itself panicked.
func (b *Batch) Run(
	ctx context.Context, in Input, onProgress ProgressFunc,
) (res BatchProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("batch panicked", zap.Any("panic", r))
			res = BatchProcessResult{}
			err = &BatchError{Err: fmt.Errorf("panic: %v", r)}
		}
		b.metrics.batchFinished(err)
	}()

	in, err = in.normalize()
	if err != nil {
		return BatchProcessResult{}, err
	}

	rep := &reporter{fn: onProgress}
	rep.update(func(p *Progress) { p.Phase = PhaseDiscovering })

	files, err := b.walker.FindMatchingFiles(in.TargetDirectory, in.Pattern)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return BatchProcessResult{}, err
		}
		return BatchProcessResult{}, fmt.Errorf("discovering log files: %w", err)
	}

	res = BatchProcessResult{
		TotalFiles:  len(files),
		FileResults: []FileResult{},
		Errors:      []string{},
	}
	rep.update(func(p *Progress) {
		p.Phase = PhaseProcessing
		p.FilesTotal = len(files)
	})

	start := time.Now()
	for _, fr := range b.runPool(ctx, files, in, rep) {
		res.Record(fr)
	}
	rep.update(func(p *Progress) {
		p.Phase = PhaseDone
		p.CurrentFile = ""
	})

	b.log.Info("batch finished",
		zap.String("dir", in.TargetDirectory),
		zap.Int("total", res.TotalFiles),
		zap.Int("processed", res.ProcessedFiles),
		zap.Int("skipped", res.SkippedFiles),
		zap.Int("failed", res.FailedFiles),
		zap.Int("entries", res.TotalEntries),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// runPool holds at most in.MaxConcurrency files in flight. A new
// file starts as soon as any running one finishes. Results are
// indexed like files. Progress is reported on the calling
// goroutine; if the callback panics there, the deferred cancel
// and wait stop the workers before the panic reaches Run.
func (b *Batch) runPool(
	ctx context.Context, files []string, in Input, rep *reporter,
) []FileResult {
	results := make([]FileResult, len(files))
	done := make(chan int, len(files))
	sem := make(chan struct{}, in.MaxConcurrency)
	var wg gosync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, path := range files {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				for j := i; j < len(files); j++ {
					results[j] = failedResult(files[j], ctx.Err())
					done <- j
				}
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = b.handleFile(ctx, path, in.SkipExisting)
				done <- i
			}()
		}
	}()

	for range len(files) {
		rep.fileDone(results[<-done])
	}
	return results
}

// handleFile classifies and, when needed, processes one file.
// A successful file gets its tracking record refreshed; a failed
// one never does.
func (b *Batch) handleFile(
	ctx context.Context, path string, skipExisting bool,
) (fr FileResult) {
	fr = FileResult{FilePath: path}
	started := false
	var begin time.Time
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("log file processing panicked",
				zap.String("path", path), zap.Any("panic", r))
			fr = failedResult(path, fmt.Errorf("panic: %v", r))
		}
		if started {
			b.metrics.fileFinished(fr, time.Since(begin))
		}
	}()

	if err := ctx.Err(); err != nil {
		return failedResult(path, err)
	}

	if skipExisting {
		st, err := b.tracker.CheckFileProcessingStatus(ctx, path)
		if err != nil {
			b.log.Warn("checking log file status",
				zap.String("path", path), zap.Error(err))
			return failedResult(path, err)
		}
		fr.Reason = st.Reason
		if !st.ShouldProcess {
			fr.Status = OutcomeSkipped
			b.metrics.fileSkipped()
			return fr
		}
	}

	// Stat before reading: an append racing the parse must leave
	// the record older than the file.
	info, err := b.tracker.Stat(path)
	if err != nil {
		out := failedResult(path, &FileError{Path: path, Stage: StageParse, Err: err})
		out.Reason = fr.Reason
		return out
	}

	started, begin = true, time.Now()
	b.metrics.fileStarted()
	n, err := b.processor.ProcessLogFile(ctx, path)
	switch {
	case errors.Is(err, parser.ErrUnrecognizedPath):
		b.log.Warn("skipping log file with unrecognized path",
			zap.String("path", path))
		fr.Status = OutcomeSkipped
		return fr
	case err != nil:
		b.log.Warn("processing log file",
			zap.String("path", path), zap.Error(err))
		out := failedResult(path, err)
		out.Reason = fr.Reason
		return out
	}

	fr.Status = OutcomeSuccess
	fr.EntriesProcessed = n
	if err := b.tracker.UpdateFileProcessingStatus(ctx, path, info); err != nil {
		b.log.Warn("updating log file tracking",
			zap.String("path", path), zap.Error(err))
	}
	b.log.Debug("processed log file",
		zap.String("path", path), zap.Int("entries", n))
	return fr
}

func failedResult(path string, err error) FileResult {
	msg := err.Error()
	var fe *FileError
	if !errors.As(err, &fe) {
		msg = path + ": " + msg
	}
	return FileResult{
		FilePath: path,
		Status:   OutcomeFailed,
		Error:    msg,
	}
}

// reporter serializes progress callbacks from the workers.
type reporter struct {
	mu gosync.Mutex
	fn ProgressFunc
	p  Progress
}

func (r *reporter) update(f func(*Progress)) {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.p)
	r.fn(r.p)
}

func (r *reporter) fileDone(fr FileResult) {
	r.update(func(p *Progress) {
		p.FilesDone++
		p.CurrentFile = fr.FilePath
		if fr.Status == OutcomeSuccess {
			p.EntriesProcessed += fr.EntriesProcessed
		}
	})
}
