package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/sync"
)

type batchFlags struct {
	resetTracking bool
	jsonOut       bool
	noProgress    bool
}

func (f *batchFlags) register(fs *flag.FlagSet) {
	fs.BoolVar(&f.resetTracking, "reset-tracking", false,
		"Forget all tracking records before ingesting")
	fs.BoolVar(&f.jsonOut, "json", false, "Print the result as JSON")
	fs.BoolVar(&f.noProgress, "no-progress", false, "Hide the progress bar")
}

func runBatch(args []string) int {
	var bf batchFlags
	fs, cfg, l, code := setup("batch", args, bf.register)
	if fs == nil {
		return code
	}
	defer func() { _ = l.Sync() }()

	database, err := openDB(cfg, l)
	if err != nil {
		l.Error("cannot run batch", zap.Error(err))
		return exitRuntime
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	b := sync.NewBatch(sync.Options{
		Repos:  sync.RepositoriesFrom(database),
		Logger: l,
	})

	if bf.resetTracking {
		n, err := b.Tracker().Reset(ctx)
		if err != nil {
			l.Error("resetting tracking", zap.Error(err))
			return exitRuntime
		}
		l.Info("tracking reset", zap.Int("records", n))
	}

	in := sync.Input{
		TargetDirectory: projectsDir(fs, cfg),
		Pattern:         cfg.Pattern,
		MaxConcurrency:  cfg.MaxConcurrency,
		SkipExisting:    cfg.SkipExisting,
	}

	var onProgress sync.ProgressFunc
	if !bf.noProgress && !bf.jsonOut {
		pb := newProgressBar(os.Stderr)
		defer pb.finish()
		onProgress = pb.update
	}

	start := time.Now()
	res, err := b.Run(ctx, in, onProgress)
	if err != nil {
		l.Error("batch failed", zap.Error(err))
		return exitRuntime
	}

	if bf.jsonOut {
		if err := writeJSON(os.Stdout, res); err != nil {
			l.Error("writing result", zap.Error(err))
			return exitRuntime
		}
	} else {
		printSummary(os.Stdout, res, time.Since(start))
	}
	return batchExitCode(res)
}

func batchExitCode(res sync.BatchProcessResult) int {
	if res.FailedFiles > 0 {
		return exitFailed
	}
	return exitOK
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// progressBar draws batch progress. The bar is created once the
// file count is known.
type progressBar struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{w: w}
}

func (p *progressBar) update(pr sync.Progress) {
	if pr.Phase == sync.PhaseDiscovering || pr.FilesTotal == 0 {
		return
	}
	if p.bar == nil {
		p.bar = progressbar.NewOptions(pr.FilesTotal,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription("Ingesting logs"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}
	_ = p.bar.Set(pr.FilesDone)
	if pr.Phase == sync.PhaseDone {
		p.finish()
	}
}

func (p *progressBar) finish() {
	if p.bar != nil && !p.bar.IsFinished() {
		_ = p.bar.Finish()
	}
}

func printSummary(w io.Writer, res sync.BatchProcessResult, took time.Duration) {
	bold := color.New(color.Bold)
	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	bad := color.New(color.FgRed)

	if res.TotalFiles == 0 {
		warn.Fprintln(w, "No log files found.")
		return
	}

	bold.Fprintf(w, "Ingested %s entries from %s files in %s\n",
		humanize.Comma(int64(res.TotalEntries)),
		humanize.Comma(int64(res.TotalFiles)),
		took.Round(time.Millisecond))
	ok.Fprintf(w, "  processed: %s\n", humanize.Comma(int64(res.ProcessedFiles)))
	if res.SkippedFiles > 0 {
		warn.Fprintf(w, "  skipped:   %s\n", humanize.Comma(int64(res.SkippedFiles)))
	}
	if res.FailedFiles > 0 {
		bad.Fprintf(w, "  failed:    %s\n", humanize.Comma(int64(res.FailedFiles)))
		for _, e := range res.Errors {
			fmt.Fprintf(w, "    %s\n", e)
		}
	}
}
