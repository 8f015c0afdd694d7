package sync

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/logging"
)

// Runner runs a batch at most once at a time. A trigger that
// arrives while a run is in flight is dropped, not queued.
type Runner struct {
	run     func(ctx context.Context, onProgress ProgressFunc) (BatchProcessResult, error)
	running atomic.Bool
	log     *zap.Logger
}

// NewRunner returns a Runner that runs b with in.
func NewRunner(b *Batch, in Input, log *zap.Logger) *Runner {
	return &Runner{
		run: func(
			ctx context.Context, onProgress ProgressFunc,
		) (BatchProcessResult, error) {
			return b.Run(ctx, in, onProgress)
		},
		log: logging.OrNop(log),
	}
}

// TryRun runs the batch unless one is already running, in which
// case it returns ran=false immediately.
func (r *Runner) TryRun(
	ctx context.Context, onProgress ProgressFunc,
) (res BatchProcessResult, ran bool, err error) {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("batch already running, trigger dropped")
		return BatchProcessResult{}, false, nil
	}
	defer r.running.Store(false)
	res, err = r.run(ctx, onProgress)
	return res, true, err
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool { return r.running.Load() }

// RunEvery calls TryRun immediately and then on every tick of
// interval until ctx is done. Runs happen on the calling
// goroutine, so RunEvery returns only once no run is in flight.
// Ticks that fire during a run are coalesced by the ticker.
func (r *Runner) RunEvery(ctx context.Context, interval time.Duration) {
	tick := func() {
		if _, _, err := r.TryRun(ctx, nil); err != nil {
			r.log.Warn("periodic batch failed", zap.Error(err))
		}
	}
	tick()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}
