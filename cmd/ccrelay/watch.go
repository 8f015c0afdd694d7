package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wesm/ccrelay/internal/config"
	"github.com/wesm/ccrelay/internal/sync"
)

const metricsShutdownTimeout = 5 * time.Second

func runWatch(args []string) int {
	fs, cfg, l, code := setup("watch", args, nil)
	if fs == nil {
		return code
	}
	defer func() { _ = l.Sync() }()

	dir := projectsDir(fs, cfg)
	if _, err := os.Stat(dir); err != nil {
		l.Error("cannot watch projects dir", zap.Error(err))
		return exitRuntime
	}

	database, err := openDB(cfg, l)
	if err != nil {
		l.Error("cannot start watch", zap.Error(err))
		return exitRuntime
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	b := sync.NewBatch(sync.Options{
		Repos:   sync.RepositoriesFrom(database),
		Logger:  l,
		Metrics: sync.NewMetrics(reg),
	})

	if cfg.MetricsAddr != "" {
		stopMetrics := startMetricsServer(cfg.MetricsAddr, reg, l)
		defer stopMetrics()
	}

	stopWatcher, err := startFileWatcher(ctx, cfg, dir, b, l)
	if err != nil {
		l.Error("file watcher unavailable", zap.Error(err))
		return exitRuntime
	}
	defer stopWatcher()

	// Rescans always skip unchanged files; the watcher covers
	// edits between them.
	runner := sync.NewRunner(b, sync.Input{
		TargetDirectory: dir,
		Pattern:         cfg.Pattern,
		MaxConcurrency:  cfg.MaxConcurrency,
		SkipExisting:    true,
	}, l)
	l.Info("watching for log changes",
		zap.String("dir", dir),
		zap.Duration("debounce", cfg.WatchDebounce),
		zap.Duration("interval", cfg.SyncInterval))
	rescans := make(chan struct{})
	go func() {
		defer close(rescans)
		runner.RunEvery(ctx, cfg.SyncInterval)
	}()

	<-ctx.Done()
	l.Info("shutting down")
	<-rescans
	return exitOK
}

// startFileWatcher watches dir recursively and feeds settled
// events to a LiveIngester. The returned func stops the watcher.
func startFileWatcher(
	ctx context.Context, cfg config.Config, dir string,
	b *sync.Batch, l *zap.Logger,
) (func(), error) {
	live := sync.NewLiveIngester(b, dir, cfg.Pattern)
	onChange := func(events []sync.WatchEvent) {
		for _, fr := range live.Handle(ctx, events) {
			if fr.Status == sync.OutcomeFailed {
				l.Warn("live ingest failed",
					zap.String("path", fr.FilePath),
					zap.String("error", fr.Error))
			}
		}
	}
	w, err := sync.NewWatcher(cfg.WatchDebounce, onChange, l)
	if err != nil {
		return nil, err
	}
	watched, unwatched, err := w.WatchRecursive(dir)
	if err != nil {
		w.Stop()
		return nil, err
	}
	if unwatched > 0 {
		l.Warn("some directories could not be watched",
			zap.Int("watched", watched), zap.Int("unwatched", unwatched))
	}
	w.Start()
	return w.Stop, nil
}

// startMetricsServer serves reg on addr under /metrics. The
// returned func shuts the server down.
func startMetricsServer(
	addr string, reg *prometheus.Registry, l *zap.Logger,
) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		l.Info("serving metrics", zap.String("addr", addr))
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics server", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), metricsShutdownTimeout,
		)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
