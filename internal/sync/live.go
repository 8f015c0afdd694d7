package sync

import (
	"context"

	"go.uber.org/zap"
)

// LiveIngester feeds watcher events through the same processing
// path as Batch. Removals are ignored: messages are never deleted
// by ingestion.
type LiveIngester struct {
	batch   *Batch
	root    string
	pattern string
}

// NewLiveIngester returns an ingester for files under root that
// match pattern. An empty pattern means DefaultPattern.
func NewLiveIngester(b *Batch, root, pattern string) *LiveIngester {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &LiveIngester{batch: b, root: root, pattern: pattern}
}

// Handle processes the add and change events in order and returns
// one result per processed file.
func (l *LiveIngester) Handle(
	ctx context.Context, events []WatchEvent,
) []FileResult {
	var out []FileResult
	for _, ev := range events {
		if ev.Kind == EventUnlink {
			l.batch.log.Debug("ignoring removed log file",
				zap.String("path", ev.Path))
			continue
		}
		if !matchPattern(l.root, ev.Path, l.pattern) {
			continue
		}
		fr := l.batch.handleFile(ctx, ev.Path, false)
		if fr.Status == OutcomeSuccess {
			l.batch.log.Info("ingested log file",
				zap.String("path", ev.Path),
				zap.String("event", string(ev.Kind)),
				zap.Int("entries", fr.EntriesProcessed))
		}
		out = append(out, fr)
	}
	return out
}
