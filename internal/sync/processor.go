package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/wesm/ccrelay/internal/db"
	"github.com/wesm/ccrelay/internal/logging"
	"github.com/wesm/ccrelay/internal/parser"
	"github.com/wesm/ccrelay/internal/timeutil"
)

// SystemPrefix marks system entries stored as assistant messages.
const SystemPrefix = "[SYSTEM] "

// errEntry marks a per-entry problem that skips the entry but
// not the file.
var errEntry = errors.New("entry rejected")

// Processor ingests one log file end to end.
type Processor struct {
	parser     LogParser
	reconciler *Reconciler
	sessions   SessionRepository
	messages   MessageRepository
	log        *zap.Logger
}

// NewProcessor returns a Processor.
func NewProcessor(
	p LogParser, rec *Reconciler,
	sessions SessionRepository, messages MessageRepository,
	log *zap.Logger,
) *Processor {
	return &Processor{
		parser:     p,
		reconciler: rec,
		sessions:   sessions,
		messages:   messages,
		log:        logging.OrNop(log),
	}
}

// sessionState accumulates what a file's entries say about their
// session.
type sessionState struct {
	id       string
	cwd      string
	newest   time.Time
	versions []string
}

// ProcessLogFile parses path, reconciles its project and session
// and upserts every user, assistant and system entry in file
// order. It returns the number of parsed entries, including
// summaries and entries skipped as invalid. An empty file
// succeeds without touching the store.
//
// Rejected entries are logged and skipped. Repository failures
// fail the file with a *FileError.
func (p *Processor) ProcessLogFile(
	ctx context.Context, path string,
) (int, error) {
	parsed, err := p.parser.ParseFile(path)
	if err != nil {
		return 0, &FileError{Path: path, Stage: StageParse, Err: err}
	}
	if len(parsed.Entries) == 0 {
		return 0, nil
	}

	rec, err := p.reconciler.Ensure(
		ctx, parsed.ProjectName, parsed.SessionID, parsed.Entries,
	)
	if err != nil {
		return 0, &FileError{Path: path, Stage: StageReconcile, Err: err}
	}

	s, err := p.sessions.FindByID(ctx, rec.SessionID)
	if err != nil {
		return 0, &FileError{Path: path, Stage: StageReconcile, Err: err}
	}
	st := &sessionState{id: rec.SessionID, cwd: s.Cwd}

	for i, e := range parsed.Entries {
		if err := ctx.Err(); err != nil {
			return 0, &FileError{Path: path, Stage: StagePersist, Err: err}
		}
		err := p.processEntry(ctx, st, e)
		if errors.Is(err, errEntry) {
			p.log.Warn("skipping log entry",
				zap.String("path", path),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		if err != nil {
			return 0, &FileError{Path: path, Stage: StagePersist, Err: err}
		}
	}

	if err := p.finishSession(ctx, st); err != nil {
		return 0, &FileError{Path: path, Stage: StagePersist, Err: err}
	}
	return len(parsed.Entries), nil
}

func (p *Processor) processEntry(
	ctx context.Context, st *sessionState, e parser.Entry,
) error {
	var (
		role    string
		content *string
	)
	switch v := e.(type) {
	case *parser.SummaryEntry:
		return nil
	case *parser.UserEntry:
		role = v.Message.Role
		content = parser.StringifyContent(v.Message.Content)
	case *parser.AssistantEntry:
		role = v.Message.Role
		content = parser.StringifyContent(v.Message.Content)
	case *parser.SystemEntry:
		role = "assistant"
		s := SystemPrefix + v.Content
		content = &s
	default:
		return fmt.Errorf("%w: unhandled entry %T", errEntry, e)
	}

	b := parser.BaseOf(e)
	switch role {
	case "user", "assistant":
	case "":
		return fmt.Errorf("%w: %s: missing message role", errEntry, b.UUID)
	default:
		return fmt.Errorf("%w: %s: unknown role %q", errEntry, b.UUID, role)
	}

	if _, err := p.messages.Upsert(ctx, db.UpsertMessage{
		SessionID:  st.id,
		Role:       role,
		Content:    content,
		Timestamp:  timeutil.Format(b.Time()),
		RawData:    e.Raw(),
		UUID:       b.UUID,
		ParentUUID: b.ParentUUID,
		Cwd:        b.Cwd,
	}); err != nil {
		return fmt.Errorf("upserting message %s: %w", b.UUID, err)
	}

	if b.Cwd != "" && b.Cwd != st.cwd {
		if err := p.sessions.UpdateCwd(ctx, st.id, b.Cwd); err != nil {
			return fmt.Errorf("updating session cwd: %w", err)
		}
		st.cwd = b.Cwd
	}
	if b.Time().After(st.newest) {
		st.newest = b.Time()
	}
	if b.Version != "" {
		st.versions = append(st.versions, b.Version)
	}
	return nil
}

// finishSession advances last_message_at and records the highest
// tool version seen.
func (p *Processor) finishSession(
	ctx context.Context, st *sessionState,
) error {
	if !st.newest.IsZero() {
		if err := p.sessions.UpdateLastMessageAt(
			ctx, st.id, st.newest,
		); err != nil {
			return fmt.Errorf("updating last message time: %w", err)
		}
	}

	best := highestVersion(st.versions)
	if best == "" {
		return nil
	}
	s, err := p.sessions.FindByID(ctx, st.id)
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}
	if s.CLIVersion != nil &&
		semver.Compare(canonical(best), canonical(*s.CLIVersion)) <= 0 {
		return nil
	}
	if err := p.sessions.UpdateCLIVersion(ctx, st.id, best); err != nil {
		return fmt.Errorf("updating cli version: %w", err)
	}
	return nil
}

// canonical prefixes v for golang.org/x/mod/semver, which
// requires a leading "v".
func canonical(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// highestVersion returns the greatest valid semver in vs, or ""
// when none is valid.
func highestVersion(vs []string) string {
	best := ""
	for _, v := range vs {
		if !semver.IsValid(canonical(v)) {
			continue
		}
		if best == "" || semver.Compare(canonical(v), canonical(best)) > 0 {
			best = v
		}
	}
	return best
}
