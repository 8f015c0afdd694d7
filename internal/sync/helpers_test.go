package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wesm/ccrelay/internal/db"
	"github.com/wesm/ccrelay/internal/parser"
	"github.com/wesm/ccrelay/internal/testjsonl"
)

// Timestamp constants for test data.
const (
	tsZero   = "2024-01-01T00:00:00Z"
	tsZeroS1 = "2024-01-01T00:00:01Z"
	tsZeroS2 = "2024-01-01T00:00:02Z"
)

func entryBase(uuid, sid, ts string) testjsonl.Base {
	return testjsonl.Base{
		UUID:      uuid,
		Timestamp: ts,
		SessionID: sid,
		Cwd:       "/home/dev/app",
		Version:   "1.0.43",
	}
}

// testEnv is a real SQLite store plus a Batch over a temp root.
type testEnv struct {
	db    *db.DB
	repos Repositories
	root  string
	batch *Batch
	logs  *observer.ObservedLogs
}

type envOption func(*Options)

func withParser(p LogParser) envOption {
	return func(o *Options) { o.Parser = p }
}

func withMetrics(m *Metrics) envOption {
	return func(o *Options) { o.Metrics = m }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	o := Options{
		Repos:  RepositoriesFrom(d),
		Logger: zap.New(core),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &testEnv{
		db:    d,
		repos: o.Repos,
		root:  t.TempDir(),
		batch: NewBatch(o),
		logs:  logs,
	}
}

// writeSession writes a session file under the env root.
func (e *testEnv) writeSession(
	project, sessionID string, lines ...string,
) string {
	return testjsonl.WriteSession(e.root, project, sessionID, lines...)
}

func (e *testEnv) run(t *testing.T, in Input) BatchProcessResult {
	t.Helper()
	if in.TargetDirectory == "" {
		in.TargetDirectory = e.root
	}
	res, err := e.batch.Run(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func (e *testEnv) messages(t *testing.T, sessionID string) []db.Message {
	t.Helper()
	msgs, err := e.repos.Messages.List(
		context.Background(), db.MessageFilter{SessionID: sessionID},
	)
	if err != nil {
		t.Fatalf("listing messages of %q: %v", sessionID, err)
	}
	return msgs
}

func (e *testEnv) countMessages(t *testing.T) int {
	t.Helper()
	n, err := e.db.Messages().Count(context.Background(), db.MessageFilter{})
	if err != nil {
		t.Fatalf("counting messages: %v", err)
	}
	return n
}

func (e *testEnv) projects(t *testing.T) []db.Project {
	t.Helper()
	ps, err := e.repos.Projects.List(context.Background(), db.ProjectFilter{})
	if err != nil {
		t.Fatalf("listing projects: %v", err)
	}
	return ps
}

func (e *testEnv) session(t *testing.T, id string) db.Session {
	t.Helper()
	s, err := e.repos.Sessions.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID(%q): %v", id, err)
	}
	return s
}

// stubParser wraps the real parser with failure injection and
// in-flight accounting.
type stubParser struct {
	inner    *parser.Parser
	delay    time.Duration
	failBase string
	panicOn  string
	block    chan struct{}

	// afterParse runs once the file has been read.
	afterParse func(path string)

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func newStubParser() *stubParser {
	return &stubParser{inner: parser.New(nil)}
}

func (p *stubParser) ParseFile(path string) (parser.ParsedLogFile, error) {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxSeen.Load()
		if n <= cur || p.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if p.block != nil {
		<-p.block
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	base := filepath.Base(path)
	if p.panicOn != "" && base == p.panicOn {
		panic("parser exploded on " + base)
	}
	if p.failBase != "" && base == p.failBase {
		return parser.ParsedLogFile{}, fmt.Errorf("cannot parse %s", base)
	}
	parsed, err := p.inner.ParseFile(path)
	if p.afterParse != nil {
		p.afterParse(path)
	}
	return parsed, err
}

// memFS is an in-memory FileSystem. Directories are keys of dirs;
// listing a path in denied fails.
type memFS struct {
	dirs   map[string][]fs.DirEntry
	denied map[string]bool
}

func (m *memFS) ReadDir(path string) ([]fs.DirEntry, error) {
	if m.denied[path] {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}
	}
	entries, ok := m.dirs[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return entries, nil
}

func (m *memFS) Stat(path string) (fs.FileInfo, error) {
	return nil, &fs.PathError{Op: "stat", Path: path, Err: errors.ErrUnsupported}
}

type memEntry struct {
	name string
	dir  bool
}

func (e memEntry) Name() string { return e.name }
func (e memEntry) IsDir() bool  { return e.dir }
func (e memEntry) Type() fs.FileMode {
	if e.dir {
		return fs.ModeDir
	}
	return 0
}
func (e memEntry) Info() (fs.FileInfo, error) { return nil, errors.ErrUnsupported }

func memFile(name string) fs.DirEntry { return memEntry{name: name} }
func memDir(name string) fs.DirEntry  { return memEntry{name: name, dir: true} }

// racingProjects simulates another worker winning the create
// race: Create stores the project and then reports a plain
// "already exists" error that carries no typed sentinel.
type racingProjects struct {
	ProjectRepository
	mu      gosync.Mutex
	creates int
}

func (r *racingProjects) Create(
	ctx context.Context, name, path string,
) (db.Project, error) {
	r.mu.Lock()
	r.creates++
	r.mu.Unlock()
	if _, err := r.ProjectRepository.Create(ctx, name, path); err != nil {
		return db.Project{}, err
	}
	return db.Project{}, &remoteError{
		msg:   "create failed",
		cause: errors.New(`project "` + name + `" already exists`),
	}
}

// remoteError hides its cause from Error(), the way some
// repository clients report failures.
type remoteError struct {
	msg   string
	cause error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.cause }

// failingSessions fails every Create with err.
type failingSessions struct {
	SessionRepository
	err error
}

func (f *failingSessions) Create(
	context.Context, db.NewSession,
) (db.Session, error) {
	return db.Session{}, f.err
}

// unreadableSessions fails every FindByID with err.
type unreadableSessions struct {
	SessionRepository
	err error
}

func (f *unreadableSessions) FindByID(
	context.Context, string,
) (db.Session, error) {
	return db.Session{}, f.err
}

// failingMessages fails every Upsert with err.
type failingMessages struct {
	MessageRepository
	err error
}

func (f *failingMessages) Upsert(
	context.Context, db.UpsertMessage,
) (db.Message, error) {
	return db.Message{}, f.err
}
