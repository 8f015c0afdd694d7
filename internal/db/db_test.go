package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const (
	// Timestamp constants for test data.
	tsZero   = "2024-01-01T00:00:00Z"
	tsZeroS1 = "2024-01-01T00:00:01Z"
	tsZeroS2 = "2024-01-01T00:00:02Z"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func canceledCtx() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// requireCanceledErr asserts that err is context.Canceled.
func requireCanceledErr(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

// requireErrIs fails unless errors.Is(err, target).
func requireErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("got error %v, want %v", err, target)
	}
}

// requireErrContains fails if err is nil or doesn't contain
// substr.
func requireErrContains(
	t *testing.T, err error, substr string,
) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), substr) {
		t.Errorf("error %q does not contain %q",
			err.Error(), substr)
	}
}

// mustProject creates a project named name with path name.
func mustProject(t *testing.T, d *DB, name string) Project {
	t.Helper()
	p, err := d.Projects().Create(context.Background(), name, name)
	if err != nil {
		t.Fatalf("Create project %q: %v", name, err)
	}
	return p
}

// mustSession creates a session in project p.
func mustSession(t *testing.T, d *DB, id string, p *Project) Session {
	t.Helper()
	in := NewSession{ID: id, Cwd: "/tmp"}
	if p != nil {
		in.ProjectID = &p.ID
	}
	s, err := d.Sessions().Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create session %q: %v", id, err)
	}
	return s
}

func msg(sid, uuid, role, content, ts string) UpsertMessage {
	return UpsertMessage{
		SessionID: sid,
		Role:      role,
		Content:   &content,
		Timestamp: ts,
		RawData:   `{"uuid":"` + uuid + `"}`,
		UUID:      uuid,
		Cwd:       "/srv/app",
	}
}

func TestOpenCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file not created: %v", err)
	}
}

func TestOpenReopensExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := d.Projects().Create(
		context.Background(), "demo", "demo",
	); err != nil {
		t.Fatalf("Create: %v", err)
	}
	d.Close()

	d, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()
	got, err := d.Projects().List(
		context.Background(), ProjectFilter{},
	)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Name != "demo" {
		t.Fatalf("projects after reopen = %+v", got)
	}
}

func TestProjectCRUD(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := d.Projects()

	p := mustProject(t, d, "demo")
	if p.ID == "" || p.CreatedAt == "" {
		t.Fatalf("created project missing id/created_at: %+v", p)
	}

	_, err := repo.Create(ctx, "demo", "elsewhere")
	requireErrIs(t, err, ErrAlreadyExists)
	requireErrContains(t, err, "already exists")

	got, err := repo.FindByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got != p {
		t.Errorf("FindByID = %+v, want %+v", got, p)
	}

	byPath, err := repo.FindByPath(ctx, "demo")
	if err != nil {
		t.Fatalf("FindByPath: %v", err)
	}
	if byPath.ID != p.ID {
		t.Errorf("FindByPath id = %q, want %q", byPath.ID, p.ID)
	}

	_, err = repo.FindByID(ctx, "nope")
	requireErrIs(t, err, ErrNotFound)
	_, err = repo.FindByPath(ctx, "nope")
	requireErrIs(t, err, ErrNotFound)

	if err := repo.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	requireErrIs(t, repo.Delete(ctx, p.ID), ErrNotFound)
}

func TestProjectCreateEmptyName(t *testing.T) {
	d := testDB(t)
	_, err := d.Projects().Create(context.Background(), "", "")
	requireErrContains(t, err, "empty name")
}

func TestProjectList(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	for _, n := range []string{"charlie", "alpha", "bravo"} {
		mustProject(t, d, n)
	}

	tests := []struct {
		name string
		f    ProjectFilter
		want []string
	}{
		{"all ordered", ProjectFilter{}, []string{"alpha", "bravo", "charlie"}},
		{"by name", ProjectFilter{Name: "bravo"}, []string{"bravo"}},
		{"by path", ProjectFilter{Path: "charlie"}, []string{"charlie"}},
		{"no match", ProjectFilter{Name: "delta"}, nil},
		{"limit", ProjectFilter{Limit: 2}, []string{"alpha", "bravo"}},
		{"offset", ProjectFilter{Limit: 2, Offset: 2}, []string{"charlie"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Projects().List(ctx, tt.f)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var names []string
			for _, p := range got {
				names = append(names, p.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", names, tt.want)
			}
		})
	}
}

func TestProjectUpsert(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := d.Projects()

	first, err := repo.Upsert(ctx, "demo", "/a")
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	same, err := repo.Upsert(ctx, "demo", "/a")
	if err != nil {
		t.Fatalf("Upsert again: %v", err)
	}
	if same != first {
		t.Errorf("unchanged upsert modified row: %+v -> %+v", first, same)
	}

	moved, err := repo.Upsert(ctx, "demo", "/b")
	if err != nil {
		t.Fatalf("Upsert moved: %v", err)
	}
	if moved.ID != first.ID || moved.Path != "/b" {
		t.Errorf("moved = %+v, want id %q path /b", moved, first.ID)
	}
}

func TestProjectDeleteKeepsSessions(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	p := mustProject(t, d, "demo")
	mustSession(t, d, "s1", &p)

	if err := d.Projects().Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	s, err := d.Sessions().FindByID(ctx, "s1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if s.ProjectID != nil {
		t.Errorf("project_id = %q, want NULL", *s.ProjectID)
	}
}

func TestConcurrentProjectCreate(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dupes   int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Projects().Create(ctx, "demo", "demo")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrAlreadyExists):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || dupes != workers-1 {
		t.Errorf("created=%d dupes=%d, want 1 and %d",
			created, dupes, workers-1)
	}
}

func TestSessionCRUD(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := d.Sessions()
	p := mustProject(t, d, "demo")

	s := mustSession(t, d, "s1", &p)
	if s.ProjectID == nil || *s.ProjectID != p.ID {
		t.Fatalf("ProjectID = %v, want %q", s.ProjectID, p.ID)
	}
	if s.Cwd != "/tmp" || s.LastMessageAt != nil {
		t.Errorf("unexpected new session: %+v", s)
	}

	_, err := repo.Create(ctx, NewSession{ID: "s1"})
	requireErrIs(t, err, ErrAlreadyExists)

	gen, err := repo.Create(ctx, NewSession{Cwd: "/x"})
	if err != nil {
		t.Fatalf("Create without id: %v", err)
	}
	if gen.ID == "" {
		t.Error("generated id is empty")
	}

	if err := repo.UpdateCwd(ctx, "s1", "/srv/app"); err != nil {
		t.Fatalf("UpdateCwd: %v", err)
	}
	got, err := repo.FindByID(ctx, "s1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Cwd != "/srv/app" {
		t.Errorf("cwd = %q, want /srv/app", got.Cwd)
	}

	requireErrIs(t, repo.UpdateCwd(ctx, "nope", "/x"), ErrNotFound)
	_, err = repo.FindByID(ctx, "nope")
	requireErrIs(t, err, ErrNotFound)

	if err := repo.UpdateCLIVersion(ctx, "s1", "1.0.43"); err != nil {
		t.Fatalf("UpdateCLIVersion: %v", err)
	}
	got, _ = repo.FindByID(ctx, "s1")
	if got.CLIVersion == nil || *got.CLIVersion != "1.0.43" {
		t.Errorf("cli_version = %v, want 1.0.43", got.CLIVersion)
	}
}

func TestSessionUnknownProject(t *testing.T) {
	d := testDB(t)
	_, err := d.Sessions().Create(context.Background(), NewSession{
		ID: "s1", ProjectID: Ptr("missing"),
	})
	if err == nil {
		t.Fatal("expected foreign key error")
	}
	if errors.Is(err, ErrAlreadyExists) {
		t.Errorf("foreign key failure classified as already exists: %v", err)
	}
}

func TestSessionLastMessageAtOnlyAdvances(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := d.Sessions()
	mustSession(t, d, "s1", nil)

	at := func(s string) time.Time {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Fatal(err)
		}
		return ts
	}

	steps := []struct {
		ts   string
		want string
	}{
		{tsZeroS1, tsZeroS1},
		{tsZero, tsZeroS1},
		{tsZeroS2, tsZeroS2},
		{tsZeroS2, tsZeroS2},
	}
	for _, st := range steps {
		if err := repo.UpdateLastMessageAt(ctx, "s1", at(st.ts)); err != nil {
			t.Fatalf("UpdateLastMessageAt(%s): %v", st.ts, err)
		}
		got, err := repo.FindByID(ctx, "s1")
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.LastMessageAt == nil || *got.LastMessageAt != st.want {
			t.Errorf("after %s: last_message_at = %v, want %s",
				st.ts, got.LastMessageAt, st.want)
		}
	}

	requireErrIs(t,
		repo.UpdateLastMessageAt(ctx, "nope", at(tsZero)),
		ErrNotFound)
}

func TestSessionListByProject(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	a := mustProject(t, d, "a")
	b := mustProject(t, d, "b")
	mustSession(t, d, "a1", &a)
	mustSession(t, d, "a2", &a)
	mustSession(t, d, "b1", &b)

	got, err := d.Sessions().List(ctx, SessionFilter{ProjectID: a.ID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want 2", len(got))
	}
	for _, s := range got {
		if s.ProjectID == nil || *s.ProjectID != a.ID {
			t.Errorf("session %s in wrong project", s.ID)
		}
	}

	all, err := d.Sessions().List(ctx, SessionFilter{})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d sessions, want 3", len(all))
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := d.Messages()
	mustSession(t, d, "s1", nil)

	in := msg("s1", "u1", "user", "hi", tsZero)
	first, err := repo.Upsert(ctx, in)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	again, err := repo.Upsert(ctx, in)
	if err != nil {
		t.Fatalf("Upsert again: %v", err)
	}
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("identical upsert changed row (-first +again):\n%s", diff)
	}

	n, err := repo.Count(ctx, MessageFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	edited := msg("s1", "u1", "user", "hi again", tsZero)
	got, err := repo.Upsert(ctx, edited)
	if err != nil {
		t.Fatalf("Upsert edited: %v", err)
	}
	if got.ID != first.ID || got.Content == nil || *got.Content != "hi again" {
		t.Errorf("edited upsert = %+v", got)
	}
}

func TestMessageFindAndList(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := d.Messages()
	mustSession(t, d, "s1", nil)
	mustSession(t, d, "s2", nil)

	for _, in := range []UpsertMessage{
		msg("s1", "u1", "user", "q", tsZero),
		msg("s1", "a1", "assistant", "a", tsZeroS1),
		msg("s1", "u2", "user", "q2", tsZeroS2),
		msg("s2", "u3", "user", "other", tsZero),
	} {
		if _, err := repo.Upsert(ctx, in); err != nil {
			t.Fatalf("Upsert %s: %v", in.UUID, err)
		}
	}

	byUUID, err := repo.FindByUUID(ctx, "a1")
	if err != nil {
		t.Fatalf("FindByUUID: %v", err)
	}
	byID, err := repo.FindByID(ctx, byUUID.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if diff := cmp.Diff(byUUID, byID); diff != "" {
		t.Errorf("FindByID mismatch (-want +got):\n%s", diff)
	}
	_, err = repo.FindByUUID(ctx, "zzz")
	requireErrIs(t, err, ErrNotFound)
	_, err = repo.FindByID(ctx, 9999)
	requireErrIs(t, err, ErrNotFound)

	users, err := repo.List(ctx, MessageFilter{SessionID: "s1", Role: "user"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 2 || users[0].UUID != "u1" || users[1].UUID != "u2" {
		t.Errorf("user messages = %+v", users)
	}
}

func TestMessageRejectsUnknownRole(t *testing.T) {
	d := testDB(t)
	mustSession(t, d, "s1", nil)
	_, err := d.Messages().Upsert(context.Background(),
		msg("s1", "x1", "system", "nope", tsZero))
	requireErrContains(t, err, "CHECK constraint failed")
}

func TestTrackingCRUD(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := d.Tracking()
	when := time.Date(2024, 6, 1, 10, 0, 0, 123456789, time.UTC)

	rec, err := repo.Create(ctx, "/logs/a.jsonl", TrackingUpdate{
		LastProcessedAt: when, FileSize: Ptr[int64](42),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !rec.LastProcessedAt.Equal(when) {
		t.Errorf("LastProcessedAt = %v, want %v", rec.LastProcessedAt, when)
	}
	if rec.FileSize == nil || *rec.FileSize != 42 {
		t.Errorf("FileSize = %v, want 42", rec.FileSize)
	}

	_, err = repo.Create(ctx, "/logs/a.jsonl", TrackingUpdate{LastProcessedAt: when})
	requireErrIs(t, err, ErrAlreadyExists)

	later := when.Add(time.Hour)
	if err := repo.UpdateByFilePath(ctx, "/logs/a.jsonl", TrackingUpdate{
		LastProcessedAt: later, FileSize: Ptr[int64](99),
	}); err != nil {
		t.Fatalf("UpdateByFilePath: %v", err)
	}
	got, err := repo.FindByFilePath(ctx, "/logs/a.jsonl")
	if err != nil {
		t.Fatalf("FindByFilePath: %v", err)
	}
	if !got.LastProcessedAt.Equal(later) || *got.FileSize != 99 {
		t.Errorf("after update: %+v", got)
	}

	if err := repo.Update(ctx, rec.ID, TrackingUpdate{LastProcessedAt: when}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = repo.FindByFilePath(ctx, "/logs/a.jsonl")
	if got.FileSize != nil {
		t.Errorf("FileSize = %v, want nil", *got.FileSize)
	}

	requireErrIs(t,
		repo.UpdateByFilePath(ctx, "/logs/none.jsonl", TrackingUpdate{LastProcessedAt: when}),
		ErrNotFound)
	_, err = repo.FindByFilePath(ctx, "/logs/none.jsonl")
	requireErrIs(t, err, ErrNotFound)

	if err := repo.DeleteByFilePath(ctx, "/logs/a.jsonl"); err != nil {
		t.Fatalf("DeleteByFilePath: %v", err)
	}
	requireErrIs(t, repo.Delete(ctx, rec.ID), ErrNotFound)
}

func TestTrackingListAndDeleteAll(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := d.Tracking()
	now := time.Now()
	for _, p := range []string{"/b.jsonl", "/a.jsonl", "/c.jsonl"} {
		if _, err := repo.Create(ctx, p, TrackingUpdate{LastProcessedAt: now}); err != nil {
			t.Fatalf("Create %s: %v", p, err)
		}
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].FilePath != "/a.jsonl" {
		t.Fatalf("List = %+v", list)
	}

	n, err := repo.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if n != 3 {
		t.Errorf("DeleteAll removed %d, want 3", n)
	}
	list, _ = repo.List(ctx)
	if len(list) != 0 {
		t.Errorf("List after DeleteAll = %+v", list)
	}
}

func TestCanceledContext(t *testing.T) {
	d := testDB(t)
	mustSession(t, d, "s1", nil)
	ctx := canceledCtx()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"ListProjects", func() error {
			_, err := d.Projects().List(ctx, ProjectFilter{})
			return err
		}},
		{"ListSessions", func() error {
			_, err := d.Sessions().List(ctx, SessionFilter{})
			return err
		}},
		{"ListMessages", func() error {
			_, err := d.Messages().List(ctx, MessageFilter{SessionID: "s1"})
			return err
		}},
		{"UpsertMessage", func() error {
			_, err := d.Messages().Upsert(ctx, msg("s1", "u1", "user", "x", tsZero))
			return err
		}},
		{"ListTracking", func() error {
			_, err := d.Tracking().List(ctx)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCanceledErr(t, tt.fn())
		})
	}
}
