package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lowkeylabs/stratum/internal/config"
	"github.com/lowkeylabs/stratum/internal/store"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	// Small pages so sweep tests exercise pagination.
	cfg.Engine.BatchPageSize = 3
	return New(db, cfg)
}

// setClock pins the engine clock to a fixed instant.
func setClock(e *Engine, at time.Time) {
	e.now = func() time.Time { return at }
}

// create records a snapshot for project with the engine clock pinned to
// at, restoring the previous clock afterward.
func create(t *testing.T, e *Engine, project string, at time.Time) *store.Snapshot {
	t.Helper()
	prev := e.now
	setClock(e, at)
	defer func() { e.now = prev }()

	s := &store.Snapshot{Project: project, Summary: "snapshot"}
	if err := e.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestCreateAssignsIdentity(t *testing.T) {
	e := testEngine(t)
	base := time.Now()
	setClock(e, base)

	s := &store.Snapshot{
		Project:    "proj",
		Summary:    "wired up the parser",
		ActionType: "file_edit",
	}
	if err := e.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" {
		t.Error("expected assigned id")
	}
	if s.Timestamp != base.UnixMilli() {
		t.Errorf("timestamp = %d, want %d", s.Timestamp, base.UnixMilli())
	}
	if s.MemoryTier != store.TierActive {
		t.Errorf("tier = %s, want active", s.MemoryTier)
	}

	got, err := e.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Summary != "wired up the parser" {
		t.Errorf("summary = %q", got.Summary)
	}
}

func TestCreateRequiresProject(t *testing.T) {
	e := testEngine(t)

	err := e.Create(context.Background(), &store.Snapshot{Summary: "no project"})
	if err == nil {
		t.Fatal("expected error for empty project")
	}
}

func TestCreateOpenActionTypes(t *testing.T) {
	e := testEngine(t)

	// Open enumeration: unrecognized values are stored as-is.
	s := &store.Snapshot{Project: "proj", ActionType: "code_review"}
	if err := e.Create(context.Background(), s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := e.Get(context.Background(), s.ID)
	if got.ActionType != "code_review" {
		t.Errorf("action_type = %q, want code_review", got.ActionType)
	}
}

func TestCreateStrictActionTypes(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Engine.StrictActionTypes = true
	e := New(db, cfg)

	err = e.Create(context.Background(), &store.Snapshot{Project: "proj", ActionType: "code_review"})
	if !errors.Is(err, ErrUnknownActionType) {
		t.Fatalf("err = %v, want ErrUnknownActionType", err)
	}

	// Recognized values (and unset) still pass in strict mode.
	for _, at := range []string{"", "conversation", "decision", "file_edit", "tool_use", "research"} {
		if err := e.Create(context.Background(), &store.Snapshot{Project: "proj", ActionType: at}); err != nil {
			t.Errorf("Create(%q): %v", at, err)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	e := testEngine(t)

	_, err := e.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	e := testEngine(t)
	s := create(t, e, "proj", time.Now())

	if err := e.Delete(context.Background(), s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Get(context.Background(), s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
	if err := e.Delete(context.Background(), s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestListPagination(t *testing.T) {
	e := testEngine(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		create(t, e, "proj", base.Add(time.Duration(i)*time.Second))
	}

	var all []store.Snapshot
	cursor := ""
	pages := 0
	for {
		page, next, err := e.List(context.Background(), "proj", cursor, 2)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		all = append(all, page...)
		pages++
		if next == "" {
			break
		}
		cursor = next
	}
	if len(all) != 5 {
		t.Errorf("listed %d snapshots, want 5", len(all))
	}
	if pages < 3 {
		t.Errorf("pages = %d, want at least 3 with limit 2", pages)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp < all[i-1].Timestamp {
			t.Errorf("list out of order at %d", i)
		}
	}
}

func TestParseCursorRoundTrip(t *testing.T) {
	ts, id, err := parseCursor(batchCursor(12345, "snap-1"))
	if err != nil {
		t.Fatalf("parseCursor: %v", err)
	}
	if ts != 12345 || id != "snap-1" {
		t.Errorf("got (%d, %s), want (12345, snap-1)", ts, id)
	}

	ts, id, err = parseCursor("")
	if err != nil || ts != -1 || id != "" {
		t.Errorf("empty cursor: (%d, %q, %v)", ts, id, err)
	}

	if _, _, err := parseCursor("garbage"); err == nil {
		t.Error("expected error for malformed cursor")
	}
}
