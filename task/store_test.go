package task

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "pinion-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)

	task := &Task{
		Title:            "Test task",
		Description:      "Do something",
		Status:           StatusPending,
		Priority:         PriorityHigh,
		AssignedAgent:    "agent-1",
		AssignedDivision: "backend",
		Metadata:         map[string]string{"key": "val"},
	}
	id, err := store.Create(task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty ID")
	}
	if task.ID != id {
		t.Errorf("task.ID = %q, want %q", task.ID, id)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != task.Title {
		t.Errorf("Title = %q, want %q", got.Title, task.Title)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.AssignedAgent != "agent-1" {
		t.Errorf("AssignedAgent = %q, want agent-1", got.AssignedAgent)
	}
	if got.Metadata["key"] != "val" {
		t.Errorf("Metadata key = %q, want %q", got.Metadata["key"], "val")
	}
}

func TestSQLiteStore_Create_RequiresTitle(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(&Task{Description: "no title"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("Create without title: got %v, want ErrValidation", err)
	}
}

func TestSQLiteStore_Create_DuplicateID(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(&Task{ID: "t1", Title: "first"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Create(&Task{ID: "t1", Title: "second"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate Create: got %v, want ErrValidation", err)
	}
}

func TestSQLiteStore_Create_ConcurrentDuplicateID(t *testing.T) {
	store := newTestStore(t)

	// Racing creates of the same id: one wins, the loser gets
	// ErrValidation, never a raw constraint error.
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			_, err := store.Create(&Task{ID: "dup", Title: fmt.Sprintf("copy %d", n)})
			errs <- err
		}(i)
	}

	var created, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			created++
		case errors.Is(err, ErrValidation):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 || rejected != 1 {
		t.Errorf("created=%d rejected=%d, want 1 and 1", created, rejected)
	}
}

func TestSQLiteStore_Dependencies(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Create(&Task{ID: "a", Title: "A"}); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := store.Create(&Task{ID: "b", Title: "B", Dependencies: []string{"a"}}); err != nil {
		t.Fatalf("Create b: %v", err)
	}

	got, err := store.Get("b")
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "a" {
		t.Errorf("Dependencies = %v, want [a]", got.Dependencies)
	}

	deps, err := store.Dependents("a")
	if err != nil {
		t.Fatalf("Dependents: %v", err)
	}
	if len(deps) != 1 || deps[0].ID != "b" {
		t.Errorf("Dependents(a) = %v, want [b]", deps)
	}
}

func TestSQLiteStore_Update(t *testing.T) {
	store := newTestStore(t)

	task := &Task{Title: "orig", Description: "desc", Status: StatusPending}
	id, err := store.Create(task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	task.Title = "updated"
	task.Status = StatusInProgress
	task.CompletionPercentage = 40
	if err := store.Update(task); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Title != "updated" {
		t.Errorf("Title = %q, want updated", got.Title)
	}
	if got.Status != StatusInProgress {
		t.Errorf("Status = %q, want in_progress", got.Status)
	}
	if got.CompletionPercentage != 40 {
		t.Errorf("CompletionPercentage = %v, want 40", got.CompletionPercentage)
	}
}

func TestSQLiteStore_Update_NotFound(t *testing.T) {
	store := newTestStore(t)
	task := &Task{ID: "nonexistent", Title: "x", Description: "y", Status: StatusPending}
	if err := store.Update(task); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update missing task: got %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := newTestStore(t)

	task := &Task{Title: "to delete", Description: "desc", Status: StatusPending}
	id, err := store.Create(task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := store.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_Delete_ReferencedFails(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Create(&Task{ID: "dep", Title: "dependency"}); err != nil {
		t.Fatalf("Create dep: %v", err)
	}
	if _, err := store.Create(&Task{ID: "user", Title: "user", Dependencies: []string{"dep"}}); err != nil {
		t.Fatalf("Create user: %v", err)
	}

	if err := store.Delete("dep"); !errors.Is(err, ErrConflict) {
		t.Fatalf("Delete referenced task: got %v, want ErrConflict", err)
	}

	// Removing the referencing task frees up the dependency.
	if err := store.Delete("user"); err != nil {
		t.Fatalf("Delete user: %v", err)
	}
	if err := store.Delete("dep"); err != nil {
		t.Fatalf("Delete dep after user removed: %v", err)
	}
}

func TestSQLiteStore_List_Filters(t *testing.T) {
	store := newTestStore(t)

	seed := []*Task{
		{ID: "1", Title: "one", Status: StatusPending, Priority: PriorityLow, AssignedAgent: "alice"},
		{ID: "2", Title: "two", Status: StatusInProgress, Priority: PriorityCritical, AssignedAgent: "alice"},
		{ID: "3", Title: "three", Status: StatusPending, Priority: PriorityHigh, AssignedDivision: "infra"},
	}
	for _, task := range seed {
		if _, err := store.Create(task); err != nil {
			t.Fatalf("Create %s: %v", task.ID, err)
		}
	}

	pending := StatusPending
	got, err := store.List(Filter{Status: &pending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List pending: got %d tasks, want 2", len(got))
	}
	// Highest priority first.
	if got[0].ID != "3" {
		t.Errorf("List order: first = %s, want 3", got[0].ID)
	}

	got, err = store.List(Filter{Agent: "alice"})
	if err != nil {
		t.Fatalf("List by agent: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List agent=alice: got %d tasks, want 2", len(got))
	}

	got, err = store.List(Filter{Division: "infra"})
	if err != nil {
		t.Fatalf("List by division: %v", err)
	}
	if len(got) != 1 || got[0].ID != "3" {
		t.Errorf("List division=infra: got %v, want [3]", got)
	}
}

func TestSQLiteStore_StatusSnapshot_TracksMutations(t *testing.T) {
	store := newTestStore(t)

	task := &Task{ID: "t1", Title: "snap", Status: StatusPending}
	if _, err := store.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap, err := store.StatusSnapshot(StatusPending)
	if err != nil {
		t.Fatalf("StatusSnapshot: %v", err)
	}
	if len(snap) != 1 || snap[0].ID != "t1" {
		t.Fatalf("pending snapshot = %v, want [t1]", snap)
	}

	task.Status = StatusBlocked
	if err := store.Update(task); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Old bucket drained, new bucket filled, in the same transaction.
	snap, err = store.StatusSnapshot(StatusPending)
	if err != nil {
		t.Fatalf("StatusSnapshot pending: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("pending snapshot after move = %v, want empty", snap)
	}
	snap, err = store.StatusSnapshot(StatusBlocked)
	if err != nil {
		t.Fatalf("StatusSnapshot blocked: %v", err)
	}
	if len(snap) != 1 || snap[0].ID != "t1" {
		t.Errorf("blocked snapshot = %v, want [t1]", snap)
	}
}

func TestSQLiteStore_StatusSnapshot_EmptyBucket(t *testing.T) {
	store := newTestStore(t)
	snap, err := store.StatusSnapshot(StatusFailed)
	if err != nil {
		t.Fatalf("StatusSnapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("snapshot of empty bucket = %v, want empty", snap)
	}
}

func TestSQLiteStore_RebuildSnapshots(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Create(&Task{ID: id, Title: id}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	// Corrupt a bucket directly, then rebuild from canonical rows.
	if _, err := store.db.Exec(`UPDATE status_snapshots SET payload='[]' WHERE status=?`, string(StatusPending)); err != nil {
		t.Fatalf("corrupt snapshot: %v", err)
	}
	snap, err := store.StatusSnapshot(StatusPending)
	if err != nil {
		t.Fatalf("StatusSnapshot: %v", err)
	}
	if len(snap) != 0 {
		t.Fatalf("setup: snapshot should be corrupted, got %d tasks", len(snap))
	}

	if err := store.RebuildSnapshots(); err != nil {
		t.Fatalf("RebuildSnapshots: %v", err)
	}
	snap, err = store.StatusSnapshot(StatusPending)
	if err != nil {
		t.Fatalf("StatusSnapshot after rebuild: %v", err)
	}
	if len(snap) != 3 {
		t.Errorf("rebuilt snapshot has %d tasks, want 3", len(snap))
	}

	// Rebuilding again is a no-op.
	if err := store.RebuildSnapshots(); err != nil {
		t.Fatalf("second RebuildSnapshots: %v", err)
	}
	again, err := store.StatusSnapshot(StatusPending)
	if err != nil {
		t.Fatalf("StatusSnapshot: %v", err)
	}
	if len(again) != len(snap) {
		t.Errorf("idempotent rebuild changed bucket size: %d vs %d", len(again), len(snap))
	}
}
