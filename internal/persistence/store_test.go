package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, RunRecord{RunID: "run-1", WorkItemID: "W1", Attempt: 1}); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunRunning {
		t.Errorf("expected status %q, got %q", RunRunning, run.Status)
	}
	if !run.FinishedAt.IsZero() {
		t.Errorf("expected zero FinishedAt while running, got %v", run.FinishedAt)
	}
	if len(run.Stages) != 0 {
		t.Errorf("expected no stages, got %d", len(run.Stages))
	}

	outputs := []struct{ stage, raw string }{
		{"analysis", "- requirement"},
		{"test-design", `{"tests":{}}`},
	}
	for _, o := range outputs {
		if err := store.RecordStage(ctx, "run-1", o.stage, o.raw); err != nil {
			t.Fatalf("failed to record stage %s: %v", o.stage, err)
		}
	}

	if err := store.FinishRun(ctx, "run-1", RunFailed, "MalformedOutput", "not JSON"); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	run, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.WorkItemID != "W1" || run.Attempt != 1 {
		t.Errorf("unexpected run identity: %+v", run)
	}
	if run.Status != RunFailed {
		t.Errorf("expected status %q, got %q", RunFailed, run.Status)
	}
	if run.ErrorKind != "MalformedOutput" || run.ErrorDetail != "not JSON" {
		t.Errorf("unexpected error fields: %q %q", run.ErrorKind, run.ErrorDetail)
	}
	if run.FinishedAt.IsZero() || run.FinishedAt.Before(run.StartedAt) {
		t.Errorf("unexpected timestamps: started %v finished %v", run.StartedAt, run.FinishedAt)
	}
	if len(run.Stages) != len(outputs) {
		t.Fatalf("expected %d stages, got %d", len(outputs), len(run.Stages))
	}
	for i, o := range outputs {
		got := run.Stages[i]
		if got.Seq != i+1 || got.Stage != o.stage || got.Raw != o.raw {
			t.Errorf("stage %d: got %+v, want seq=%d stage=%s raw=%q", i, got, i+1, o.stage, o.raw)
		}
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}

	err = store.FinishRun(context.Background(), "missing", RunSucceeded, "", "")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows from FinishRun, got %v", err)
	}
}

func TestRecordStageRequiresRun(t *testing.T) {
	store := testStore(t)

	if err := store.RecordStage(context.Background(), "missing", "analysis", "x"); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestStartRunRequiresIdentity(t *testing.T) {
	store := testStore(t)

	if err := store.StartRun(context.Background(), RunRecord{RunID: "run-1"}); err == nil {
		t.Error("expected error for missing work item ID")
	}
}

func TestStartRunKeepsStartTime(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	if err := store.StartRun(ctx, RunRecord{RunID: "run-1", WorkItemID: "W1", StartedAt: started}); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, started)
	}
	if run.Attempt != 1 {
		t.Errorf("Attempt = %d, want default 1", run.Attempt)
	}
}

func TestStartRunDuplicate(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.StartRun(ctx, RunRecord{RunID: "run-1", WorkItemID: "W1", Attempt: 1}); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	if err := store.StartRun(ctx, RunRecord{RunID: "run-1", WorkItemID: "W1", Attempt: 2}); err == nil {
		t.Error("expected error for duplicate run ID")
	}
}

func TestListRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i, item := range []string{"W1", "W2", "W1", "W1"} {
		if err := store.StartRun(ctx, RunRecord{RunID: fmt.Sprintf("run-%d", i), WorkItemID: item, Attempt: i + 1}); err != nil {
			t.Fatalf("failed to start run %d: %v", i, err)
		}
	}

	all, err := store.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 runs, got %d", len(all))
	}
	if all[0].RunID != "run-3" {
		t.Errorf("expected newest run first, got %s", all[0].RunID)
	}

	w1, err := store.ListRuns(ctx, "W1", 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(w1) != 2 {
		t.Fatalf("expected 2 runs with limit, got %d", len(w1))
	}
	for _, r := range w1 {
		if r.WorkItemID != "W1" {
			t.Errorf("unexpected work item %s", r.WorkItemID)
		}
	}

	none, err := store.ListRuns(ctx, "W9", 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", none)
	}
}

func TestConcurrentJournaling(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	const runs = 10
	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", i)
			if err := store.StartRun(ctx, RunRecord{RunID: id, WorkItemID: "W1"}); err != nil {
				errs <- err
				return
			}
			for _, stage := range []string{"analysis", "test-design", "prompt-synthesis"} {
				if err := store.RecordStage(ctx, id, stage, "out"); err != nil {
					errs <- err
					return
				}
			}
			errs <- store.FinishRun(ctx, id, RunSucceeded, "", "")
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent journaling failed: %v", err)
		}
	}

	for i := 0; i < runs; i++ {
		run, err := store.GetRun(ctx, fmt.Sprintf("run-%d", i))
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if len(run.Stages) != 3 || run.Status != RunSucceeded {
			t.Errorf("run-%d: got %d stages, status %s", i, len(run.Stages), run.Status)
		}
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.StartRun(ctx, RunRecord{RunID: "run-1", WorkItemID: "W1"}); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	if _, err := b.GetRun(ctx, "run-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected run to be invisible in another store, got %v", err)
	}
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "journal.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.StartRun(ctx, RunRecord{RunID: "run-1", WorkItemID: "W1", Attempt: 1}); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	run, err := reopened.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run after reopen: %v", err)
	}
	if run.WorkItemID != "W1" {
		t.Errorf("expected W1, got %s", run.WorkItemID)
	}
}
