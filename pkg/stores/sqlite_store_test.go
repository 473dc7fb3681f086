package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/converge/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "resource_results"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	run := &Run{
		ID:        "run-001",
		Manifest:  "/etc/converge/main.star",
		DryRun:    true,
		Status:    RunStatusRunning,
		StartedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Manifest != run.Manifest || !got.DryRun || got.Status != RunStatusRunning {
		t.Errorf("GetRun() = %+v", got)
	}
	if !got.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, now)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}

	counts := RunCounts{Calls: 4, Changed: 2, Aborted: 1}
	msg := "include: cycle"
	if err := store.FinishRun(ctx, run.ID, RunStatusFailed, counts, &msg); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}
	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusFailed || got.Counts != counts {
		t.Errorf("finished run = %+v", got)
	}
	if got.Error == nil || *got.Error != msg {
		t.Errorf("Error = %v, want %q", got.Error, msg)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	if err := store.FinishRun(ctx, run.ID, RunStatusRunning, counts, nil); err == nil {
		t.Error("expected error for non-terminal status")
	}
	if err := store.FinishRun(ctx, "missing", RunStatusCompleted, counts, nil); err == nil {
		t.Error("expected error for missing run")
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); err == nil {
		t.Error("expected error getting deleted run")
	}
	if err := store.DeleteRun(ctx, run.ID); err == nil {
		t.Error("expected error deleting missing run")
	}
}

func TestListRunsAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	for i, id := range []string{"a", "b", "c"} {
		run := &Run{
			ID:        id,
			Manifest:  "main.star",
			Status:    RunStatusRunning,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("ListRuns(2, 0) = %v, want [c b]", ids(runs))
	}

	runs, err = store.ListRuns(ctx, 10, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "a" {
		t.Errorf("ListRuns(10, 2) = %v, want [a]", ids(runs))
	}

	pruned, err := store.PruneRuns(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if pruned != 2 {
		t.Errorf("PruneRuns() = %d, want 2", pruned)
	}
}

func TestResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, &Run{ID: "run", Manifest: "m.star", Status: RunStatusRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	diff := "--- /etc/motd\n+++ /etc/motd\n@@ -1 +1 @@\n-old\n+new\n"
	backup := "/etc/motd.bak"
	reason := engine.ErrCodeSymlinkRefusal
	results := []*ResourceResult{
		{RunID: "run", Kind: "file", Path: "/etc/motd", Outcome: ResultChanged, Diff: &diff, BackupPath: &backup, Duration: 12 * time.Millisecond},
		{RunID: "run", Kind: "file", Path: "/etc/hosts", Outcome: ResultAborted, Reason: &reason},
		{RunID: "run", Kind: "directory", Path: "/srv", Outcome: ResultUnchanged},
	}
	for _, res := range results {
		if err := store.AppendResult(ctx, res); err != nil {
			t.Fatalf("failed to append result: %v", err)
		}
		if res.ID == 0 {
			t.Error("AppendResult() did not set ID")
		}
	}

	got, err := store.ListResults(ctx, "run")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListResults() returned %d results, want 3", len(got))
	}
	if got[0].Path != "/etc/motd" || got[0].Diff == nil || *got[0].Diff != diff || got[0].Duration != 12*time.Millisecond {
		t.Errorf("first result = %+v", got[0])
	}
	if got[1].Reason == nil || *got[1].Reason != reason {
		t.Errorf("second result reason = %v", got[1].Reason)
	}
	if got[2].Reason != nil || got[2].Diff != nil {
		t.Errorf("third result = %+v, want nil optional fields", got[2])
	}

	byPath, err := store.ListResultsByPath(ctx, "/etc/hosts", 5)
	if err != nil {
		t.Fatalf("failed to list results by path: %v", err)
	}
	if len(byPath) != 1 || byPath[0].Outcome != ResultAborted {
		t.Errorf("ListResultsByPath() = %+v", byPath)
	}

	orphan := &ResourceResult{RunID: "missing", Kind: "file", Path: "/x", Outcome: ResultChanged}
	if err := store.AppendResult(ctx, orphan); err == nil {
		t.Error("expected foreign key error for unknown run")
	}

	// Results go with their run.
	if err := store.DeleteRun(ctx, "run"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	got, err = store.ListResults(ctx, "run")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("results survived their run: %d", len(got))
	}
}

func TestJournal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	journal := NewJournal(store, nil)

	// Observing without an open run is ignored.
	journal.Observe(ctx, engine.Record{Spec: engine.ResourceSpec{Kind: engine.KindFile, Dest: "/x"}})

	runID, err := journal.Begin(ctx, "main.star", false)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if _, err := journal.Begin(ctx, "main.star", false); err == nil {
		t.Error("expected error beginning a second run")
	}

	journal.Observe(ctx, engine.Record{
		Spec: engine.ResourceSpec{Kind: engine.KindFile, Dest: "~/motd"},
		Result: &engine.ChangeResult{
			Kind:       engine.KindFile,
			Path:       "/home/alice/motd",
			Changed:    true,
			Outcome:    engine.OutcomeChanged,
			BackupPath: "/home/alice/motd.bak",
		},
		Duration: 3 * time.Millisecond,
	})
	journal.Observe(ctx, engine.Record{
		Spec:   engine.ResourceSpec{Kind: engine.KindSymlink, Dest: "/usr/local/bin/vi"},
		Result: &engine.ChangeResult{Kind: engine.KindSymlink, Path: "/usr/local/bin/vi", Outcome: engine.OutcomeAborted, Reason: engine.ErrCodeConflict, Message: "exists"},
	})
	journal.Observe(ctx, engine.Record{
		Spec: engine.ResourceSpec{Kind: engine.KindFile, Dest: "/etc/app.conf"},
		Err:  engine.NewFatalError(engine.ErrCodeUnknownPrincipal, "no such user: bob", nil),
	})

	want := RunCounts{Calls: 3, Changed: 1, Aborted: 1, Failed: 1}
	if got := journal.Counts(); got != want {
		t.Errorf("Counts() = %+v, want %+v", got, want)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := journal.Finish(cancelled, context.Canceled); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	if err := journal.Finish(ctx, nil); err == nil {
		t.Error("expected error finishing without an open run")
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if run.Status != RunStatusCancelled || run.Counts != want {
		t.Errorf("run = %+v", run)
	}

	results, err := store.ListResults(ctx, runID)
	if err != nil {
		t.Fatalf("ListResults() error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("journaled %d results, want 3", len(results))
	}
	if results[0].Path != "/home/alice/motd" || results[0].BackupPath == nil {
		t.Errorf("changed result = %+v", results[0])
	}
	if results[2].Outcome != ResultFailed || results[2].Path != "/etc/app.conf" ||
		results[2].Reason == nil || *results[2].Reason != engine.ErrCodeUnknownPrincipal {
		t.Errorf("failed result = %+v", results[2])
	}
}

func TestJournalFinishStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RunStatus
	}{
		{"success", nil, RunStatusCompleted},
		{"failure", errors.New("boom"), RunStatusFailed},
		{"deadline", context.DeadlineExceeded, RunStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			ctx := context.Background()
			journal := NewJournal(store, nil)

			id, err := journal.Begin(ctx, "main.star", true)
			if err != nil {
				t.Fatalf("Begin() error: %v", err)
			}
			if err := journal.Finish(ctx, tt.err); err != nil {
				t.Fatalf("Finish() error: %v", err)
			}
			run, err := store.GetRun(ctx, id)
			if err != nil {
				t.Fatalf("GetRun() error: %v", err)
			}
			if run.Status != tt.want {
				t.Errorf("Status = %s, want %s", run.Status, tt.want)
			}
		})
	}
}

func ids(runs []*Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
