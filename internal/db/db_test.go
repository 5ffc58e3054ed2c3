package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterje/coderunner/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "nested", "coderunner.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migration, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_initial.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if err := Migrate(database, string(migration)); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := Migrate(database, string(migration)); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	return database
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRunStoreRecent(t *testing.T) {
	ctx := context.Background()
	store := NewRunStore(openTestDB(t))
	base := time.Now().Add(-time.Hour)

	for i, outcome := range []string{"success", "timeout", "compile_error"} {
		err := store.RecordRun(ctx, models.Run{
			ID:         string(rune('a' + i)),
			Language:   "python",
			Outcome:    outcome,
			DurationMS: int64(100 * i),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	runs, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].Outcome != "compile_error" || runs[1].Outcome != "timeout" {
		t.Fatalf("order = %s, %s", runs[0].Outcome, runs[1].Outcome)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(openTestDB(t))
	started := time.Now().Add(-time.Minute)

	err := store.SessionStarted(ctx, models.Session{
		ID: "s1", Key: "alice", Language: "java", Status: models.SessionRunning, StartedAt: started,
	})
	if err != nil {
		t.Fatalf("SessionStarted: %v", err)
	}

	sessions, err := store.List(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ExitCode != nil || sessions[0].EndedAt != nil {
		t.Fatalf("running session = %+v", sessions)
	}

	if err := store.SessionEnded(ctx, "s1", models.SessionExited, 3, time.Now()); err != nil {
		t.Fatalf("SessionEnded: %v", err)
	}
	sessions, err = store.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := sessions[0]
	if got.Status != models.SessionExited || got.ExitCode == nil || *got.ExitCode != 3 || got.EndedAt == nil {
		t.Fatalf("ended session = %+v", got)
	}
}

func TestMarkStale(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(openTestDB(t))

	for _, s := range []models.Session{
		{ID: "1", Key: "alive", Language: "python", Status: models.SessionRunning, StartedAt: time.Now()},
		{ID: "2", Key: "orphan", Language: "python", Status: models.SessionRunning, StartedAt: time.Now()},
		{ID: "3", Key: "done", Language: "python", Status: models.SessionExited, StartedAt: time.Now()},
	} {
		if err := store.SessionStarted(ctx, s); err != nil {
			t.Fatalf("SessionStarted: %v", err)
		}
	}

	n, err := store.MarkStale(ctx, []string{"alive"})
	if err != nil {
		t.Fatalf("MarkStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("marked %d, want 1", n)
	}

	orphan, err := store.List(ctx, "orphan", 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if orphan[0].Status != models.SessionStopped {
		t.Fatalf("orphan status = %s", orphan[0].Status)
	}

	n, err = store.MarkStale(ctx, nil)
	if err != nil {
		t.Fatalf("MarkStale(nil): %v", err)
	}
	if n != 1 {
		t.Fatalf("marked %d without live keys, want 1", n)
	}
}
