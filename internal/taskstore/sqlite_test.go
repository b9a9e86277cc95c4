package taskstore

import (
	"context"
	"testing"

	"github.com/ricesearch/rice-eval/internal/task"
)

func openSQLite(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	testStore(t, openSQLite)
}

func TestSQLiteStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenSQLite(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Insert(ctx, newTask("t1", "run-1", 0))
	s.ClaimWaiting(ctx, "")
	s.Close()

	// reopening simulates a restart after a crash
	s, err = OpenSQLite(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, found, err := s.Get(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("Get() after reopen = %v, %v", found, err)
	}
	if got.Status != task.StatusRunning {
		t.Errorf("status = %s, want RUNNING", got.Status)
	}

	ids, err := s.ResetRunning(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "t1" {
		t.Errorf("ResetRunning() = %v, %v", ids, err)
	}
}
