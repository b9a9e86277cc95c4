package taskstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ricesearch/rice-eval/internal/config"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/task"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask(id, runID string, offset time.Duration) *task.Task {
	return &task.Task{
		ID:            id,
		RunID:         runID,
		IndexLocation: "/indexes/" + id,
		Format:        task.FormatTREC,
		RankingParams: map[string][]string{"k1": {"1.2", "1.5"}},
		Topics:        task.Artifact{Path: "/spool/eval_topics_x", Hash: "abc"},
		Assessments:   task.Artifact{Path: "/spool/eval_assessments_x", Hash: "def"},
		EnqueuedAt:    base.Add(offset),
	}
}

// testStore runs the shared behaviour every backend must satisfy.
func testStore(t *testing.T, open func(t *testing.T) Store) {
	t.Run("InsertAndGet", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		if err := s.Insert(ctx, newTask("t1", "run-1", 0)); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}

		got, found, err := s.Get(ctx, "t1")
		if err != nil || !found {
			t.Fatalf("Get() = %v, %v", found, err)
		}
		if got.RunID != "run-1" || got.Status != task.StatusWaiting || got.Format != task.FormatTREC {
			t.Errorf("Get() = %+v", got)
		}
		if !got.EnqueuedAt.Equal(base) {
			t.Errorf("EnqueuedAt = %v, want %v", got.EnqueuedAt, base)
		}
		if len(got.RankingParams["k1"]) != 2 || got.Topics.Hash != "abc" {
			t.Errorf("body not preserved: %+v", got)
		}

		_, found, err = s.Get(ctx, "missing")
		if err != nil || found {
			t.Errorf("Get(missing) = %v, %v", found, err)
		}
	})

	t.Run("DuplicateRunID", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		if err := s.Insert(ctx, newTask("t1", "same", 0)); err != nil {
			t.Fatal(err)
		}
		err := s.Insert(ctx, newTask("t2", "same", time.Second))
		if !apperrors.Is(err, apperrors.CodeDuplicateRunID) {
			t.Fatalf("Insert() duplicate error = %v", err)
		}

		tasks, err := s.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(tasks) != 1 || tasks[0].ID != "t1" {
			t.Errorf("List() = %d tasks, want only t1", len(tasks))
		}
	})

	t.Run("ClaimOldestFirst", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		for i, id := range []string{"late", "early", "middle"} {
			offsets := []time.Duration{3 * time.Second, time.Second, 2 * time.Second}
			if err := s.Insert(ctx, newTask(id, "run-"+id, offsets[i])); err != nil {
				t.Fatal(err)
			}
		}

		for _, want := range []string{"early", "middle", "late"} {
			got, found, err := s.ClaimWaiting(ctx, "")
			if err != nil || !found {
				t.Fatalf("ClaimWaiting() = %v, %v", found, err)
			}
			if got.ID != want || got.Status != task.StatusRunning {
				t.Errorf("ClaimWaiting() = %s (%s), want %s RUNNING", got.ID, got.Status, want)
			}
		}

		if _, found, _ := s.ClaimWaiting(ctx, ""); found {
			t.Error("ClaimWaiting() on empty queue should find nothing")
		}
	})

	t.Run("ClaimByID", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		s.Insert(ctx, newTask("a", "run-a", 0))
		s.Insert(ctx, newTask("b", "run-b", time.Second))

		got, found, err := s.ClaimWaiting(ctx, "b")
		if err != nil || !found || got.ID != "b" {
			t.Fatalf("ClaimWaiting(b) = %v, %v, %v", got, found, err)
		}
		if _, found, _ := s.ClaimWaiting(ctx, "b"); found {
			t.Error("claiming a RUNNING task should fail")
		}
		if _, found, _ := s.ClaimWaiting(ctx, "nope"); found {
			t.Error("claiming an unknown id should fail")
		}

		a, _, _ := s.Get(ctx, "a")
		if a.Status != task.StatusWaiting {
			t.Errorf("a status = %s, want WAITING", a.Status)
		}
	})

	t.Run("ClaimIsExclusive", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		if err := s.Insert(ctx, newTask("only", "run-only", 0)); err != nil {
			t.Fatal(err)
		}

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, found, err := s.ClaimWaiting(ctx, ""); err == nil && found {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("%d claimers won, want exactly 1", wins.Load())
		}
	})

	t.Run("ResetRunning", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		for i := 0; i < 4; i++ {
			id := fmt.Sprintf("t%d", i)
			s.Insert(ctx, newTask(id, "run-"+id, time.Duration(i)*time.Second))
		}
		s.ClaimWaiting(ctx, "t1")
		s.ClaimWaiting(ctx, "t3")
		s.SetStatus(ctx, "t0", task.StatusDone, "")

		// simulated crash: a new process only sees the store
		ids, err := s.ResetRunning(ctx)
		if err != nil {
			t.Fatalf("ResetRunning() error: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("ResetRunning() reset %v, want t1 and t3", ids)
		}

		tasks, _ := s.List(ctx)
		want := map[string]task.Status{"t0": task.StatusDone, "t1": task.StatusWaiting, "t2": task.StatusWaiting, "t3": task.StatusWaiting}
		for _, tk := range tasks {
			if tk.Status == task.StatusRunning {
				t.Errorf("%s still RUNNING", tk.ID)
			}
			if tk.Status != want[tk.ID] {
				t.Errorf("%s status = %s, want %s", tk.ID, tk.Status, want[tk.ID])
			}
		}

		// reset tasks are claimable again, oldest first
		got, found, _ := s.ClaimWaiting(ctx, "")
		if !found || got.ID != "t1" {
			t.Errorf("ClaimWaiting() after reset = %v", got)
		}
	})

	t.Run("SetStatusAndResults", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		s.Insert(ctx, newTask("t1", "run-1", 0))
		s.ClaimWaiting(ctx, "t1")

		results := map[string]task.RunResult{
			"k1=1.2": {Parameters: map[string]string{"k1": "1.2"}, Metrics: map[string]float64{"map": 0.31}},
		}
		stats := map[string]task.RunStats{
			"k1=1.2": {Parameters: map[string]string{"k1": "1.2"}, QueryTimeMs: map[string]float64{"401": 12.5}, TotalQueryTimeMs: 12.5, AvgQueryTimeMs: 12.5},
		}
		found, err := s.SaveResults(ctx, "t1", results, stats)
		if err != nil || !found {
			t.Fatalf("SaveResults() = %v, %v", found, err)
		}
		found, err = s.SetStatus(ctx, "t1", task.StatusError, "search engine unreachable")
		if err != nil || !found {
			t.Fatalf("SetStatus() = %v, %v", found, err)
		}

		got, _, _ := s.Get(ctx, "t1")
		if got.Status != task.StatusError || got.Error != "search engine unreachable" {
			t.Errorf("status = %s, error = %q", got.Status, got.Error)
		}
		if got.Results["k1=1.2"].Metrics["map"] != 0.31 {
			t.Errorf("results = %+v", got.Results)
		}
		if got.Stats["k1=1.2"].QueryTimeMs["401"] != 12.5 {
			t.Errorf("stats = %+v", got.Stats)
		}

		// forcing back to WAITING makes it claimable and clears the error
		s.SetStatus(ctx, "t1", task.StatusWaiting, "")
		claimed, found, _ := s.ClaimWaiting(ctx, "")
		if !found || claimed.ID != "t1" || claimed.Error != "" {
			t.Errorf("ClaimWaiting() after reset = %+v", claimed)
		}

		if found, _ := s.SetStatus(ctx, "missing", task.StatusDone, ""); found {
			t.Error("SetStatus(missing) reported found")
		}
		if found, _ := s.SaveResults(ctx, "missing", nil, nil); found {
			t.Error("SaveResults(missing) reported found")
		}
	})

	t.Run("Rename", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		s.Insert(ctx, newTask("t1", "run-1", 0))
		s.Insert(ctx, newTask("t2", "run-2", time.Second))

		if _, err := s.Rename(ctx, "t1", "run-2"); !apperrors.Is(err, apperrors.CodeDuplicateRunID) {
			t.Errorf("Rename() to taken id error = %v", err)
		}

		found, err := s.Rename(ctx, "t1", "renamed")
		if err != nil || !found {
			t.Fatalf("Rename() = %v, %v", found, err)
		}
		got, _, _ := s.Get(ctx, "t1")
		if got.RunID != "renamed" {
			t.Errorf("RunID = %s", got.RunID)
		}

		// the old run id is free again
		if err := s.Insert(ctx, newTask("t3", "run-1", 2*time.Second)); err != nil {
			t.Errorf("Insert() with released run id: %v", err)
		}

		if found, _ := s.Rename(ctx, "missing", "x"); found {
			t.Error("Rename(missing) reported found")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		s.Insert(ctx, newTask("t1", "run-1", 0))

		found, err := s.Delete(ctx, "t1")
		if err != nil || !found {
			t.Fatalf("Delete() = %v, %v", found, err)
		}
		if _, found, _ := s.Get(ctx, "t1"); found {
			t.Error("task still present after Delete()")
		}
		if _, found, _ := s.ClaimWaiting(ctx, ""); found {
			t.Error("deleted task was claimed")
		}
		if found, _ := s.Delete(ctx, "t1"); found {
			t.Error("second Delete() reported found")
		}
		if err := s.Insert(ctx, newTask("t2", "run-1", 0)); err != nil {
			t.Errorf("run id should be free after delete: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tk := newTask("t1", "run-1", 0)
	s.Insert(ctx, tk)
	tk.RankingParams["k1"][0] = "mutated"

	got, _, _ := s.Get(ctx, "t1")
	if got.RankingParams["k1"][0] != "1.2" {
		t.Error("store shares memory with the inserted task")
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StoreConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) error: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T", s)
	}

	s, err = Open(config.StoreConfig{Type: "sqlite", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open(sqlite) error: %v", err)
	}
	defer s.Close()

	if _, err := Open(config.StoreConfig{Type: "mongo"}); err == nil {
		t.Error("expected error for unknown store type")
	}
}
