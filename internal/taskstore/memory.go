package taskstore

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/task"
)

// MemoryStore keeps tasks in memory (for testing and single-shot CLI runs).
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*entry
	runIDs map[string]string // run id -> task id
	seq    uint64
}

type entry struct {
	task *task.Task
	seq  uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*entry),
		runIDs: make(map[string]string),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.runIDs[t.RunID]; taken {
		return apperrors.DuplicateRunIDError(t.RunID)
	}
	if _, exists := m.tasks[t.ID]; exists {
		return apperrors.AlreadyExistsError("task " + t.ID)
	}

	stored := t.Clone()
	stored.Status = task.StatusWaiting
	m.seq++
	m.tasks[t.ID] = &entry{task: stored, seq: m.seq}
	m.runIDs[t.RunID] = t.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*task.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return nil, false, nil
	}
	return e.task.Clone(), true, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.sorted()
	tasks := make([]*task.Task, len(entries))
	for i, e := range entries {
		tasks[i] = e.task.Clone()
	}
	return tasks, nil
}

// sorted returns entries by enqueue time, then insertion order. Caller holds mu.
func (m *MemoryStore) sorted() []*entry {
	entries := make([]*entry, 0, len(m.tasks))
	for _, e := range m.tasks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.task.EnqueuedAt.Equal(b.task.EnqueuedAt) {
			return a.task.EnqueuedAt.Before(b.task.EnqueuedAt)
		}
		return a.seq < b.seq
	})
	return entries
}

func (m *MemoryStore) ClaimWaiting(ctx context.Context, id string) (*task.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.sorted() {
		if e.task.Status != task.StatusWaiting {
			continue
		}
		if id != "" && e.task.ID != id {
			continue
		}
		e.task.Status = task.StatusRunning
		return e.task.Clone(), true, nil
	}
	return nil, false, nil
}

func (m *MemoryStore) ResetRunning(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, e := range m.sorted() {
		if e.task.Status == task.StatusRunning {
			e.task.Status = task.StatusWaiting
			ids = append(ids, e.task.ID)
		}
	}
	return ids, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status task.Status, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	e.task.Status = status
	e.task.Error = errMsg
	return true, nil
}

func (m *MemoryStore) SaveResults(ctx context.Context, id string, results map[string]task.RunResult, stats map[string]task.RunStats) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	// round-trip through Clone so callers cannot mutate stored maps
	tmp := &task.Task{Results: results, Stats: stats}
	tmp = tmp.Clone()
	e.task.Results = tmp.Results
	e.task.Stats = tmp.Stats
	return true, nil
}

func (m *MemoryStore) Rename(ctx context.Context, id, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	if e.task.RunID == runID {
		return true, nil
	}
	if _, taken := m.runIDs[runID]; taken {
		return false, apperrors.DuplicateRunIDError(runID)
	}
	delete(m.runIDs, e.task.RunID)
	m.runIDs[runID] = id
	e.task.RunID = runID
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return false, nil
	}
	delete(m.runIDs, e.task.RunID)
	delete(m.tasks, id)
	return true, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
