// Package taskstore persists evaluation tasks and provides the atomic claim
// used by the scheduler.
package taskstore

import (
	"context"

	"github.com/ricesearch/rice-eval/internal/task"
)

// Store is the single source of truth for task state.
//
// Operations on an unknown id report found=false rather than an error.
type Store interface {
	// Insert adds a WAITING task. Fails with DUPLICATE_RUN_ID when the run id is taken.
	Insert(ctx context.Context, t *task.Task) error

	// Get loads a task by id.
	Get(ctx context.Context, id string) (*task.Task, bool, error)

	// List returns all tasks ordered by enqueue time.
	List(ctx context.Context) ([]*task.Task, error)

	// ClaimWaiting flips the oldest WAITING task to RUNNING and returns it.
	// A non-empty id restricts the claim to that task. The select and the
	// update are one conditional operation, so concurrent callers never
	// claim the same task.
	ClaimWaiting(ctx context.Context, id string) (*task.Task, bool, error)

	// ResetRunning moves every RUNNING task back to WAITING and returns their ids.
	ResetRunning(ctx context.Context) ([]string, error)

	// SetStatus forces a status. errMsg is stored alongside; empty clears it.
	SetStatus(ctx context.Context, id string, status task.Status, errMsg string) (bool, error)

	// SaveResults replaces the results and stats of a task.
	SaveResults(ctx context.Context, id string, results map[string]task.RunResult, stats map[string]task.RunStats) (bool, error)

	// Rename changes the run id, keeping it unique.
	Rename(ctx context.Context, id, runID string) (bool, error)

	// Delete removes a task.
	Delete(ctx context.Context, id string) (bool, error)

	// Close releases resources.
	Close() error
}
