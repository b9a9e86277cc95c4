package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver

	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/task"
)

// SQLiteStore persists tasks in a SQLite database at dir/tasks.db.
//
// The enqueue body is stored as JSON in doc; status, run id, error, results
// and stats live in their own columns so updates never rewrite the body.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database under dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dsn := filepath.Join(dir, "tasks.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS eval_tasks (
			id          TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL UNIQUE,
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			enqueued_at INTEGER NOT NULL,
			doc         TEXT NOT NULL,
			results     TEXT,
			stats       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_tasks_status ON eval_tasks(status, enqueued_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

const taskColumns = `id, run_id, status, error, enqueued_at, doc, results, stats`

func (s *SQLiteStore) Insert(ctx context.Context, t *task.Task) error {
	doc, err := json.Marshal(body(t))
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO eval_tasks (id, run_id, status, enqueued_at, doc) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.RunID, string(task.StatusWaiting), t.EnqueuedAt.UnixNano(), string(doc))
	if err != nil {
		if isUniqueViolation(err, "run_id") {
			return apperrors.DuplicateRunIDError(t.RunID)
		}
		if isUniqueViolation(err, "id") {
			return apperrors.AlreadyExistsError("task " + t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// body strips the mutable fields kept in their own columns.
func body(t *task.Task) *task.Task {
	b := *t
	b.Status = ""
	b.Error = ""
	b.Results = nil
	b.Stats = nil
	return &b
}

func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "eval_tasks."+column)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		id, runID, status, errMsg, doc string
		enqueued                       int64
		results, stats                 sql.NullString
	)
	if err := row.Scan(&id, &runID, &status, &errMsg, &enqueued, &doc, &results, &stats); err != nil {
		return nil, err
	}

	var t task.Task
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	t.ID = id
	t.RunID = runID
	t.Status = task.Status(status)
	t.Error = errMsg
	t.EnqueuedAt = time.Unix(0, enqueued).UTC()

	if results.Valid {
		if err := json.Unmarshal([]byte(results.String), &t.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results of %s: %w", id, err)
		}
	}
	if stats.Valid {
		if err := json.Unmarshal([]byte(stats.String), &t.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats of %s: %w", id, err)
		}
	}
	return &t, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM eval_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get task: %w", err)
	}
	return t, true, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM eval_tasks ORDER BY enqueued_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) ClaimWaiting(ctx context.Context, id string) (*task.Task, bool, error) {
	// One statement: the subquery picks the oldest candidate and the outer
	// status guard makes the update a compare-and-swap.
	query := `UPDATE eval_tasks SET status = 'RUNNING'
		WHERE status = 'WAITING' AND id = (
			SELECT id FROM eval_tasks
			WHERE status = 'WAITING' AND (? = '' OR id = ?)
			ORDER BY enqueued_at, rowid LIMIT 1)
		RETURNING ` + taskColumns

	row := s.db.QueryRowContext(ctx, query, id, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim task: %w", err)
	}
	return t, true, nil
}

func (s *SQLiteStore) ResetRunning(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE eval_tasks SET status = 'WAITING' WHERE status = 'RUNNING' RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("reset running tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status task.Status, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE eval_tasks SET status = ?, error = ? WHERE id = ?`, string(status), errMsg, id)
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) SaveResults(ctx context.Context, id string, results map[string]task.RunResult, stats map[string]task.RunStats) (bool, error) {
	r, err := json.Marshal(results)
	if err != nil {
		return false, fmt.Errorf("marshal results: %w", err)
	}
	st, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("marshal stats: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE eval_tasks SET results = ?, stats = ? WHERE id = ?`, string(r), string(st), id)
	if err != nil {
		return false, fmt.Errorf("save results: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) Rename(ctx context.Context, id, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE eval_tasks SET run_id = ? WHERE id = ?`, runID, id)
	if err != nil {
		if isUniqueViolation(err, "run_id") {
			return false, apperrors.DuplicateRunIDError(runID)
		}
		return false, fmt.Errorf("rename task: %w", err)
	}
	return affected(res)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM eval_tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
