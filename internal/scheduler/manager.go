// Package scheduler queues evaluation tasks and runs them one at a time.
//
// The Manager owns the single worker loop: it claims the oldest waiting task
// from the store, builds the evaluator for its format, runs it and persists
// the outcome. On cancellation every running task goes back to WAITING so an
// unclean stop never loses work.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ricesearch/rice-eval/internal/bus"
	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/evaluator"
	"github.com/ricesearch/rice-eval/internal/judging"
	"github.com/ricesearch/rice-eval/internal/observability"
	appctx "github.com/ricesearch/rice-eval/internal/pkg/context"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
	"github.com/ricesearch/rice-eval/internal/search"
	"github.com/ricesearch/rice-eval/internal/task"
	"github.com/ricesearch/rice-eval/internal/taskstore"
)

// DefaultPollInterval is the backoff when no task is waiting.
const DefaultPollInterval = 5 * time.Second

// DefaultSpoolGrace keeps fresh spool files that no task references yet.
const DefaultSpoolGrace = 5 * time.Minute

// Recorder receives scheduler measurements. *metrics.Metrics implements it.
type Recorder interface {
	RecordEnqueued(format string)
	RecordPoll(claimed bool)
	RecordTaskStart()
	RecordTaskEnd(format, status string, d time.Duration, err error)
	RecordQuery(format string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordEnqueued(string) {}
func (nopRecorder) RecordPoll(bool) {}
func (nopRecorder) RecordTaskStart() {}
func (nopRecorder) RecordTaskEnd(string, string, time.Duration, error) {}
func (nopRecorder) RecordQuery(string, time.Duration) {}

// Options configures a Manager.
type Options struct {
	Store taskstore.Store
	Pool  *search.Pool

	// Judge is only needed for remote submission tasks.
	Judge *judging.Client

	// Bus receives task lifecycle events. Optional.
	Bus bus.Bus

	// Metrics is optional.
	Metrics Recorder

	// Tracer defaults to the global tracer.
	Tracer trace.Tracer

	Eval config.EvalConfig

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// SpoolGrace is how long an unreferenced spool file survives cleanup.
	// Zero removes unreferenced files immediately.
	SpoolGrace time.Duration

	Logger *logger.Logger
}

// Manager is the task scheduler.
type Manager struct {
	store   taskstore.Store
	pool    *search.Pool
	judge   *judging.Client
	bus     bus.Bus
	metrics Recorder
	tracer  trace.Tracer
	cfg     config.EvalConfig
	poll    time.Duration
	grace   time.Duration
	log     *logger.Logger

	mu        sync.Mutex
	current   evaluator.Evaluator
	claimed   string
	lastStamp time.Time
}

// New creates a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, apperrors.InternalError("scheduler requires a task store", nil)
	}
	if opts.Eval.Root == "" {
		return nil, apperrors.ValidationError("evaluation root is required")
	}

	m := &Manager{
		store:   opts.Store,
		pool:    opts.Pool,
		judge:   opts.Judge,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		cfg:     opts.Eval,
		poll:    opts.PollInterval,
		grace:   opts.SpoolGrace,
		log:     logger.OrDefault(opts.Logger),
	}
	if m.metrics == nil {
		m.metrics = nopRecorder{}
	}
	if m.tracer == nil {
		m.tracer = observability.Tracer()
	}
	if m.poll <= 0 {
		m.poll = DefaultPollInterval
	}
	return m, nil
}

// Enqueue validates and inserts tasks in order. Validation covers the whole
// batch before anything is stored. Task ids are always assigned here, since
// they name output directories. A duplicate run id stops the batch at that
// task; tasks inserted before it stay queued and are returned along with the
// error.
func (m *Manager) Enqueue(ctx context.Context, tasks ...*task.Task) ([]*task.Task, error) {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	inserted := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		t = t.Clone()
		t.ID = uuid.NewString()
		t.Status = task.StatusWaiting
		t.EnqueuedAt = m.stamp()
		t.Error = ""
		t.Results = nil
		t.Stats = nil

		if err := m.store.Insert(ctx, t); err != nil {
			return inserted, err
		}
		inserted = append(inserted, t)

		m.metrics.RecordEnqueued(t.Format.String())
		m.publish(ctx, bus.TopicTaskEnqueued, t, "")
		m.log.WithTask(t.ID, t.RunID).Info("Task enqueued", "format", t.Format.String())
	}
	return inserted, nil
}

// stamp returns a strictly increasing enqueue time at microsecond precision.
func (m *Manager) stamp() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(m.lastStamp) {
		now = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = now
	return now
}

// Run is the worker loop. With a taskID it processes at most that task and
// returns. Otherwise it polls until ctx is cancelled, at which point running
// tasks are reset to WAITING and ctx.Err() is returned.
func (m *Manager) Run(ctx context.Context, taskID string) error {
	if err := m.CleanOrphans(ctx); err != nil {
		m.log.WithError(err).Warn("Orphan cleanup failed")
	}

	for {
		if ctx.Err() != nil {
			return m.shutdown(ctx)
		}
		claimed, err := m.RunOnce(ctx, taskID)
		if ctx.Err() != nil {
			return m.shutdown(ctx)
		}
		if err != nil {
			m.log.WithError(err).Error("Scheduler iteration failed")
		}
		if taskID != "" {
			return err
		}
		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			return m.shutdown(ctx)
		case <-time.After(m.poll):
		}
	}
}

func (m *Manager) shutdown(ctx context.Context) error {
	ids, err := m.store.ResetRunning(context.WithoutCancel(ctx))
	if err != nil {
		m.log.WithError(err).Error("Failed to reset running tasks")
		return err
	}
	for _, id := range ids {
		m.publish(ctx, bus.TopicTaskReset, &task.Task{ID: id, Status: task.StatusWaiting}, "")
	}
	if len(ids) > 0 {
		m.log.Info("Reset running tasks", "count", len(ids))
	}
	return ctx.Err()
}

// RunOnce claims and processes one waiting task. It reports whether a task
// was claimed. Evaluator failures are recorded on the task, not returned.
func (m *Manager) RunOnce(ctx context.Context, taskID string) (bool, error) {
	t, ok, err := m.store.ClaimWaiting(ctx, taskID)
	m.metrics.RecordPoll(ok)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	// Reset and Delete must see the task as running before its evaluator exists.
	m.setClaimed(t.ID)
	defer m.setClaimed("")
	return true, m.process(ctx, t)
}

func (m *Manager) setClaimed(id string) {
	m.mu.Lock()
	m.claimed = id
	m.mu.Unlock()
}

func (m *Manager) process(ctx context.Context, t *task.Task) error {
	ctx = appctx.WithTaskID(ctx, t.ID)
	log := m.log.WithTask(t.ID, t.RunID)
	format := t.Format.String()

	ctx, span := m.tracer.Start(ctx, "scheduler.evaluate", trace.WithAttributes(
		observability.AttrTaskID.String(t.ID),
		observability.AttrRunID.String(t.RunID),
		observability.AttrFormat.String(format),
		observability.AttrIndex.String(t.IndexLocation),
		observability.AttrParameterSet.Int(len(task.Sweep(t.RankingParams))),
	))
	defer span.End()

	log.Info("Task started", "format", format, "index", t.IndexLocation)
	m.publish(ctx, bus.TopicTaskStarted, t, "")
	m.metrics.RecordTaskStart()
	start := time.Now()

	out, err := m.evaluate(ctx, t)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil {
		m.metrics.RecordTaskEnd(format, "", elapsed, nil)
		span.SetStatus(codes.Error, "cancelled")
		log.Warn("Task cancelled", "elapsed", elapsed)
		return ctx.Err()
	}

	persist := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.RecordTaskEnd(format, string(task.StatusError), elapsed, err)
		log.WithError(err).Error("Task failed", "code", apperrors.Code(err), "elapsed", elapsed)

		if _, serr := m.store.SetStatus(persist, t.ID, task.StatusError, err.Error()); serr != nil {
			return serr
		}
		t.Status = task.StatusError
		m.publish(ctx, bus.TopicTaskFinished, t, err.Error())
		return nil
	}

	if _, serr := m.store.SaveResults(persist, t.ID, out.Results, out.Stats); serr != nil {
		return serr
	}
	if _, serr := m.store.SetStatus(persist, t.ID, out.Status, ""); serr != nil {
		return serr
	}

	span.SetAttributes(observability.AttrStatus.String(string(out.Status)))
	m.metrics.RecordTaskEnd(format, string(out.Status), elapsed, nil)
	t.Status = out.Status
	m.publish(ctx, bus.TopicTaskFinished, t, "")
	log.Info("Task finished", "status", out.Status, "elapsed", elapsed)
	return nil
}

func (m *Manager) evaluate(ctx context.Context, t *task.Task) (*evaluator.Outcome, error) {
	if m.pool == nil {
		return nil, apperrors.New(apperrors.CodeUnavailable, "no search engine configured")
	}
	s, err := m.pool.Get(ctx, t.IndexLocation, t.IndexType)
	if err != nil {
		return nil, apperrors.CollaboratorError("failed to open index "+t.IndexLocation, err)
	}

	ev, err := evaluator.New(t, evaluator.Deps{
		Searcher:        s,
		Judge:           m.judge,
		ResultsRoot:     m.cfg.ResultsDir(),
		AssessmentsRoot: m.cfg.AssessmentsDir(),
		QueryLimit:      m.cfg.QueryLimit,
		Cutoffs:         m.cfg.Cutoffs,
		OnQuery: func(f task.Format, d time.Duration) {
			m.metrics.RecordQuery(f.String(), d)
		},
		Logger: m.log,
	})
	if err != nil {
		return nil, err
	}

	m.setCurrent(ev)
	defer m.setCurrent(nil)

	out, err := ev.Run(ctx)
	if err != nil && ctx.Err() != nil && t.Format.Filesystem() {
		// partial output of a cancelled run is redone from scratch after reset
		if cerr := ev.Cleanup(); cerr != nil {
			m.log.WithTask(t.ID, t.RunID).WithError(cerr).Warn("Failed to remove partial output")
		}
	}
	return out, err
}

func (m *Manager) setCurrent(ev evaluator.Evaluator) {
	m.mu.Lock()
	m.current = ev
	m.mu.Unlock()
}

// Running returns the id of the task being evaluated, if any.
func (m *Manager) Running() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.Task().ID, true
}

// Interrupt asks the running evaluator to stop at its next topic boundary.
// It reports false when taskID is not the running task.
func (m *Manager) Interrupt(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Task().ID != taskID {
		return false
	}
	m.current.Interrupt()
	m.log.WithTask(taskID, m.current.Task().RunID).Info("Interrupt requested")
	return true
}

// isRunning reports whether taskID is claimed or being evaluated.
func (m *Manager) isRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed != "" && m.claimed == taskID {
		return true
	}
	return m.current != nil && m.current.Task().ID == taskID
}

// Get returns a task by id.
func (m *Manager) Get(ctx context.Context, id string) (*task.Task, bool, error) {
	return m.store.Get(ctx, id)
}

// List returns all tasks in enqueue order.
func (m *Manager) List(ctx context.Context) ([]*task.Task, error) {
	return m.store.List(ctx)
}

// Reset removes a task's output and queues it again.
func (m *Manager) Reset(ctx context.Context, id string) (bool, error) {
	t, ok, err := m.store.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if m.isRunning(id) {
		return false, apperrors.ValidationError("task is running; interrupt it first").WithDetail("task_id", id)
	}

	if err := m.removeOutputs(id); err != nil {
		return false, err
	}
	if _, err := m.store.SaveResults(ctx, id, nil, nil); err != nil {
		return false, err
	}
	if _, err := m.store.SetStatus(ctx, id, task.StatusWaiting, ""); err != nil {
		return false, err
	}

	t.Status = task.StatusWaiting
	m.publish(ctx, bus.TopicTaskReset, t, "")
	m.log.WithTask(t.ID, t.RunID).Info("Task reset")
	return true, nil
}

// Delete removes a task record, its output and any spool file no other task
// references.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	t, ok, err := m.store.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if m.isRunning(id) {
		return false, apperrors.ValidationError("task is running; interrupt it first").WithDetail("task_id", id)
	}

	deleted, err := m.store.Delete(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}

	m.publish(ctx, bus.TopicTaskDeleted, t, "")
	m.log.WithTask(t.ID, t.RunID).Info("Task deleted")

	if err := m.CleanOrphans(ctx); err != nil {
		m.log.WithError(err).Warn("Orphan cleanup failed")
	}
	return true, nil
}

// Rename changes the run id of a task. Remote submission tasks keep theirs,
// since the judging service already knows them by it.
func (m *Manager) Rename(ctx context.Context, id, runID string) (bool, error) {
	if runID == "" {
		return false, apperrors.MissingRunIDError()
	}
	t, ok, err := m.store.Get(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if t.Format == task.FormatLivingLabs {
		return false, apperrors.ValidationError("run id of a remote submission task cannot change").
			WithDetail("task_id", id)
	}
	return m.store.Rename(ctx, id, runID)
}

// Outcome fetches the judging service's outcome for a remote task. qid may
// be empty for the aggregate outcome.
func (m *Manager) Outcome(ctx context.Context, id, qid string) (json.RawMessage, bool, error) {
	t, ok, err := m.store.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	if t.Format != task.FormatLivingLabs {
		return nil, true, apperrors.ValidationError("outcomes exist only for remote submission tasks")
	}
	if m.judge == nil {
		return nil, true, apperrors.New(apperrors.CodeUnavailable, "no judging service configured")
	}
	raw, err := m.judge.Outcome(ctx, qid)
	if err != nil {
		return nil, true, apperrors.CollaboratorError("failed to fetch outcome", err)
	}
	return raw, true, nil
}

func (m *Manager) publish(ctx context.Context, topic string, t *task.Task, errMsg string) {
	if m.bus == nil {
		return
	}
	payload := bus.TaskEvent{
		TaskID: t.ID,
		RunID:  t.RunID,
		Status: string(t.Status),
		Error:  errMsg,
	}
	if t.Format != task.FormatUnknown {
		payload.Format = t.Format.String()
	}
	if err := m.bus.Publish(context.WithoutCancel(ctx), topic, bus.NewEvent(topic, payload)); err != nil {
		m.log.WithError(err).Warn("Failed to publish event", "topic", topic, "task_id", t.ID)
	}
}
