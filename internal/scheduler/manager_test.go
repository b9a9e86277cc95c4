package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ricesearch/rice-eval/internal/bus"
	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/judging"
	"github.com/ricesearch/rice-eval/internal/metrics"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
	"github.com/ricesearch/rice-eval/internal/search"
	"github.com/ricesearch/rice-eval/internal/task"
	"github.com/ricesearch/rice-eval/internal/taskstore"
)

const trecTopics = `<top>
<num> Number: 301
<title> organized crime
</top>
<top>
<num> Number: 302
<title> polio
</top>
`

const trecQrels = `301 0 d1 1
301 0 d2 0
301 0 d3 1
302 0 d9 1
`

type harness struct {
	m       *Manager
	store   *taskstore.MemoryStore
	metrics *metrics.Metrics
	spans   *tracetest.SpanRecorder
	root    string

	mu     sync.Mutex
	events []bus.Event
}

func newHarness(t *testing.T, fn search.Func) *harness {
	t.Helper()

	h := &harness{
		store:   taskstore.NewMemoryStore(),
		metrics: metrics.New(),
		spans:   tracetest.NewSpanRecorder(),
		root:    t.TempDir(),
	}

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })
	for _, topic := range []string{
		bus.TopicTaskEnqueued, bus.TopicTaskStarted, bus.TopicTaskFinished,
		bus.TopicTaskReset, bus.TopicTaskDeleted,
	} {
		b.Subscribe(context.Background(), topic, func(ctx context.Context, e bus.Event) error {
			h.mu.Lock()
			h.events = append(h.events, e)
			h.mu.Unlock()
			return nil
		})
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))

	pool := search.NewPool(func(ctx context.Context, key search.Key) (search.Searcher, error) {
		if key.Location == "missing" {
			return nil, errors.New("no such index")
		}
		return fn, nil
	})

	m, err := New(Options{
		Store:        h.store,
		Pool:         pool,
		Bus:          b,
		Metrics:      h.metrics,
		Tracer:       tp.Tracer("test"),
		Eval:         config.EvalConfig{Root: h.root, Cutoffs: []int{10}},
		PollInterval: 10 * time.Millisecond,
		Logger:       logger.Discard(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.m = m
	return h
}

func (h *harness) topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func (h *harness) trecTask(t *testing.T, runID string) *task.Task {
	t.Helper()
	topics, err := h.m.Spool(KindTopics, strings.NewReader(trecTopics))
	if err != nil {
		t.Fatal(err)
	}
	qrels, err := h.m.Spool(KindAssessments, strings.NewReader(trecQrels))
	if err != nil {
		t.Fatal(err)
	}
	return &task.Task{
		RunID:         runID,
		IndexLocation: "robust04",
		Format:        task.FormatTREC,
		Topics:        topics,
		Assessments:   qrels,
	}
}

func answer(table map[string][]string) search.Func {
	return func(ctx context.Context, req search.Request) (*search.Response, error) {
		docs := table[req.Query]
		results := make([]search.Result, len(docs))
		for i, d := range docs {
			results[i] = search.Result{ID: d, Score: float64(len(docs) - i)}
		}
		return &search.Response{Results: results, NumDocs: len(results)}, nil
	}
}

var goodAnswers = map[string][]string{
	"organized crime": {"d1", "d2", "d3"},
	"polio":           {"d9"},
}

func (h *harness) get(t *testing.T, id string) *task.Task {
	t.Helper()
	got, ok, err := h.m.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Get(%s) = %v, %v", id, ok, err)
	}
	return got
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	tasks, err := h.m.Enqueue(ctx, h.trecTask(t, "run-a"), h.trecTask(t, "run-b"))
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Enqueue() returned %d tasks", len(tasks))
	}
	if tasks[0].ID == "" || tasks[0].ID == tasks[1].ID {
		t.Errorf("ids not assigned: %q %q", tasks[0].ID, tasks[1].ID)
	}
	if !tasks[1].EnqueuedAt.After(tasks[0].EnqueuedAt) {
		t.Errorf("enqueue times not increasing: %v, %v", tasks[0].EnqueuedAt, tasks[1].EnqueuedAt)
	}
	if tasks[0].Status != task.StatusWaiting {
		t.Errorf("status = %s", tasks[0].Status)
	}
	if got := testutil.ToFloat64(h.metrics.TasksEnqueued.WithLabelValues("trec")); got != 2 {
		t.Errorf("enqueued metric = %v", got)
	}
}

func TestEnqueueAssignsIDs(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	for i, clientID := range []string{"..", ".", "../../etc", "chosen-by-client"} {
		tk := h.trecTask(t, "run-"+string(rune('a'+i)))
		tk.ID = clientID

		tasks, err := h.m.Enqueue(ctx, tk)
		if err != nil {
			t.Fatalf("Enqueue(%q) error: %v", clientID, err)
		}
		id := tasks[0].ID
		if id == clientID {
			t.Errorf("Enqueue() kept client id %q", clientID)
		}
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("id %q is not a uuid: %v", id, err)
		}
		if tk.ID != clientID {
			t.Errorf("Enqueue() modified the caller's task id to %q", tk.ID)
		}
	}
}

func TestResetRejectsUnsafeStoredID(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	tk := h.trecTask(t, "legacy")
	tk.ID = ".."
	tk.Status = task.StatusError
	if err := h.store.Insert(ctx, tk); err != nil {
		t.Fatal(err)
	}

	if ok, err := h.m.Reset(ctx, ".."); ok || !apperrors.Is(err, apperrors.CodeValidation) {
		t.Fatalf("Reset(..) = %v, %v; want VALIDATION", ok, err)
	}
	for _, path := range []string{tk.Topics.Path, tk.Assessments.Path} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("spool file %s removed: %v", path, err)
		}
	}
	if got := h.get(t, ".."); got.Status != task.StatusError {
		t.Errorf("status = %s, want ERROR", got.Status)
	}
}

func TestEnqueueDuplicateKeepsEarlierInserts(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	inserted, err := h.m.Enqueue(ctx, h.trecTask(t, "run-a"), h.trecTask(t, "run-b"), h.trecTask(t, "run-a"))
	if !apperrors.Is(err, apperrors.CodeDuplicateRunID) {
		t.Fatalf("Enqueue() error = %v, want DUPLICATE_RUN_ID", err)
	}
	if len(inserted) != 2 {
		t.Errorf("inserted = %d, want 2", len(inserted))
	}

	all, _ := h.m.List(ctx)
	if len(all) != 2 {
		t.Errorf("stored %d tasks, want 2", len(all))
	}
}

func TestEnqueueValidationStoresNothing(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	tests := []struct {
		name string
		bad  func(*task.Task)
		code string
	}{
		{"missing run id", func(tk *task.Task) { tk.RunID = "" }, apperrors.CodeMissingRunID},
		{"unknown format", func(tk *task.Task) { tk.Format = task.FormatUnknown }, apperrors.CodeUnsupportedFormat},
		{"empty candidates", func(tk *task.Task) { tk.RankingParams = map[string][]string{"k1": {}} }, apperrors.CodeValidation},
		{"duplicate candidates", func(tk *task.Task) { tk.RankingParams = map[string][]string{"k1": {"1", "1"}} }, apperrors.CodeValidation},
		{"path in candidate", func(tk *task.Task) {
			tk.RankingParams = map[string][]string{"k": {"x/../../../../escaped"}}
		}, apperrors.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := h.trecTask(t, "bad")
			tt.bad(bad)
			_, err := h.m.Enqueue(ctx, h.trecTask(t, "good"), bad)
			if !apperrors.Is(err, tt.code) {
				t.Fatalf("Enqueue() error = %v, want %s", err, tt.code)
			}
			if all, _ := h.m.List(ctx); len(all) != 0 {
				t.Errorf("stored %d tasks, want 0", len(all))
			}
		})
	}
}

func TestRunOnceDone(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	tasks, err := h.m.Enqueue(ctx, h.trecTask(t, "run-a"))
	if err != nil {
		t.Fatal(err)
	}
	id := tasks[0].ID

	claimed, err := h.m.RunOnce(ctx, "")
	if err != nil || !claimed {
		t.Fatalf("RunOnce() = %v, %v", claimed, err)
	}

	got := h.get(t, id)
	if got.Status != task.StatusDone {
		t.Fatalf("status = %s (%s), want DONE", got.Status, got.Error)
	}
	res, ok := got.Results[task.NoParams]
	if !ok {
		t.Fatalf("results missing %q: %v", task.NoParams, got.Results)
	}
	if len(res.Metrics) == 0 {
		t.Error("no metrics recorded")
	}
	if _, ok := got.Stats[task.NoParams]; !ok {
		t.Error("stats missing")
	}

	if _, err := os.Stat(filepath.Join(h.root, "results", id, task.NoParams, "301.csv")); err != nil {
		t.Errorf("topic results not written: %v", err)
	}

	if got := testutil.ToFloat64(h.metrics.TasksFinished.WithLabelValues("trec", "DONE")); got != 1 {
		t.Errorf("finished metric = %v", got)
	}

	spans := h.spans.Ended()
	if len(spans) != 1 || spans[0].Name() != "scheduler.evaluate" {
		t.Fatalf("spans = %v", spans)
	}

	h.m.bus.(*bus.MemoryBus).DrainTimeout(time.Second)
	// handlers run concurrently, so only the set of events is stable
	seen := h.topics()
	sort.Strings(seen)
	want := []string{bus.TopicTaskEnqueued, bus.TopicTaskFinished, bus.TopicTaskStarted}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", seen, want)
	}

	claimed, err = h.m.RunOnce(ctx, "")
	if err != nil || claimed {
		t.Errorf("second RunOnce() = %v, %v, want nothing to claim", claimed, err)
	}
}

func TestRunOnceFailureSetsError(t *testing.T) {
	failing := search.Func(func(ctx context.Context, req search.Request) (*search.Response, error) {
		return nil, errors.New("engine down")
	})

	tests := []struct {
		name     string
		location string
		search   search.Func
		code     string
	}{
		{"search failure", "robust04", failing, apperrors.CodeCollaborator},
		{"index unavailable", "missing", answer(goodAnswers), apperrors.CodeCollaborator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.search)
			ctx := context.Background()

			tk := h.trecTask(t, "run-a")
			tk.IndexLocation = tt.location
			tasks, err := h.m.Enqueue(ctx, tk)
			if err != nil {
				t.Fatal(err)
			}

			if _, err := h.m.RunOnce(ctx, ""); err != nil {
				t.Fatalf("RunOnce() error: %v", err)
			}

			got := h.get(t, tasks[0].ID)
			if got.Status != task.StatusError || got.Error == "" {
				t.Errorf("task = %s %q, want ERROR with message", got.Status, got.Error)
			}
			if n := testutil.ToFloat64(h.metrics.EvaluatorErrors.WithLabelValues(tt.code)); n != 1 {
				t.Errorf("evaluator errors[%s] = %v", tt.code, n)
			}
		})
	}
}

func TestRunOnceMissingInput(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	tk := h.trecTask(t, "run-a")
	tk.Assessments = task.Artifact{Path: filepath.Join(h.root, "gone")}
	tasks, _ := h.m.Enqueue(ctx, tk)

	h.m.RunOnce(ctx, "")
	got := h.get(t, tasks[0].ID)
	if got.Status != task.StatusError {
		t.Errorf("status = %s, want ERROR", got.Status)
	}
}

func TestRunSpecificTask(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	tasks, _ := h.m.Enqueue(ctx, h.trecTask(t, "run-a"), h.trecTask(t, "run-b"))
	second := tasks[1].ID

	if err := h.m.Run(ctx, second); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := h.get(t, second); got.Status != task.StatusDone {
		t.Errorf("requested task = %s, want DONE", got.Status)
	}
	if got := h.get(t, tasks[0].ID); got.Status != task.StatusWaiting {
		t.Errorf("other task = %s, want WAITING", got.Status)
	}
}

func TestRunCancellationResetsRunning(t *testing.T) {
	started := make(chan struct{}, 8)
	blocking := search.Func(func(ctx context.Context, req search.Request) (*search.Response, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	h := newHarness(t, blocking)
	tasks, _ := h.m.Enqueue(context.Background(), h.trecTask(t, "run-a"))
	id := tasks[0].ID

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx, "") }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("search never called")
	}
	if running, ok := h.m.Running(); !ok || running != id {
		t.Errorf("Running() = %q, %v", running, ok)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	got := h.get(t, id)
	if got.Status != task.StatusWaiting {
		t.Errorf("status = %s, want WAITING", got.Status)
	}
	if _, err := os.Stat(filepath.Join(h.root, "results", id)); !os.IsNotExist(err) {
		t.Errorf("partial results left behind: %v", err)
	}
	if _, ok := h.m.Running(); ok {
		t.Error("Running() still reports a task")
	}
}

func TestResetRunningAfterCrash(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	tasks, _ := h.m.Enqueue(ctx, h.trecTask(t, "a"), h.trecTask(t, "b"), h.trecTask(t, "c"))
	// simulate a scheduler that died after claiming two tasks
	h.store.ClaimWaiting(ctx, tasks[0].ID)
	h.store.ClaimWaiting(ctx, tasks[2].ID)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := h.m.Run(cctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}

	all, _ := h.m.List(ctx)
	for _, tk := range all {
		if tk.Status != task.StatusWaiting {
			t.Errorf("task %s = %s, want WAITING", tk.RunID, tk.Status)
		}
	}
}

func TestClaimedTaskIsRunning(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	opening := make(chan struct{})
	release := make(chan struct{})
	h.m.pool = search.NewPool(func(ctx context.Context, key search.Key) (search.Searcher, error) {
		close(opening)
		<-release
		return answer(goodAnswers), nil
	})

	tasks, _ := h.m.Enqueue(ctx, h.trecTask(t, "run-a"))
	id := tasks[0].ID

	done := make(chan error, 1)
	go func() {
		_, err := h.m.RunOnce(ctx, "")
		done <- err
	}()

	// claimed, index still opening, no evaluator yet
	<-opening
	if ok, err := h.m.Reset(ctx, id); ok || !apperrors.Is(err, apperrors.CodeValidation) {
		t.Errorf("Reset() of claimed task = %v, %v; want VALIDATION", ok, err)
	}
	if ok, err := h.m.Delete(ctx, id); ok || !apperrors.Is(err, apperrors.CodeValidation) {
		t.Errorf("Delete() of claimed task = %v, %v; want VALIDATION", ok, err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if got := h.get(t, id); got.Status != task.StatusDone {
		t.Errorf("status = %s, want DONE", got.Status)
	}
	if ok, err := h.m.Reset(ctx, id); !ok || err != nil {
		t.Errorf("Reset() after the run = %v, %v", ok, err)
	}
}

func TestInterrupt(t *testing.T) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	gated := search.Func(func(ctx context.Context, req search.Request) (*search.Response, error) {
		started <- struct{}{}
		<-release
		return &search.Response{}, nil
	})

	h := newHarness(t, gated)
	ctx := context.Background()
	tasks, _ := h.m.Enqueue(ctx, h.trecTask(t, "run-a"))
	id := tasks[0].ID

	if h.m.Interrupt(id) {
		t.Error("Interrupt() before the task runs should report false")
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.m.RunOnce(ctx, "")
		done <- err
	}()

	<-started
	if h.m.Interrupt("other") {
		t.Error("Interrupt() of another task should report false")
	}
	if !h.m.Interrupt(id) {
		t.Fatal("Interrupt() of the running task reported false")
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	got := h.get(t, id)
	if got.Status != task.StatusError {
		t.Errorf("status = %s, want ERROR", got.Status)
	}
	if n := testutil.ToFloat64(h.metrics.EvaluatorErrors.WithLabelValues(apperrors.CodeInterrupted)); n != 1 {
		t.Errorf("interrupted errors = %v", n)
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req search.Request) (*search.Response, error) {
		return nil, errors.New("engine down")
	})
	ctx := context.Background()

	tasks, _ := h.m.Enqueue(ctx, h.trecTask(t, "run-a"))
	id := tasks[0].ID
	h.m.RunOnce(ctx, "")

	if _, err := os.Stat(filepath.Join(h.root, "results", id)); err != nil {
		t.Fatalf("failed run should keep its output for inspection: %v", err)
	}

	ok, err := h.m.Reset(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Reset() = %v, %v", ok, err)
	}

	got := h.get(t, id)
	if got.Status != task.StatusWaiting || got.Error != "" || got.Results != nil {
		t.Errorf("after reset: %+v", got)
	}
	for _, dir := range []string{"results", "assessments"} {
		if _, err := os.Stat(filepath.Join(h.root, dir, id)); !os.IsNotExist(err) {
			t.Errorf("%s/%s still exists", dir, id)
		}
	}

	if ok, err := h.m.Reset(ctx, "nope"); ok || err != nil {
		t.Errorf("Reset(unknown) = %v, %v", ok, err)
	}
}

func TestDeleteRemovesOrphans(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	shared := h.trecTask(t, "run-a")
	other := h.trecTask(t, "run-b")
	valid, err := h.m.Spool(KindValidIDs, strings.NewReader("d1\nd3\n"))
	if err != nil {
		t.Fatal(err)
	}
	shared.ValidIDs = valid

	tasks, _ := h.m.Enqueue(ctx, shared, other)
	h.m.RunOnce(ctx, tasks[0].ID)

	ok, err := h.m.Delete(ctx, tasks[0].ID)
	if err != nil || !ok {
		t.Fatalf("Delete() = %v, %v", ok, err)
	}

	if _, err := os.Stat(valid.Path); !os.IsNotExist(err) {
		t.Errorf("unreferenced valid-id file kept: %v", err)
	}
	if _, err := os.Stat(other.Topics.Path); err != nil {
		t.Errorf("topics still referenced by run-b removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.root, "results", tasks[0].ID)); !os.IsNotExist(err) {
		t.Error("results of deleted task kept")
	}

	if ok, _ := h.m.Delete(ctx, tasks[0].ID); ok {
		t.Error("second Delete() reported true")
	}
}

func TestRename(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	ctx := context.Background()

	tasks, _ := h.m.Enqueue(ctx,
		h.trecTask(t, "run-a"),
		h.trecTask(t, "run-b"),
		&task.Task{RunID: "ll-run", Format: task.FormatLivingLabs},
	)

	tests := []struct {
		name   string
		id     string
		runID  string
		wantOK bool
		code   string
	}{
		{"renamed", tasks[0].ID, "run-c", true, ""},
		{"duplicate", tasks[0].ID, "run-b", false, apperrors.CodeDuplicateRunID},
		{"empty", tasks[0].ID, "", false, apperrors.CodeMissingRunID},
		{"remote format", tasks[2].ID, "other", false, apperrors.CodeValidation},
		{"unknown task", "nope", "x", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := h.m.Rename(ctx, tt.id, tt.runID)
			if ok != tt.wantOK {
				t.Errorf("Rename() ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.code == "" && err != nil {
				t.Errorf("Rename() error = %v", err)
			}
			if tt.code != "" && !apperrors.Is(err, tt.code) {
				t.Errorf("Rename() error = %v, want %s", err, tt.code)
			}
		})
	}

	if got := h.get(t, tasks[0].ID); got.RunID != "run-c" {
		t.Errorf("run id = %s", got.RunID)
	}
}

func TestSpool(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))

	a, err := h.m.Spool(KindTopics, strings.NewReader(trecTopics))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := h.m.Spool(KindTopics, strings.NewReader(trecTopics))
	if a.Path != b.Path || a.Hash != b.Hash {
		t.Errorf("identical uploads stored twice: %v %v", a, b)
	}
	if !strings.HasPrefix(filepath.Base(a.Path), "eval_topics_") || len(filepath.Base(a.Path)) != len("eval_topics_")+16 {
		t.Errorf("spool name = %s", filepath.Base(a.Path))
	}

	c, _ := h.m.Spool(KindAssessments, strings.NewReader(trecTopics))
	if c.Path == a.Path {
		t.Error("different kinds share a spool file")
	}

	if _, err := h.m.Spool("binary", strings.NewReader("x")); !apperrors.IsValidation(err) {
		t.Errorf("unknown kind error = %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(h.root, "spool"))
	if len(entries) != 2 {
		t.Errorf("spool holds %d files, want 2", len(entries))
	}
}

func TestCleanSpoolGrace(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	h.m.grace = time.Hour

	art, _ := h.m.Spool(KindTopics, strings.NewReader(trecTopics))
	if n, err := h.m.CleanSpool(nil); err != nil || n != 0 {
		t.Fatalf("CleanSpool() = %d, %v; fresh file should survive", n, err)
	}

	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(art.Path, old, old)
	if n, _ := h.m.CleanSpool(nil); n != 1 {
		t.Errorf("CleanSpool() removed %d, want 1", n)
	}
}

func TestCleanOutputs(t *testing.T) {
	h := newHarness(t, answer(goodAnswers))
	for _, dir := range []string{"results/keep", "results/stray", "assessments/stray"} {
		os.MkdirAll(filepath.Join(h.root, dir), 0755)
	}

	n, err := h.m.CleanOutputs(map[string]bool{"keep": true})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CleanOutputs() removed %d, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(h.root, "results/keep")); err != nil {
		t.Error("live output removed")
	}
}

func TestOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/outcome/R-q1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"outcomes":[{"qid":"R-q1","wins":3}]}`))
	}))
	defer srv.Close()

	h := newHarness(t, answer(goodAnswers))
	h.m.judge = judging.New(judging.Config{BaseURL: srv.URL, APIKey: "key"})
	ctx := context.Background()

	tasks, _ := h.m.Enqueue(ctx, &task.Task{RunID: "ll", Format: task.FormatLivingLabs}, h.trecTask(t, "fs"))

	raw, ok, err := h.m.Outcome(ctx, tasks[0].ID, "R-q1")
	if err != nil || !ok {
		t.Fatalf("Outcome() = %v, %v", ok, err)
	}
	if !strings.Contains(string(raw), `"wins":3`) {
		t.Errorf("outcome = %s", raw)
	}

	if _, _, err := h.m.Outcome(ctx, tasks[1].ID, "R-q1"); !apperrors.IsValidation(err) {
		t.Errorf("filesystem task outcome error = %v", err)
	}
	if _, ok, err := h.m.Outcome(ctx, "nope", ""); ok || err != nil {
		t.Errorf("unknown task = %v, %v", ok, err)
	}
	if _, _, err := h.m.Outcome(ctx, tasks[0].ID, "R-q9"); !apperrors.Is(err, apperrors.CodeCollaborator) {
		t.Errorf("missing outcome error = %v", err)
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Options{Eval: config.EvalConfig{Root: t.TempDir()}}); err == nil {
		t.Error("New() without store should fail")
	}
	if _, err := New(Options{Store: taskstore.NewMemoryStore()}); !apperrors.IsValidation(err) {
		t.Errorf("New() without root error = %v", err)
	}
}
