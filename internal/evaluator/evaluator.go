// Package evaluator runs one evaluation task against the search engine.
//
// Filesystem evaluators (INEX, TREC) sweep the task's ranking parameters,
// write one ranked CSV per topic and score the run against local judgments.
// The remote evaluator submits ranked lists to a judging service instead.
package evaluator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ricesearch/rice-eval/internal/judging"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
	"github.com/ricesearch/rice-eval/internal/search"
	"github.com/ricesearch/rice-eval/internal/task"
)

// DefaultQueryLimit is the number of results requested per topic.
const DefaultQueryLimit = 10000

// Evaluator runs a single task.
type Evaluator interface {
	// Task returns the task being evaluated.
	Task() *task.Task

	// Run executes the evaluation. The returned outcome carries the terminal
	// status and, for filesystem formats, the metrics per parameter set.
	Run(ctx context.Context) (*Outcome, error)

	// Interrupt asks the run to stop at the next topic boundary.
	Interrupt()

	// Interrupted reports whether Interrupt was called.
	Interrupted() bool

	// Cleanup removes partial output written by this evaluator.
	Cleanup() error
}

// Outcome is the result of a completed run.
type Outcome struct {
	Status  task.Status
	Results map[string]task.RunResult
	Stats   map[string]task.RunStats
}

// Deps holds the collaborators and settings shared by all evaluators.
type Deps struct {
	// Searcher is bound to the task's index.
	Searcher search.Searcher

	// Judge is required by the remote format only.
	Judge *judging.Client

	ResultsRoot     string
	AssessmentsRoot string
	QueryLimit      int
	Cutoffs         []int

	// OnQuery, when set, observes every search call latency.
	OnQuery func(format task.Format, d time.Duration)

	Logger *logger.Logger
}

func (d Deps) queryLimit() int {
	if d.QueryLimit <= 0 {
		return DefaultQueryLimit
	}
	return d.QueryLimit
}

// New builds the evaluator for the task's format.
func New(t *task.Task, deps Deps) (Evaluator, error) {
	if deps.Searcher == nil {
		return nil, apperrors.InternalError("evaluator requires a searcher", nil)
	}
	deps.Logger = logger.OrDefault(deps.Logger).WithTask(t.ID, t.RunID)

	switch t.Format {
	case task.FormatINEX:
		return newINEX(t, deps)
	case task.FormatTREC:
		return newTREC(t, deps)
	case task.FormatLivingLabs:
		return newRemote(t, deps)
	case task.FormatUnknown:
	}
	return nil, apperrors.UnsupportedFormatError(t.Format.String())
}

// interrupter is the cooperative stop flag embedded by every evaluator.
type interrupter struct {
	flag atomic.Bool
}

func (i *interrupter) Interrupt() { i.flag.Store(true) }

func (i *interrupter) Interrupted() bool { return i.flag.Load() }

// checkpoint is called once per topic.
func (i *interrupter) checkpoint(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if i.Interrupted() {
		return apperrors.InterruptedError(taskID)
	}
	return nil
}

func timedSearch(ctx context.Context, s search.Searcher, req search.Request) (*search.Response, time.Duration, error) {
	start := time.Now()
	resp, err := s.Search(ctx, req)
	return resp, time.Since(start), err
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
