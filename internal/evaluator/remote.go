package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ricesearch/rice-eval/internal/judging"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/search"
	"github.com/ricesearch/rice-eval/internal/task"
)

// remoteEvaluator submits runs to a living-labs style judging service.
// Search results are cached per query id under results/<task>/ so a rerun
// does not query the engine again.
type remoteEvaluator struct {
	interrupter

	task     *task.Task
	deps     Deps
	cacheDir string
}

func newRemote(t *task.Task, deps Deps) (*remoteEvaluator, error) {
	if deps.Judge == nil {
		return nil, apperrors.New(apperrors.CodeUnavailable, "judging service is not configured")
	}
	if err := checkTaskID(t); err != nil {
		return nil, err
	}
	dir := filepath.Join(deps.ResultsRoot, t.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, apperrors.InternalError("creating result cache", err)
	}
	return &remoteEvaluator{task: t, deps: deps, cacheDir: dir}, nil
}

func (e *remoteEvaluator) Task() *task.Task { return e.task }

// Cleanup keeps the result cache; a resubmission reuses it.
func (e *remoteEvaluator) Cleanup() error { return nil }

// Run answers every query handed out by the service.
func (e *remoteEvaluator) Run(ctx context.Context) (*Outcome, error) {
	log := e.deps.Logger

	queries, err := e.deps.Judge.Queries(ctx)
	if err != nil {
		return nil, apperrors.CollaboratorError("listing remote queries", err)
	}

	// One run id can only carry one ranking, so only the first parameter set
	// of a sweep is submitted.
	sets := task.Sweep(e.task.RankingParams)
	params := sets[0]
	if len(sets) > 1 {
		log.Warn("Remote evaluation submits a single parameter set", "using", params.ID(), "sets", len(sets))
	}

	stats := task.RunStats{
		Parameters:  params,
		QueryTimeMs: make(map[string]float64),
	}
	submitted, conflicts := 0, 0

	for _, q := range queries {
		if err := e.checkpoint(ctx, e.task.ID); err != nil {
			return nil, err
		}

		doclist, err := e.deps.Judge.DocList(ctx, q.QID)
		if err != nil {
			return nil, apperrors.CollaboratorError("fetching doclist for "+q.QID, err).WithDetail("qid", q.QID)
		}

		results, err := e.results(ctx, q, params, &stats)
		if err != nil {
			return nil, err
		}

		ok, err := e.deps.Judge.PutRun(ctx, judging.Run{
			QID:     q.QID,
			RunID:   e.task.RunID,
			DocList: padDocList(results, doclist),
		})
		if err != nil {
			return nil, apperrors.CollaboratorError("submitting run for "+q.QID, err).WithDetail("qid", q.QID)
		}
		if ok {
			submitted++
		} else {
			conflicts++
			log.Info("Run already submitted", "qid", q.QID)
		}
	}
	stats.Finalize()

	log.Info("Remote submission finished",
		"queries", len(queries),
		"submitted", submitted,
		"already_submitted", conflicts,
	)

	return &Outcome{
		Status: task.StatusSubmitted,
		Stats:  map[string]task.RunStats{params.ID(): stats},
	}, nil
}

// results returns the cached ranked list for q, querying the engine on a
// cache miss.
func (e *remoteEvaluator) results(ctx context.Context, q judging.Query, params task.ParameterSet, stats *task.RunStats) ([]search.Result, error) {
	path := filepath.Join(e.cacheDir, cacheName(q.QID))

	data, err := os.ReadFile(path)
	if err == nil {
		var cached []search.Result
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
		e.deps.Logger.Warn("Ignoring unreadable result cache", "path", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.InternalError("reading result cache", err)
	}

	resp, elapsed, err := timedSearch(ctx, e.deps.Searcher, search.Request{
		Query:           q.QStr,
		Limit:           e.deps.queryLimit(),
		QueryType:       e.task.QueryType,
		RetrievalTask:   e.task.RetrievalTask,
		RankingFunction: e.task.RankingFunction,
		RankingParams:   params,
	})
	if e.deps.OnQuery != nil {
		e.deps.OnQuery(e.task.Format, elapsed)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.CollaboratorError("search failed for "+q.QID, err).WithDetail("qid", q.QID)
	}
	stats.QueryTimeMs[q.QID] = millis(elapsed)

	data, err = json.Marshal(resp.Results)
	if err != nil {
		return nil, apperrors.InternalError("encoding result cache", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, apperrors.InternalError("writing result cache", err)
	}
	return resp.Results, nil
}

// padDocList orders the doclist by the engine ranking. Documents the service
// requires but the engine did not return are appended in doclist order;
// results outside the doclist are dropped.
func padDocList(results []search.Result, doclist []judging.Doc) []judging.Doc {
	required := make(map[string]bool, len(doclist))
	for _, d := range doclist {
		required[d.DocID] = true
	}

	out := make([]judging.Doc, 0, len(doclist))
	seen := make(map[string]bool, len(doclist))
	for _, r := range results {
		if required[r.ID] && !seen[r.ID] {
			seen[r.ID] = true
			out = append(out, judging.Doc{DocID: r.ID})
		}
	}
	for _, d := range doclist {
		if !seen[d.DocID] {
			seen[d.DocID] = true
			out = append(out, judging.Doc{DocID: d.DocID})
		}
	}
	return out
}

// cacheName maps a query id to a file name in the cache directory. Escaping
// keeps distinct ids on distinct files.
func cacheName(qid string) string {
	return url.PathEscape(qid) + ".json"
}
