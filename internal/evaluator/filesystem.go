package evaluator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ricesearch/rice-eval/internal/evaluation"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/search"
	"github.com/ricesearch/rice-eval/internal/task"
	"github.com/ricesearch/rice-eval/internal/topics"
)

// fsEvaluator is the shared base of the topic-file formats. Variants plug in
// a topic reader, a query builder and an optional category filter.
type fsEvaluator struct {
	interrupter

	task *task.Task
	deps Deps

	resultsDir     string
	assessmentsDir string

	readTopics func(io.Reader) ([]topics.Topic, error)
	buildQuery func(*task.Task, topics.Topic) string

	// filterCategories keeps only results whose type matches a topic category.
	filterCategories bool
}

// newFilesystem creates the task-level output directories. Either directory
// already existing means the task ran before and was not reset.
func newFilesystem(t *task.Task, deps Deps) (*fsEvaluator, error) {
	if err := checkTaskID(t); err != nil {
		return nil, err
	}
	e := &fsEvaluator{
		task:           t,
		deps:           deps,
		resultsDir:     filepath.Join(deps.ResultsRoot, t.ID),
		assessmentsDir: filepath.Join(deps.AssessmentsRoot, t.ID),
	}

	for _, root := range []string{deps.ResultsRoot, deps.AssessmentsRoot} {
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, apperrors.InternalError("creating output root", err)
		}
	}
	for _, dir := range []string{e.resultsDir, e.assessmentsDir} {
		if _, err := os.Stat(dir); err == nil {
			return nil, apperrors.AlreadyExistsError("output directory "+dir).WithDetail("path", dir)
		}
	}
	for _, dir := range []string{e.resultsDir, e.assessmentsDir} {
		if err := os.Mkdir(dir, 0755); err != nil {
			if errors.Is(err, os.ErrExist) {
				return nil, apperrors.AlreadyExistsError("output directory "+dir).WithDetail("path", dir)
			}
			return nil, apperrors.InternalError("creating output directory", err)
		}
	}
	return e, nil
}

func (e *fsEvaluator) Task() *task.Task { return e.task }

// Cleanup removes both task-level output directories.
func (e *fsEvaluator) Cleanup() error {
	return errors.Join(os.RemoveAll(e.resultsDir), os.RemoveAll(e.assessmentsDir))
}

// inputs are the parsed task artifacts.
type inputs struct {
	topics   []topics.Topic
	qrels    evaluation.Qrels
	validIDs map[string]struct{}
}

func (e *fsEvaluator) load() (*inputs, error) {
	if err := task.CheckParams(e.task.RankingParams); err != nil {
		return nil, apperrors.ValidationError(err.Error()).WithDetail("field", "ranking_params")
	}
	in := &inputs{}
	var err error

	if in.qrels, err = readArtifact(e.task.Assessments, topics.ReadQrels); err != nil {
		return nil, err
	}
	if in.topics, err = readArtifact(e.task.Topics, e.readTopics); err != nil {
		return nil, err
	}
	if err := checkTopicIDs(in.topics); err != nil {
		return nil, err
	}
	if !e.task.ValidIDs.Empty() {
		if in.validIDs, err = readArtifact(e.task.ValidIDs, topics.ReadIDSet); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// checkTaskID rejects task ids that cannot name a task output directory.
func checkTaskID(t *task.Task) error {
	if err := task.CheckSegment(t.ID); err != nil {
		return apperrors.ValidationError("task id cannot name an output directory: "+err.Error()).WithDetail("task_id", t.ID)
	}
	return nil
}

// checkTopicIDs rejects topic ids that cannot name a per-topic output file.
func checkTopicIDs(ts []topics.Topic) error {
	for _, t := range ts {
		if err := task.CheckSegment(t.ID); err != nil {
			return apperrors.ValidationError("topic id cannot name an output file: "+err.Error()).WithDetail("topic", t.ID)
		}
	}
	return nil
}

func readArtifact[T any](a task.Artifact, read func(io.Reader) (T, error)) (T, error) {
	v, err := topics.ReadFile(a.Path, read)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return v, apperrors.MissingInputError(a.Path, err)
		}
		return v, apperrors.Wrap(apperrors.CodeMissingInput, "cannot parse "+a.Path, err).WithDetail("path", a.Path)
	}
	return v, nil
}

// Run sweeps every parameter set over the topic list.
func (e *fsEvaluator) Run(ctx context.Context) (*Outcome, error) {
	in, err := e.load()
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Status:  task.StatusDone,
		Results: make(map[string]task.RunResult),
		Stats:   make(map[string]task.RunStats),
	}

	sets := task.Sweep(e.task.RankingParams)
	e.deps.Logger.Info("Starting evaluation",
		"format", e.task.Format.String(),
		"topics", len(in.topics),
		"parameter_sets", len(sets),
	)

	for _, params := range sets {
		psid := params.ID()
		result, stats, err := e.runParameterSet(ctx, in, params)
		if err != nil {
			return nil, err
		}
		out.Results[psid] = result
		out.Stats[psid] = stats
	}

	e.deps.Logger.Info("Evaluation finished", "parameter_sets", len(sets))
	return out, nil
}

func (e *fsEvaluator) runParameterSet(ctx context.Context, in *inputs, params task.ParameterSet) (task.RunResult, task.RunStats, error) {
	psid := params.ID()
	log := e.deps.Logger.WithParams(psid)

	resultsDir := filepath.Join(e.resultsDir, psid)
	assessmentsDir := filepath.Join(e.assessmentsDir, psid)
	for _, dir := range []string{resultsDir, assessmentsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return task.RunResult{}, task.RunStats{}, apperrors.InternalError("creating parameter set directory", err)
		}
	}

	stats := task.RunStats{
		Parameters:  params,
		QueryTimeMs: make(map[string]float64),
	}

	for _, topic := range in.topics {
		if err := e.checkpoint(ctx, e.task.ID); err != nil {
			return task.RunResult{}, task.RunStats{}, err
		}

		judgments, ok := in.qrels[topic.ID]
		if !ok {
			log.Warn("Skipping topic without judgments", "topic", topic.ID)
			continue
		}
		if !e.selected(topic.ID) {
			continue
		}

		query := e.buildQuery(e.task, topic)
		if query == "" {
			log.Warn("Skipping topic with empty query", "topic", topic.ID)
			continue
		}

		resp, elapsed, err := timedSearch(ctx, e.deps.Searcher, search.Request{
			Query:           query,
			Offset:          0,
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
				return task.RunResult{}, task.RunStats{}, ctx.Err()
			}
			return task.RunResult{}, task.RunStats{}, apperrors.CollaboratorError("search failed for topic "+topic.ID, err).
				WithDetail("topic", topic.ID)
		}
		stats.QueryTimeMs[topic.ID] = millis(elapsed)

		results := e.filter(resp.Results, topic, in.validIDs)
		path := filepath.Join(resultsDir, topic.ID+".csv")
		if err := writeTopicResults(path, results, judgments); err != nil {
			return task.RunResult{}, task.RunStats{}, apperrors.InternalError("writing topic results", err)
		}

		log.Debug("Topic evaluated",
			"topic", topic.ID,
			"results", len(results),
			"num_docs", resp.NumDocs,
			"query_ms", stats.QueryTimeMs[topic.ID],
		)
	}
	stats.Finalize()

	run, err := readRunDir(resultsDir)
	if err != nil {
		return task.RunResult{}, task.RunStats{}, apperrors.InternalError("reading topic results", err)
	}

	assessment := evaluation.Assess(run, in.qrels, e.deps.Cutoffs)
	if err := writeAssessment(assessmentsDir, assessment, e.deps.Cutoffs); err != nil {
		return task.RunResult{}, task.RunStats{}, apperrors.InternalError("writing assessments", err)
	}

	log.Info("Parameter set scored",
		"topics", len(assessment.Topics),
		"map", assessment.Metrics[evaluation.MetricMAP],
		"total_query_ms", stats.TotalQueryTimeMs,
	)

	return task.RunResult{Parameters: params, Metrics: assessment.Metrics}, stats, nil
}

func (e *fsEvaluator) selected(topicID string) bool {
	if len(e.task.TopicFilter) == 0 {
		return true
	}
	for _, id := range e.task.TopicFilter {
		if id == topicID {
			return true
		}
	}
	return false
}

func (e *fsEvaluator) filter(results []search.Result, topic topics.Topic, validIDs map[string]struct{}) []search.Result {
	byCategory := e.filterCategories && e.task.FilterByCategory
	if validIDs == nil && !byCategory {
		return results
	}

	categories := topic.CategoryNames()
	kept := results[:0:0]
	for _, r := range results {
		if validIDs != nil {
			if _, ok := validIDs[r.ID]; !ok {
				continue
			}
		}
		if byCategory && !matchesCategory(r.Type, categories) {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

func matchesCategory(typ string, categories []string) bool {
	typ = strings.TrimSpace(typ)
	for _, c := range categories {
		if strings.EqualFold(typ, c) {
			return true
		}
	}
	return false
}
