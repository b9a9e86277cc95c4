package evaluator

import (
	"github.com/ricesearch/rice-eval/internal/task"
	"github.com/ricesearch/rice-eval/internal/topics"
)

// newINEX evaluates INEX XML topics. Entity retrieval tasks query with the
// seed entity labels; results may be filtered by the topic categories.
func newINEX(t *task.Task, deps Deps) (*fsEvaluator, error) {
	e, err := newFilesystem(t, deps)
	if err != nil {
		return nil, err
	}
	e.readTopics = topics.ReadINEX
	e.buildQuery = inexQuery
	e.filterCategories = true
	return e, nil
}

func inexQuery(t *task.Task, topic topics.Topic) string {
	if t.RetrievalTask == task.RetrievalEntity {
		if q := topic.EntityQuery(); q != "" {
			return q
		}
	}
	return topic.Title
}

// newTREC evaluates TREC SGML topics with the title as query.
func newTREC(t *task.Task, deps Deps) (*fsEvaluator, error) {
	e, err := newFilesystem(t, deps)
	if err != nil {
		return nil, err
	}
	e.readTopics = topics.ReadTREC
	e.buildQuery = func(_ *task.Task, topic topics.Topic) string { return topic.Title }
	return e, nil
}
