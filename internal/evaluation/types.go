package evaluation

import "sort"

// Judgments maps a document id to its relevance grade for one topic.
// A grade above zero means relevant.
type Judgments map[string]int

// Qrels maps a topic id to its judgments.
type Qrels map[string]Judgments

// Relevant reports whether doc is judged relevant.
func (j Judgments) Relevant(doc string) bool {
	return j[doc] > 0
}

// NumRelevant counts the documents judged relevant.
func (j Judgments) NumRelevant() int {
	n := 0
	for _, g := range j {
		if g > 0 {
			n++
		}
	}
	return n
}

// IdealGrades returns every judged grade sorted descending.
func (j Judgments) IdealGrades() []int {
	grades := make([]int, 0, len(j))
	for _, g := range j {
		grades = append(grades, g)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(grades)))
	return grades
}

// Topics returns the topic ids in sorted order.
func (q Qrels) Topics() []string {
	ids := make([]string, 0, len(q))
	for id := range q {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopicAssessment holds the per-topic metric values.
type TopicAssessment struct {
	TopicID     string             `json:"topic_id"`
	Confusion   Confusion          `json:"confusion"`
	Precision   float64            `json:"precision"`
	Recall      float64            `json:"recall"`
	FBeta       map[string]float64 `json:"f_beta"` // keyed by BetaLabel
	PrecisionAt map[int]float64    `json:"precision_at"`
	AvgPrec     float64            `json:"average_precision"`
	NDCG        map[int]float64    `json:"ndcg"`
}

// Assessment is the result of scoring one run: per-topic rows plus the
// aggregated metric map keyed by metric name.
type Assessment struct {
	Topics  []TopicAssessment  `json:"topics"`
	Metrics map[string]float64 `json:"metrics"`
}
