package evaluation

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// Betas are the F-beta weights reported for every run.
var Betas = []float64{0.5, 1, 2}

// DefaultCutoffs are the ranks used for P@N and NDCG@p.
var DefaultCutoffs = []int{10, 100, 1000}

// gmapEpsilon keeps the geometric mean defined when a topic scores zero.
const gmapEpsilon = 1e-5

// Run maps a topic id to the document ids returned for it, best first.
type Run map[string][]string

// Confusion is the binary-relevance contingency table of one topic.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TN int `json:"tn"`
}

// Add returns the cell-wise sum of c and o.
func (c Confusion) Add(o Confusion) Confusion {
	return Confusion{TP: c.TP + o.TP, FP: c.FP + o.FP, FN: c.FN + o.FN, TN: c.TN + o.TN}
}

// Precision is tp/(tp+fp).
func (c Confusion) Precision() float64 {
	return SafeDiv(float64(c.TP), float64(c.TP+c.FP))
}

// Recall is tp/(tp+fn).
func (c Confusion) Recall() float64 {
	return SafeDiv(float64(c.TP), float64(c.TP+c.FN))
}

// SafeDiv returns a/b, or 0 when b is 0.
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Contingency builds the contingency table for a ranked list. Returned
// documents that are unjudged count as non-relevant. Duplicates are counted once.
func Contingency(ranked []string, j Judgments) Confusion {
	var c Confusion
	seen := make(map[string]struct{}, len(ranked))
	for _, doc := range ranked {
		if _, dup := seen[doc]; dup {
			continue
		}
		seen[doc] = struct{}{}
		if j.Relevant(doc) {
			c.TP++
		} else {
			c.FP++
		}
	}
	for doc, grade := range j {
		if _, ok := seen[doc]; ok {
			continue
		}
		if grade > 0 {
			c.FN++
		} else {
			c.TN++
		}
	}
	return c
}

// FBeta is (1+β²)·p·r / (β²·p + r).
func FBeta(p, r, beta float64) float64 {
	b2 := beta * beta
	return SafeDiv((1+b2)*p*r, b2*p+r)
}

// BetaLabel formats a beta for use in metric names.
func BetaLabel(beta float64) string {
	return strconv.FormatFloat(beta, 'f', -1, 64)
}

// RelevanceFlags marks each returned document as relevant or not.
func RelevanceFlags(ranked []string, j Judgments) []bool {
	flags := make([]bool, len(ranked))
	for i, doc := range ranked {
		flags[i] = j.Relevant(doc)
	}
	return flags
}

// Grades returns the judged grade of each returned document, 0 when unjudged.
func Grades(ranked []string, j Judgments) []int {
	grades := make([]int, len(ranked))
	for i, doc := range ranked {
		grades[i] = j[doc]
	}
	return grades
}

// PrecisionAtN is the number of relevant documents in the first n divided by n.
// The denominator stays n even when fewer results were returned.
func PrecisionAtN(relevant []bool, n int) float64 {
	if n <= 0 {
		return 0
	}
	hits := 0
	for i := 0; i < n && i < len(relevant); i++ {
		if relevant[i] {
			hits++
		}
	}
	return float64(hits) / float64(n)
}

// AveragePrecision sums precision at each relevant rank and divides by the
// number of known-relevant documents, not by the relevant documents returned.
func AveragePrecision(relevant []bool, numRelevant int) float64 {
	hits := 0
	sum := 0.0
	for i, rel := range relevant {
		if rel {
			hits++
			sum += float64(hits) / float64(i+1)
		}
	}
	return SafeDiv(sum, float64(numRelevant))
}

// MAP is the arithmetic mean of per-topic average precision.
func MAP(aps []float64) float64 {
	if len(aps) == 0 {
		return 0
	}
	return stat.Mean(aps, nil)
}

// GMAP is exp(mean(log(ap+ε)))−ε over per-topic average precision.
func GMAP(aps []float64) float64 {
	if len(aps) == 0 {
		return 0
	}
	shifted := make([]float64, len(aps))
	for i, ap := range aps {
		shifted[i] = ap + gmapEpsilon
	}
	return stat.GeometricMean(shifted, nil) - gmapEpsilon
}

// DCG is Σ grade_i / log2(i+1) over the first p positions (1-based i).
func DCG(grades []int, p int) float64 {
	dcg := 0.0
	for i := 0; i < p && i < len(grades); i++ {
		dcg += float64(grades[i]) / math.Log2(float64(i+2))
	}
	return dcg
}

// NDCG divides DCG of the returned grades by DCG of the ideal ordering.
func NDCG(grades, ideal []int, p int) float64 {
	return SafeDiv(DCG(grades, p), DCG(ideal, p))
}

// Metric names used in Assessment.Metrics.
const (
	MetricMicroPrecision = "micro_avg_prec"
	MetricMicroRecall    = "micro_avg_rec"
	MetricMacroPrecision = "macro_avg_prec"
	MetricMacroRecall    = "macro_avg_rec"
	MetricMAP            = "map"
	MetricGMAP           = "gmap"
)

// MicroF names the micro-averaged F-beta metric.
func MicroF(beta float64) string { return "micro_avg_f_" + BetaLabel(beta) }

// MacroF names the macro-averaged F-beta metric.
func MacroF(beta float64) string { return "macro_avg_f_" + BetaLabel(beta) }

// PrecisionAtName names the P@N metric.
func PrecisionAtName(n int) string { return fmt.Sprintf("p@%d", n) }

// NDCGName names the NDCG@p metric.
func NDCGName(p int) string { return fmt.Sprintf("ndcg@%d", p) }

// Assess scores a run against qrels. Topics of the run without judgments are
// ignored. Per-topic values are averaged over the assessed topics.
func Assess(run Run, qrels Qrels, cutoffs []int) *Assessment {
	if len(cutoffs) == 0 {
		cutoffs = DefaultCutoffs
	}

	topicIDs := make([]string, 0, len(run))
	for id := range run {
		if _, ok := qrels[id]; ok {
			topicIDs = append(topicIDs, id)
		}
	}
	sort.Strings(topicIDs)

	a := &Assessment{
		Topics:  make([]TopicAssessment, 0, len(topicIDs)),
		Metrics: make(map[string]float64),
	}

	var micro Confusion
	var precisions, recalls, aps []float64
	pAt := make(map[int][]float64, len(cutoffs))
	ndcg := make(map[int][]float64, len(cutoffs))

	for _, id := range topicIDs {
		j := qrels[id]
		ranked := run[id]
		flags := RelevanceFlags(ranked, j)
		grades := Grades(ranked, j)
		ideal := j.IdealGrades()

		conf := Contingency(ranked, j)
		ta := TopicAssessment{
			TopicID:     id,
			Confusion:   conf,
			Precision:   conf.Precision(),
			Recall:      conf.Recall(),
			FBeta:       make(map[string]float64, len(Betas)),
			PrecisionAt: make(map[int]float64, len(cutoffs)),
			AvgPrec:     AveragePrecision(flags, j.NumRelevant()),
			NDCG:        make(map[int]float64, len(cutoffs)),
		}
		for _, b := range Betas {
			ta.FBeta[BetaLabel(b)] = FBeta(ta.Precision, ta.Recall, b)
		}
		for _, n := range cutoffs {
			ta.PrecisionAt[n] = PrecisionAtN(flags, n)
			ta.NDCG[n] = NDCG(grades, ideal, n)
			pAt[n] = append(pAt[n], ta.PrecisionAt[n])
			ndcg[n] = append(ndcg[n], ta.NDCG[n])
		}

		micro = micro.Add(conf)
		precisions = append(precisions, ta.Precision)
		recalls = append(recalls, ta.Recall)
		aps = append(aps, ta.AvgPrec)
		a.Topics = append(a.Topics, ta)
	}

	microP, microR := micro.Precision(), micro.Recall()
	macroP, macroR := mean(precisions), mean(recalls)

	a.Metrics[MetricMicroPrecision] = microP
	a.Metrics[MetricMicroRecall] = microR
	a.Metrics[MetricMacroPrecision] = macroP
	a.Metrics[MetricMacroRecall] = macroR
	for _, b := range Betas {
		a.Metrics[MicroF(b)] = FBeta(microP, microR, b)
		a.Metrics[MacroF(b)] = FBeta(macroP, macroR, b)
	}
	for _, n := range cutoffs {
		a.Metrics[PrecisionAtName(n)] = mean(pAt[n])
		a.Metrics[NDCGName(n)] = mean(ndcg[n])
	}
	a.Metrics[MetricMAP] = MAP(aps)
	a.Metrics[MetricGMAP] = GMAP(aps)

	return a
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}
