package evaluator

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ricesearch/rice-eval/internal/evaluation"
	"github.com/ricesearch/rice-eval/internal/search"
)

// Output file names under assessments/<task>/<params>/.
const (
	PrecisionRecallFile  = "precision_recall_per_topic.csv"
	AveragePrecisionFile = "map_average_precision_per_topic.csv"
)

// PrecisionAtFile names the per-topic P@n file.
func PrecisionAtFile(n int) string { return fmt.Sprintf("p_at_N-%d.csv", n) }

// NDCGFile names the per-topic NDCG@p file.
func NDCGFile(p int) string { return fmt.Sprintf("ndcg_at_p-%d.csv", p) }

var topicResultsHeader = []string{"rank", "score", "doc_id", "relevant"}

// writeTopicResults writes one ranked list. The relevant column holds the
// judged grade, 0 for unjudged documents.
func writeTopicResults(path string, results []search.Result, j evaluation.Judgments) error {
	rows := make([][]string, len(results))
	for i, r := range results {
		rows[i] = []string{
			strconv.Itoa(i + 1),
			formatFloat(r.Score),
			r.ID,
			strconv.Itoa(j[r.ID]),
		}
	}
	return writeCSV(path, topicResultsHeader, rows)
}

// readRunDir loads every <topic>.csv in dir as a ranked list.
func readRunDir(dir string) (evaluation.Run, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	run := make(evaluation.Run, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		ranked, err := readTopicResults(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		run[strings.TrimSuffix(name, ".csv")] = ranked
	}
	return run, nil
}

func readTopicResults(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(topicResultsHeader)

	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	type ranked struct {
		rank int
		doc  string
	}
	var rows []ranked
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rank, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid rank %q", rec[0])
		}
		rows = append(rows, ranked{rank: rank, doc: rec[2]})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].rank < rows[j].rank })
	docs := make([]string, len(rows))
	for i, row := range rows {
		docs[i] = row.doc
	}
	return docs, nil
}

// writeAssessment writes the per-topic detail files of one parameter set.
func writeAssessment(dir string, a *evaluation.Assessment, cutoffs []int) error {
	if len(cutoffs) == 0 {
		cutoffs = evaluation.DefaultCutoffs
	}

	header := []string{"topic_id", "tp", "fp", "fn", "tn", "precision", "recall"}
	for _, b := range evaluation.Betas {
		header = append(header, "f_"+evaluation.BetaLabel(b))
	}
	rows := make([][]string, 0, len(a.Topics))
	for _, t := range a.Topics {
		row := []string{
			t.TopicID,
			strconv.Itoa(t.Confusion.TP),
			strconv.Itoa(t.Confusion.FP),
			strconv.Itoa(t.Confusion.FN),
			strconv.Itoa(t.Confusion.TN),
			formatFloat(t.Precision),
			formatFloat(t.Recall),
		}
		for _, b := range evaluation.Betas {
			row = append(row, formatFloat(t.FBeta[evaluation.BetaLabel(b)]))
		}
		rows = append(rows, row)
	}
	if err := writeCSV(filepath.Join(dir, PrecisionRecallFile), header, rows); err != nil {
		return err
	}

	perTopic := func(name, column string, value func(evaluation.TopicAssessment) float64) error {
		rows := make([][]string, 0, len(a.Topics))
		for _, t := range a.Topics {
			rows = append(rows, []string{t.TopicID, formatFloat(value(t))})
		}
		return writeCSV(filepath.Join(dir, name), []string{"topic_id", column}, rows)
	}

	if err := perTopic(AveragePrecisionFile, "average_precision", func(t evaluation.TopicAssessment) float64 {
		return t.AvgPrec
	}); err != nil {
		return err
	}
	for _, n := range cutoffs {
		n := n
		if err := perTopic(PrecisionAtFile(n), evaluation.PrecisionAtName(n), func(t evaluation.TopicAssessment) float64 {
			return t.PrecisionAt[n]
		}); err != nil {
			return err
		}
		if err := perTopic(NDCGFile(n), evaluation.NDCGName(n), func(t evaluation.TopicAssessment) float64 {
			return t.NDCG[n]
		}); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	w.Write(header)
	w.WriteAll(rows)
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
