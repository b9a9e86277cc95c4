package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/ricesearch/rice-eval/internal/task"
)

func sampleTasks() []*task.Task {
	return []*task.Task{
		{
			ID:            "t1",
			RunID:         "bm25/run",
			RankingParams: map[string][]string{"k1": {"1.2", "2.0"}},
			Results: map[string]task.RunResult{
				"k1=1.2": {Parameters: map[string]string{"k1": "1.2"}, Metrics: map[string]float64{"map": 0.25, "p@10": 0.5}},
				"k1=2.0": {Parameters: map[string]string{"k1": "2.0"}, Metrics: map[string]float64{"map": 0.31, "p@10": 0.4}},
			},
			Stats: map[string]task.RunStats{
				"k1=1.2": {
					Parameters:       map[string]string{"k1": "1.2"},
					QueryTimeMs:      map[string]float64{"301": 10, "302": 30},
					TotalQueryTimeMs: 40,
					AvgQueryTimeMs:   20,
				},
			},
		},
		{
			ID:    "t2",
			RunID: "lm",
			Results: map[string]task.RunResult{
				task.NoParams: {Metrics: map[string]float64{"map": 0.31, "p@10": 0.3, "gmap": 0.1}},
			},
		},
	}
}

func TestExport(t *testing.T) {
	root := t.TempDir()
	roots := Roots{Results: filepath.Join(root, "results"), Assessments: filepath.Join(root, "assessments")}

	for _, p := range []string{
		"results/t1/k1=1.2/301.csv",
		"assessments/t1/k1=1.2/precision_recall_per_topic.csv",
		"results/other/k1=1.2/301.csv",
	} {
		path := filepath.Join(root, p)
		os.MkdirAll(filepath.Dir(path), 0755)
		os.WriteFile(path, []byte("rank,score,doc_id,relevant\n"), 0644)
	}

	var buf bytes.Buffer
	if err := Export(&buf, roots, sampleTasks()); err != nil {
		t.Fatalf("Export() error: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	files := make(map[string]*zip.File)
	for _, f := range zr.File {
		files[f.Name] = f
	}

	for _, want := range []string{
		"results/bm25_run/k1=1.2/301.csv",
		"assessments/bm25_run/k1=1.2/precision_recall_per_topic.csv",
		MetricsFile,
		StatsFile,
	} {
		if files[want] == nil {
			t.Errorf("archive missing %s", want)
		}
	}
	if len(files) != 4 {
		t.Errorf("archive holds %d files, want 4", len(files))
	}

	rows := readZipCSV(t, files[MetricsFile])
	if strings.Join(rows[0], ",") != "run_id,k1,metric,value" {
		t.Errorf("metrics header = %v", rows[0])
	}
	// t1: 2 sets x 2 metrics, t2: 1 set x 3 metrics
	if len(rows) != 1+4+3 {
		t.Errorf("metrics rows = %d, want 8", len(rows))
	}
	if strings.Join(rows[1], ",") != "bm25/run,1.2,map,0.250000" {
		t.Errorf("first metric row = %v", rows[1])
	}
	if rows[5][1] != "" {
		t.Errorf("unswept task should leave k1 empty, got %v", rows[5])
	}

	stats := readZipCSV(t, files[StatsFile])
	if strings.Join(stats[0], ",") != "run_id,k1,topic_id,query_time_ms" {
		t.Errorf("stats header = %v", stats[0])
	}
	if last := stats[len(stats)-1]; last[2] != "avg" || last[3] != "20.000000" {
		t.Errorf("stats last row = %v", last)
	}
}

func readZipCSV(t *testing.T, f *zip.File) [][]string {
	t.Helper()
	rc, err := f.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	rows, err := csv.NewReader(rc).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestSummaryBestValues(t *testing.T) {
	s := NewSummary(sampleTasks(), []string{"map", "p@10", "gmap", "ndcg@10"})

	if strings.Join(s.Metrics, ",") != "map,p@10,gmap" {
		t.Errorf("metrics = %v; absent columns should be dropped", s.Metrics)
	}
	if len(s.Rows) != 3 {
		t.Fatalf("rows = %d", len(s.Rows))
	}

	tests := []struct {
		row      int
		metric   string
		wantText string
		wantBest bool
	}{
		{0, "map", "0.2500", false},
		{1, "map", "0.3100", true},
		{2, "map", "0.3100", true}, // tie
		{0, "p@10", "0.5000", true},
		{0, "gmap", "-", false},
		{2, "gmap", "0.1000", true},
	}
	for _, tt := range tests {
		text, best := s.Cell(s.Rows[tt.row], tt.metric)
		if text != tt.wantText || best != tt.wantBest {
			t.Errorf("Cell(%d, %s) = %q, %v; want %q, %v", tt.row, tt.metric, text, best, tt.wantText, tt.wantBest)
		}
	}
}

func TestSummaryRender(t *testing.T) {
	s := NewSummary(sampleTasks(), []string{"map", "p@10"})
	ctx := context.Background()

	tests := []struct {
		format Format
		want   []string
	}{
		{FormatCSV, []string{"run_id,parameters,map,p@10", "lm,no_params,0.3100,0.3000"}},
		{FormatHTML, []string{`<table class="eval-summary">`, "<strong>0.5000</strong>", "<td>bm25/run</td>"}},
		{FormatLaTeX, []string{`\begin{tabular}{llrr}`, `\textbf{0.3100}`, `no\_params`, `\bottomrule`}},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var buf bytes.Buffer
			if err := s.Render(ctx, &buf, tt.format); err != nil {
				t.Fatalf("Render() error: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}

func TestSummaryHTMLEscapes(t *testing.T) {
	tasks := []*task.Task{{RunID: "<script>", Results: map[string]task.RunResult{
		task.NoParams: {Metrics: map[string]float64{"map": 1}},
	}}}
	var buf bytes.Buffer
	if err := NewSummary(tasks, []string{"map"}).HTML().Render(context.Background(), &buf); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "<script>") {
		t.Errorf("run id not escaped: %s", buf.String())
	}
}

func TestSummaryXLSX(t *testing.T) {
	s := NewSummary(sampleTasks(), []string{"map", "p@10"})

	var buf bytes.Buffer
	if err := s.Render(context.Background(), &buf, FormatXLSX); err != nil {
		t.Fatalf("Render(xlsx) error: %v", err)
	}

	f, err := excelize.OpenReader(io.NopCloser(&buf))
	if err != nil {
		t.Fatalf("OpenReader() error: %v", err)
	}
	defer f.Close()

	if v, _ := f.GetCellValue(SheetName, "C1"); v != "map" {
		t.Errorf("C1 = %q", v)
	}
	if v, _ := f.GetCellValue(SheetName, "A4"); v != "lm" {
		t.Errorf("A4 = %q", v)
	}

	boldBest, _ := f.GetCellStyle(SheetName, "D2") // p@10 0.5, best
	plain, _ := f.GetCellStyle(SheetName, "D3")
	if boldBest == plain {
		t.Error("best value not styled differently")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"csv", FormatCSV, false},
		{".xlsx", FormatXLSX, false},
		{"LaTeX", FormatLaTeX, false},
		{"htm", FormatHTML, false},
		{"pdf", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestDefaultMetrics(t *testing.T) {
	got := DefaultMetrics([]int{10})
	want := "map,gmap,p@10,ndcg@10,micro_avg_f_1,macro_avg_f_1"
	if strings.Join(got, ",") != want {
		t.Errorf("DefaultMetrics() = %v", got)
	}
}
