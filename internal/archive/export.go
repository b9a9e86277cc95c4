// Package archive packages finished evaluation runs for download and renders
// cross-run summary tables.
package archive

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ricesearch/rice-eval/internal/task"
)

// Archive member names.
const (
	MetricsFile = "eval_metrics.csv"
	StatsFile   = "eval_stats.csv"
)

// Roots locates the evaluation output trees.
type Roots struct {
	Results     string
	Assessments string
}

// Export writes a zip holding each task's assessments and results subtrees
// plus the flattened metrics and query statistics of every parameter set.
// Task directories are stored under the run id.
func Export(w io.Writer, roots Roots, tasks []*task.Task) error {
	zw := zip.NewWriter(w)

	for _, t := range tasks {
		name := memberName(t.RunID)
		if err := addTree(zw, filepath.Join(roots.Assessments, t.ID), "assessments/"+name); err != nil {
			return err
		}
		if err := addTree(zw, filepath.Join(roots.Results, t.ID), "results/"+name); err != nil {
			return err
		}
	}

	params := paramNames(tasks)

	mw, err := zw.CreateHeader(&zip.FileHeader{Name: MetricsFile, Method: zip.Deflate, Modified: time.Now()})
	if err != nil {
		return err
	}
	if err := writeMetrics(mw, params, tasks); err != nil {
		return fmt.Errorf("writing %s: %w", MetricsFile, err)
	}

	sw, err := zw.CreateHeader(&zip.FileHeader{Name: StatsFile, Method: zip.Deflate, Modified: time.Now()})
	if err != nil {
		return err
	}
	if err := writeStats(sw, params, tasks); err != nil {
		return fmt.Errorf("writing %s: %w", StatsFile, err)
	}

	return zw.Close()
}

// addTree copies every regular file below dir into the zip under prefix.
// A missing dir adds nothing.
func addTree(zw *zip.Writer, dir, prefix string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = prefix + "/" + filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(dst, src)
		return err
	})
}

func memberName(runID string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(runID)
}

// paramNames returns the sorted union of ranking parameter names.
func paramNames(tasks []*task.Task) []string {
	seen := make(map[string]bool)
	for _, t := range tasks {
		for name := range t.RankingParams {
			seen[name] = true
		}
		for _, r := range t.Results {
			for name := range r.Parameters {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func paramValues(params []string, set map[string]string) []string {
	values := make([]string, len(params))
	for i, name := range params {
		values[i] = set[name]
	}
	return values
}

func writeMetrics(w io.Writer, params []string, tasks []*task.Task) error {
	cw := csv.NewWriter(w)

	header := append([]string{"run_id"}, params...)
	header = append(header, "metric", "value")
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, t := range tasks {
		for _, psid := range sortedKeys(t.Results) {
			r := t.Results[psid]
			set := r.Parameters
			if set == nil {
				set = task.ParseParameterSetID(psid)
			}
			prefix := append([]string{t.RunID}, paramValues(params, set)...)
			for _, metric := range sortedKeys(r.Metrics) {
				row := append(append([]string{}, prefix...), metric, formatValue(r.Metrics[metric]))
				if err := cw.Write(row); err != nil {
					return err
				}
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func writeStats(w io.Writer, params []string, tasks []*task.Task) error {
	cw := csv.NewWriter(w)

	header := append([]string{"run_id"}, params...)
	header = append(header, "topic_id", "query_time_ms")
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, t := range tasks {
		for _, psid := range sortedKeys(t.Stats) {
			s := t.Stats[psid]
			set := s.Parameters
			if set == nil {
				set = task.ParseParameterSetID(psid)
			}
			prefix := append([]string{t.RunID}, paramValues(params, set)...)

			rows := make([][]string, 0, len(s.QueryTimeMs)+2)
			for _, topic := range sortedKeys(s.QueryTimeMs) {
				rows = append(rows, []string{topic, formatValue(s.QueryTimeMs[topic])})
			}
			rows = append(rows,
				[]string{"total", formatValue(s.TotalQueryTimeMs)},
				[]string{"avg", formatValue(s.AvgQueryTimeMs)},
			)
			for _, r := range rows {
				if err := cw.Write(append(append([]string{}, prefix...), r...)); err != nil {
					return err
				}
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.6f", v)
}
