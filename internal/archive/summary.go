package archive

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/a-h/templ"
	"github.com/xuri/excelize/v2"

	"github.com/ricesearch/rice-eval/internal/evaluation"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/task"
)

// Format is a summary output format.
type Format string

// Summary formats.
const (
	FormatCSV   Format = "csv"
	FormatHTML  Format = "html"
	FormatLaTeX Format = "tex"
	FormatXLSX  Format = "xlsx"
)

// ParseFormat maps a format name or file extension to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "csv":
		return FormatCSV, nil
	case "html", "htm":
		return FormatHTML, nil
	case "tex", "latex":
		return FormatLaTeX, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	}
	return "", apperrors.ValidationError(fmt.Sprintf("unknown summary format %q", s))
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatLaTeX:
		return "application/x-tex"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// DefaultMetrics are the summary columns used when none are requested.
func DefaultMetrics(cutoffs []int) []string {
	metrics := []string{evaluation.MetricMAP, evaluation.MetricGMAP}
	for _, n := range cutoffs {
		metrics = append(metrics, evaluation.PrecisionAtName(n))
	}
	for _, p := range cutoffs {
		metrics = append(metrics, evaluation.NDCGName(p))
	}
	return append(metrics, evaluation.MicroF(1), evaluation.MacroF(1))
}

// Row is one parameter set of one run.
type Row struct {
	RunID      string
	ParamSetID string
	Values     map[string]float64
}

// Summary is a cross-run comparison table. Every metric is higher-is-better;
// the best value of each column is highlighted when rendered.
type Summary struct {
	Metrics []string
	Rows    []Row

	best map[string]string
}

// NewSummary tabulates the given metrics for every parameter set of every
// task that has results. Metrics missing from all rows are dropped.
func NewSummary(tasks []*task.Task, metrics []string) *Summary {
	s := &Summary{best: make(map[string]string)}

	present := make(map[string]bool)
	for _, t := range tasks {
		psids := make([]string, 0, len(t.Results))
		for psid := range t.Results {
			psids = append(psids, psid)
		}
		sort.Strings(psids)

		for _, psid := range psids {
			values := t.Results[psid].Metrics
			s.Rows = append(s.Rows, Row{RunID: t.RunID, ParamSetID: psid, Values: values})
			for name := range values {
				present[name] = true
			}
		}
	}

	for _, name := range metrics {
		if present[name] {
			s.Metrics = append(s.Metrics, name)
		}
	}

	for _, name := range s.Metrics {
		best := math.Inf(-1)
		for _, r := range s.Rows {
			if v, ok := r.Values[name]; ok && v > best {
				best = v
			}
		}
		if !math.IsInf(best, -1) {
			s.best[name] = formatCell(best)
		}
	}
	return s
}

// Cell returns the display value of a metric in a row and whether it is the
// best in its column. Ties are all best.
func (s *Summary) Cell(r Row, metric string) (string, bool) {
	v, ok := r.Values[metric]
	if !ok {
		return "-", false
	}
	text := formatCell(v)
	return text, s.best[metric] == text
}

func formatCell(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

// Render writes the summary in the given format.
func (s *Summary) Render(ctx context.Context, w io.Writer, f Format) error {
	switch f {
	case FormatCSV:
		return s.WriteCSV(w)
	case FormatHTML:
		return s.HTML().Render(ctx, w)
	case FormatLaTeX:
		return s.WriteLaTeX(w)
	case FormatXLSX:
		return s.WriteXLSX(w)
	}
	return apperrors.ValidationError(fmt.Sprintf("unknown summary format %q", f))
}

func (s *Summary) header() []string {
	return append([]string{"run_id", "parameters"}, s.Metrics...)
}

// WriteCSV writes the table without highlighting.
func (s *Summary) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(s.header()); err != nil {
		return err
	}
	for _, r := range s.Rows {
		rec := []string{r.RunID, r.ParamSetID}
		for _, m := range s.Metrics {
			text, _ := s.Cell(r, m)
			rec = append(rec, text)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// HTML renders the table as an HTML fragment with best values in <strong>.
func (s *Summary) HTML() templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(`<table class="eval-summary"><thead><tr>`)
		for _, h := range s.header() {
			b.WriteString("<th>" + templ.EscapeString(h) + "</th>")
		}
		b.WriteString("</tr></thead><tbody>")
		for _, r := range s.Rows {
			b.WriteString("<tr><td>" + templ.EscapeString(r.RunID) + "</td><td>" + templ.EscapeString(r.ParamSetID) + "</td>")
			for _, m := range s.Metrics {
				text, best := s.Cell(r, m)
				if best {
					text = "<strong>" + text + "</strong>"
				}
				b.WriteString(`<td class="num">` + text + "</td>")
			}
			b.WriteString("</tr>")
		}
		b.WriteString("</tbody></table>")
		_, err := io.WriteString(w, b.String())
		return err
	})
}

var latexEscaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	"&", `\&`,
	"%", `\%`,
	"$", `\$`,
	"#", `\#`,
	"_", `\_`,
	"{", `\{`,
	"}", `\}`,
	"~", `\textasciitilde{}`,
	"^", `\textasciicircum{}`,
)

// WriteLaTeX writes a booktabs tabular with best values in \textbf.
func (s *Summary) WriteLaTeX(w io.Writer) error {
	var b strings.Builder
	b.WriteString(`\begin{tabular}{ll` + strings.Repeat("r", len(s.Metrics)) + "}\n")
	b.WriteString("\\toprule\n")

	cells := make([]string, 0, len(s.Metrics)+2)
	for _, h := range s.header() {
		cells = append(cells, latexEscaper.Replace(h))
	}
	b.WriteString(strings.Join(cells, " & ") + ` \\` + "\n")
	b.WriteString("\\midrule\n")

	for _, r := range s.Rows {
		cells = cells[:0]
		cells = append(cells, latexEscaper.Replace(r.RunID), latexEscaper.Replace(r.ParamSetID))
		for _, m := range s.Metrics {
			text, best := s.Cell(r, m)
			if best {
				text = `\textbf{` + text + "}"
			}
			cells = append(cells, text)
		}
		b.WriteString(strings.Join(cells, " & ") + ` \\` + "\n")
	}

	b.WriteString("\\bottomrule\n")
	b.WriteString("\\end{tabular}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// SheetName is the worksheet written by WriteXLSX.
const SheetName = "Summary"

// WriteXLSX writes a workbook with a bold header and bold best values.
func (s *Summary) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	for col, h := range s.header() {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetName, cell, cell, bold); err != nil {
			return err
		}
	}

	for i, r := range s.Rows {
		row := i + 2
		a, _ := excelize.CoordinatesToCellName(1, row)
		b, _ := excelize.CoordinatesToCellName(2, row)
		if err := f.SetCellValue(SheetName, a, r.RunID); err != nil {
			return err
		}
		if err := f.SetCellValue(SheetName, b, r.ParamSetID); err != nil {
			return err
		}

		for j, m := range s.Metrics {
			cell, _ := excelize.CoordinatesToCellName(j+3, row)
			v, ok := r.Values[m]
			if !ok {
				continue
			}
			if err := f.SetCellFloat(SheetName, cell, v, 4, 64); err != nil {
				return err
			}
			if _, best := s.Cell(r, m); best {
				if err := f.SetCellStyle(SheetName, cell, cell, bold); err != nil {
					return err
				}
			}
		}
	}

	return f.Write(w)
}
