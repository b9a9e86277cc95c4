package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/rice-eval/internal/archive"
	"github.com/ricesearch/rice-eval/internal/concordance"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/search"
	"github.com/ricesearch/rice-eval/internal/task"
	"github.com/ricesearch/rice-eval/internal/topics"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [task-id...]",
		Short: "Write a zip of evaluation outputs",
		Long: `Write a zip holding the results and assessments trees of the given tasks,
plus eval_metrics.csv and eval_stats.csv. Without ids every DONE task is exported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := selectTasks(cmd.Context(), a, args)
			if err != nil {
				return err
			}

			out, _ := cmd.Flags().GetString("output")
			return writeOutput(out, func(w io.Writer) error {
				roots := archive.Roots{Results: a.cfg.Eval.ResultsDir(), Assessments: a.cfg.Eval.AssessmentsDir()}
				return archive.Export(w, roots, tasks)
			})
		},
	}
	cmd.Flags().StringP("output", "o", "eval_export.zip", "output file")
	return cmd
}

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary [task-id...]",
		Short: "Render a cross-run metric table",
		Long: `Render one row per parameter set of each task and one column per metric,
highlighting the best value of every column. Without ids every DONE task is
included. The format defaults to the output file extension.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			out, _ := cmd.Flags().GetString("output")
			name, _ := cmd.Flags().GetString("format")
			if name == "" {
				name = string(archive.FormatCSV)
				if ext := filepath.Ext(out); ext != "" {
					name = ext
				}
			}
			format, err := archive.ParseFormat(name)
			if err != nil {
				return err
			}

			metrics, _ := cmd.Flags().GetStringSlice("metrics")
			if len(metrics) == 0 {
				metrics = archive.DefaultMetrics(a.cfg.Eval.Cutoffs)
			}

			tasks, err := selectTasks(cmd.Context(), a, args)
			if err != nil {
				return err
			}

			summary := archive.NewSummary(tasks, metrics)
			return writeOutput(out, func(w io.Writer) error {
				return summary.Render(cmd.Context(), w, format)
			})
		},
	}
	cmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	cmd.Flags().StringP("format", "f", "", "csv, html, tex or xlsx")
	cmd.Flags().StringSlice("metrics", nil, "metric columns (default map, gmap, p@N, ndcg@N, F1)")
	return cmd
}

func selectTasks(ctx context.Context, a *app, ids []string) ([]*task.Task, error) {
	if len(ids) == 0 {
		all, err := a.mgr.List(ctx)
		if err != nil {
			return nil, err
		}
		var done []*task.Task
		for _, t := range all {
			if t.Status == task.StatusDone {
				done = append(done, t)
			}
		}
		return done, nil
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, ok, err := a.mgr.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperrors.NotFoundError("task " + id)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// writeOutput writes to path, or stdout when path is empty or "-".
func writeOutput(path string, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func concordanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concordance",
		Short: "Measure ranking stability with Kendall's W",
		Long: `Repeat every topic query several times per grid point of two ranking
parameters and score the agreement of the repeated rankings with Kendall's W.

Rankings are cached under the output directory; --force recomputes them.

Example:
  rice-eval concordance --index dbpedia --topics topics.xml --topics-format inex \
      --ranking-function random_walk --walk-lengths 2,4,8 --repeat-counts 100,1000`,
		RunE: runConcordance,
	}

	cmd.Flags().String("index", "", "index location")
	cmd.Flags().String("index-type", "", "index type")
	cmd.Flags().String("topics", "", "topics file (required)")
	cmd.Flags().String("topics-format", "inex", "topics file format (inex, trec)")
	cmd.Flags().String("query", "title", "query built from each topic (title, entities)")
	cmd.Flags().String("ranking-function", "random_walk", "ranking function")
	cmd.Flags().String("walk-param", concordance.DefaultWalkParam, "walk length parameter name")
	cmd.Flags().String("repeat-param", concordance.DefaultRepeatParam, "repeat count parameter name")
	cmd.Flags().IntSlice("walk-lengths", []int{2, 4, 8}, "walk length grid")
	cmd.Flags().IntSlice("repeat-counts", []int{100, 1000}, "repeat count grid")
	cmd.Flags().Int("repeats", 10, "rankings per topic and grid point")
	cmd.Flags().Int("limit", 1000, "results per ranking")
	cmd.Flags().StringP("output", "o", "concordance", "output directory")
	cmd.Flags().Bool("force", false, "recompute cached rankings")
	cmd.Flags().Int("parallelism", 4, "concurrent topics per grid point")

	return cmd
}

func runConcordance(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	f := cmd.Flags()

	topicsPath, _ := f.GetString("topics")
	if topicsPath == "" {
		return apperrors.ValidationError("--topics is required")
	}
	topicsFormat, _ := f.GetString("topics-format")
	var list []topics.Topic
	switch topicsFormat {
	case "inex":
		list, err = topics.ReadFile(topicsPath, topics.ReadINEX)
	case "trec":
		list, err = topics.ReadFile(topicsPath, topics.ReadTREC)
	default:
		return apperrors.ValidationError(fmt.Sprintf("unknown topics format %q", topicsFormat))
	}
	if err != nil {
		return apperrors.MissingInputError(topicsPath, err)
	}

	query := func(t topics.Topic) string { return t.Title }
	switch q, _ := f.GetString("query"); q {
	case "title":
	case "entities":
		query = topics.Topic.EntityQuery
	default:
		return apperrors.ValidationError(fmt.Sprintf("unknown query source %q", q))
	}

	index, _ := f.GetString("index")
	indexType, _ := f.GetString("index-type")
	timeout := time.Duration(cfg.Search.TimeoutSeconds) * time.Second
	pool := search.NewPool(search.EndpointOpener(cfg.Search.Endpoint, timeout))
	defer pool.Close()

	searcher, err := pool.Get(cmd.Context(), index, indexType)
	if err != nil {
		return apperrors.CollaboratorError("failed to open searcher", err)
	}

	c := concordance.Config{
		Searcher: searcher,
		Topics:   list,
		Query:    query,
		Logger:   log,
	}
	c.RankingFunction, _ = f.GetString("ranking-function")
	c.WalkParam, _ = f.GetString("walk-param")
	c.RepeatParam, _ = f.GetString("repeat-param")
	c.WalkLengths, _ = f.GetIntSlice("walk-lengths")
	c.RepeatCounts, _ = f.GetIntSlice("repeat-counts")
	c.Repeats, _ = f.GetInt("repeats")
	c.Limit, _ = f.GetInt("limit")
	c.OutDir, _ = f.GetString("output")
	c.Force, _ = f.GetBool("force")
	c.Parallelism, _ = f.GetInt("parallelism")

	cells, err := concordance.Run(cmd.Context(), c)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\tTOPIC\tKENDALL W\n", c.WalkParam, c.RepeatParam)
	for _, cell := range cells {
		fmt.Fprintf(w, "%d\t%d\t%s\t%.4f\n", cell.WalkLength, cell.RepeatCount, cell.TopicID, cell.KendallW)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Info("Concordance written", "path", filepath.Join(c.OutDir, concordance.OutputFile))
	return nil
}
