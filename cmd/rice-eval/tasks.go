package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/scheduler"
	"github.com/ricesearch/rice-eval/internal/task"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [task-id]",
		Short: "Process queued tasks without the HTTP API",
		Long: `Process queued tasks in the foreground.

With a task id only that task is claimed and evaluated, then the command exits.
Without one the scheduler loop runs until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{events: true, tracing: true})
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			err = a.mgr.Run(ctx, id)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil || id == "" {
				return err
			}

			t, ok, err := a.mgr.Get(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("task %s not found", id)
			}
			fmt.Printf("%s %s %s\n", t.ID, t.RunID, t.Status)
			if t.Status == task.StatusError {
				return fmt.Errorf("task failed: %s", t.Error)
			}
			return nil
		},
	}
	return cmd
}

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an evaluation task",
		Long: `Queue an evaluation task. Input files are copied into the spool area first.

Examples:
  rice-eval enqueue --run-id bm25 --format trec --index robust04 \
      --topics topics.301-350 --assessments qrels.301-350
  rice-eval enqueue --run-id rw --format inex --index dbpedia \
      --topics topics.xml --assessments qrels.txt --param l=2,4,8 --param r=100`,
		RunE: runEnqueue,
	}

	cmd.Flags().String("run-id", "", "run identifier (required)")
	cmd.Flags().String("format", "trec", "evaluation format (inex, trec, ll-api)")
	cmd.Flags().String("index", "", "index location")
	cmd.Flags().String("index-type", "", "index type")
	cmd.Flags().String("query-type", "", "query type")
	cmd.Flags().String("retrieval-task", task.RetrievalDocument, "retrieval task (document_retrieval, entity_retrieval)")
	cmd.Flags().String("ranking-function", "", "ranking function")
	cmd.Flags().StringArray("param", nil, "ranking parameter candidates as name=v1,v2 (repeatable)")
	cmd.Flags().String("topics", "", "topics file")
	cmd.Flags().String("assessments", "", "relevance judgments file")
	cmd.Flags().String("valid-ids", "", "file of valid document ids, one per line")
	cmd.Flags().StringSlice("topic", nil, "only evaluate these topic ids")
	cmd.Flags().Bool("filter-by-category", false, "keep only results matching a topic category")
	cmd.Flags().String("json", "", "read the task (or an array of tasks) from a JSON file instead of flags")

	return cmd
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, appOptions{events: true})
	if err != nil {
		return err
	}
	defer a.close()

	var tasks []*task.Task
	if path, _ := cmd.Flags().GetString("json"); path != "" {
		tasks, err = readTasksJSON(path)
	} else {
		var t *task.Task
		t, err = taskFromFlags(cmd, a.mgr)
		tasks = []*task.Task{t}
	}
	if err != nil {
		return err
	}

	inserted, err := a.mgr.Enqueue(cmd.Context(), tasks...)
	for _, t := range inserted {
		fmt.Printf("%s %s\n", t.ID, t.RunID)
	}
	return err
}

func readTasksJSON(path string) ([]*task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var tasks []*task.Task
		if err := json.Unmarshal([]byte(trimmed), &tasks); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return tasks, nil
	}
	var t task.Task
	if err := json.Unmarshal([]byte(trimmed), &t); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return []*task.Task{&t}, nil
}

func taskFromFlags(cmd *cobra.Command, mgr *scheduler.Manager) (*task.Task, error) {
	f := cmd.Flags()
	formatName, _ := f.GetString("format")
	format, err := task.ParseFormat(formatName)
	if err != nil {
		return nil, err
	}

	t := &task.Task{Format: format}
	t.RunID, _ = f.GetString("run-id")
	t.IndexLocation, _ = f.GetString("index")
	t.IndexType, _ = f.GetString("index-type")
	t.QueryType, _ = f.GetString("query-type")
	t.RetrievalTask, _ = f.GetString("retrieval-task")
	t.RankingFunction, _ = f.GetString("ranking-function")
	t.TopicFilter, _ = f.GetStringSlice("topic")
	t.FilterByCategory, _ = f.GetBool("filter-by-category")

	params, _ := f.GetStringArray("param")
	t.RankingParams, err = parseParams(params)
	if err != nil {
		return nil, err
	}

	for _, in := range []struct {
		flag, kind string
		dst        *task.Artifact
	}{
		{"topics", scheduler.KindTopics, &t.Topics},
		{"assessments", scheduler.KindAssessments, &t.Assessments},
		{"valid-ids", scheduler.KindValidIDs, &t.ValidIDs},
	} {
		path, _ := f.GetString(in.flag)
		if path == "" {
			continue
		}
		art, err := spoolFile(mgr, in.kind, path)
		if err != nil {
			return nil, err
		}
		*in.dst = art
	}
	return t, nil
}

func spoolFile(mgr *scheduler.Manager, kind, path string) (task.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return task.Artifact{}, apperrors.MissingInputError(path, err)
	}
	defer f.Close()
	return mgr.Spool(kind, f)
}

// parseParams reads name=v1,v2 pairs. A repeated name adds candidates.
func parseParams(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string][]string)
	for _, p := range pairs {
		name, values, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, apperrors.ValidationError(fmt.Sprintf("invalid ranking parameter %q, want name=v1,v2", p))
		}
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				params[name] = append(params[name], v)
			}
		}
		if len(params[name]) == 0 {
			return nil, apperrors.ValidationError(fmt.Sprintf("ranking parameter %q has no candidate values", name))
		}
	}
	return params, nil
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage queued tasks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks in enqueue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := a.mgr.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRUN ID\tFORMAT\tSTATUS\tENQUEUED\tERROR")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.RunID, t.Format, t.Status, t.EnqueuedAt.Format("2006-01-02 15:04:05"), t.Error)
			}
			return w.Flush()
		},
	}
	list.Flags().Bool("json", false, "print tasks as JSON")

	reset := &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Remove a task's output and queue it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, args[0], func(ctx context.Context, a *app) (bool, error) {
				return a.mgr.Reset(ctx, args[0])
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, args[0], func(ctx context.Context, a *app) (bool, error) {
				return a.mgr.Delete(ctx, args[0])
			})
		},
	}

	rename := &cobra.Command{
		Use:   "rename <task-id> <run-id>",
		Short: "Change the run id of a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, args[0], func(ctx context.Context, a *app) (bool, error) {
				return a.mgr.Rename(ctx, args[0], args[1])
			})
		},
	}

	cmd.AddCommand(list, reset, del, rename)
	return cmd
}

// withTask runs a single-task mutation and reports unknown ids.
func withTask(cmd *cobra.Command, id string, fn func(context.Context, *app) (bool, error)) error {
	a, err := openApp(cmd, appOptions{events: true})
	if err != nil {
		return err
	}
	defer a.close()

	ok, err := fn(cmd.Context(), a)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFoundError("task " + id)
	}
	fmt.Printf("%s ok\n", id)
	return nil
}
