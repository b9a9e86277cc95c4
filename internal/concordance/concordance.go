// Package concordance measures how stable a non-deterministic ranking
// function is. It repeats every query several times per grid point of two
// ranking parameters and scores the agreement of the repeated rankings with
// Kendall's W.
package concordance

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ricesearch/rice-eval/internal/evaluation"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
	"github.com/ricesearch/rice-eval/internal/search"
	"github.com/ricesearch/rice-eval/internal/task"
	"github.com/ricesearch/rice-eval/internal/topics"
)

// OutputFile is the grid summary written to the output directory.
const OutputFile = "kendall_w.csv"

// Default ranking parameter names of the random walk ranking function.
const (
	DefaultWalkParam   = "l"
	DefaultRepeatParam = "r"
)

// Config configures a grid run.
type Config struct {
	Searcher search.Searcher
	Topics   []topics.Topic

	// Query builds the query string of a topic. Defaults to the title.
	Query func(topics.Topic) string

	RankingFunction string
	WalkParam       string
	RepeatParam     string
	WalkLengths     []int
	RepeatCounts    []int

	// Repeats is the number of rankings collected per topic and grid point.
	Repeats int
	Limit   int

	// OutDir holds one CSV per ranking and the summary file.
	OutDir string

	// Force recomputes rankings that already exist on disk.
	Force bool

	// Parallelism bounds concurrent topics within a grid point.
	Parallelism int

	Logger *logger.Logger
}

// Cell is the concordance of one topic at one grid point.
type Cell struct {
	WalkLength  int
	RepeatCount int
	TopicID     string
	KendallW    float64
	Cached      int
}

func (c *Config) validate() error {
	switch {
	case c.Searcher == nil:
		return apperrors.InternalError("concordance requires a searcher", nil)
	case c.OutDir == "":
		return apperrors.ValidationError("output directory is required")
	case len(c.WalkLengths) == 0 || len(c.RepeatCounts) == 0:
		return apperrors.ValidationError("walk length and repeat count grids cannot be empty")
	case c.Repeats < 2:
		return apperrors.ValidationError("at least two repeats are needed to measure concordance")
	}
	for _, p := range []string{c.WalkParam, c.RepeatParam} {
		if err := task.CheckParamToken(p); err != nil {
			return apperrors.ValidationError("ranking parameter name: " + err.Error())
		}
	}
	// repeated rankings are written to one directory per topic
	for _, t := range c.Topics {
		if err := task.CheckSegment(t.ID); err != nil {
			return apperrors.ValidationError("topic id cannot name an output directory: "+err.Error()).WithDetail("topic", t.ID)
		}
	}
	return nil
}

func (c *Config) defaults() {
	if c.Query == nil {
		c.Query = func(t topics.Topic) string { return t.Title }
	}
	if c.WalkParam == "" {
		c.WalkParam = DefaultWalkParam
	}
	if c.RepeatParam == "" {
		c.RepeatParam = DefaultRepeatParam
	}
	if c.Limit <= 0 {
		c.Limit = 1000
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	c.Logger = logger.OrDefault(c.Logger)
}

// Run evaluates the whole grid and writes OutputFile. Cells are returned in
// grid order, then topic order.
func Run(ctx context.Context, cfg Config) ([]Cell, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.defaults()

	if err := os.MkdirAll(cfg.OutDir, 0755); err != nil {
		return nil, apperrors.InternalError("failed to create output directory", err)
	}

	var cells []Cell
	for _, l := range cfg.WalkLengths {
		for _, r := range cfg.RepeatCounts {
			got, err := runPoint(ctx, &cfg, l, r)
			if err != nil {
				return nil, err
			}
			cells = append(cells, got...)
		}
	}

	if err := writeSummary(filepath.Join(cfg.OutDir, OutputFile), cells); err != nil {
		return nil, err
	}
	return cells, nil
}

func runPoint(ctx context.Context, cfg *Config, l, r int) ([]Cell, error) {
	cells := make([]Cell, len(cfg.Topics))
	log := cfg.Logger.With("walk_length", l, "repeat_count", r)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallelism)

	var mu sync.Mutex
	for i, topic := range cfg.Topics {
		g.Go(func() error {
			cell, err := runTopic(gctx, cfg, l, r, topic)
			if err != nil {
				return err
			}
			mu.Lock()
			cells[i] = cell
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, c := range cells {
		log.Debug("Topic concordance", "topic", c.TopicID, "kendall_w", c.KendallW, "cached", c.Cached)
	}
	return cells, nil
}

func runTopic(ctx context.Context, cfg *Config, l, r int, topic topics.Topic) (Cell, error) {
	cell := Cell{WalkLength: l, RepeatCount: r, TopicID: topic.ID}
	dir := filepath.Join(cfg.OutDir, fmt.Sprintf("%s=%d__%s=%d", cfg.WalkParam, l, cfg.RepeatParam, r), topic.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return cell, apperrors.InternalError("failed to create output directory", err)
	}

	rankings := make([][]string, 0, cfg.Repeats)
	for i := 1; i <= cfg.Repeats; i++ {
		path := filepath.Join(dir, fmt.Sprintf("repeat_%d.csv", i))

		if !cfg.Force {
			if ranking, err := readRanking(path); err == nil {
				rankings = append(rankings, ranking)
				cell.Cached++
				continue
			}
		}

		if err := ctx.Err(); err != nil {
			return cell, err
		}
		resp, err := cfg.Searcher.Search(ctx, search.Request{
			Query:           cfg.Query(topic),
			Limit:           cfg.Limit,
			RankingFunction: cfg.RankingFunction,
			RankingParams: map[string]string{
				cfg.WalkParam:   strconv.Itoa(l),
				cfg.RepeatParam: strconv.Itoa(r),
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return cell, ctx.Err()
			}
			return cell, apperrors.CollaboratorError("search failed for topic "+topic.ID, err)
		}
		if err := writeRanking(path, resp.Results); err != nil {
			return cell, err
		}

		ranking := make([]string, len(resp.Results))
		for j, res := range resp.Results {
			ranking[j] = res.ID
		}
		rankings = append(rankings, ranking)
	}

	cell.KendallW = evaluation.KendallW(rankings)
	return cell, nil
}

func writeRanking(path string, results []search.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return apperrors.InternalError("failed to write ranking", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"rank", "score", "doc_id"})
	for i, res := range results {
		w.Write([]string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(res.Score, 'g', -1, 64),
			res.ID,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return apperrors.InternalError("failed to write ranking", err)
	}
	return f.Close()
}

func readRanking(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
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
		if len(rec) < 3 {
			return nil, fmt.Errorf("%s: short record", path)
		}
		rank, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("%s: bad rank %q", path, rec[0])
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

func writeSummary(path string, cells []Cell) error {
	f, err := os.Create(path)
	if err != nil {
		return apperrors.InternalError("failed to write summary", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"walk_length", "repeat_count", "topic_id", "kendall_w"})
	for _, c := range cells {
		w.Write([]string{
			strconv.Itoa(c.WalkLength),
			strconv.Itoa(c.RepeatCount),
			c.TopicID,
			strconv.FormatFloat(c.KendallW, 'f', 6, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return apperrors.InternalError("failed to write summary", err)
	}
	return f.Close()
}
