// Package task defines the evaluation task record and its parameter sweep.
package task

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// Status is the lifecycle state of a task.
type Status string

// Task states. WAITING and RUNNING are owned by the store; the terminal
// state is decided by the evaluator outcome.
const (
	StatusWaiting   Status = "WAITING"
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusSubmitted Status = "SUBMITTED"
	StatusError     Status = "ERROR"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusDone, StatusSubmitted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition happens without a reset.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusSubmitted || s == StatusError
}

// Format selects the evaluator variant. The set is closed; adding a value
// requires a new case in the evaluator factory.
type Format int

const (
	FormatUnknown Format = iota
	FormatINEX
	FormatTREC
	FormatLivingLabs
)

var formatNames = map[Format]string{
	FormatINEX:       "inex",
	FormatTREC:       "trec",
	FormatLivingLabs: "ll-api",
}

// Formats lists the supported formats.
func Formats() []Format {
	return []Format{FormatINEX, FormatTREC, FormatLivingLabs}
}

// String returns the wire name of the format.
func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseFormat maps a wire name to a Format.
func ParseFormat(s string) (Format, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == key {
			return f, nil
		}
	}
	// accepted aliases
	switch key {
	case "living-labs", "livinglabs", "ll":
		return FormatLivingLabs, nil
	}
	return FormatUnknown, apperrors.UnsupportedFormatError(s)
}

// Filesystem reports whether the format scores locally from topic files.
func (f Format) Filesystem() bool {
	return f == FormatINEX || f == FormatTREC
}

// MarshalJSON encodes the format by name.
func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON decodes a format name.
func (f *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" || s == "unknown" {
		*f = FormatUnknown
		return nil
	}
	parsed, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Artifact references an input file in the spool area.
type Artifact struct {
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
}

// Empty reports whether no file is referenced.
func (a Artifact) Empty() bool { return a.Path == "" }

// RunResult holds the metrics of one parameter set.
type RunResult struct {
	Parameters map[string]string  `json:"parameters"`
	Metrics    map[string]float64 `json:"metrics"`
}

// RunStats holds query timings of one parameter set.
type RunStats struct {
	Parameters       map[string]string  `json:"parameters"`
	QueryTimeMs      map[string]float64 `json:"query_time_ms"`
	TotalQueryTimeMs float64            `json:"total_query_time_ms"`
	AvgQueryTimeMs   float64            `json:"avg_query_time_ms"`
}

// Finalize fills the total and average from the per-topic timings.
func (s *RunStats) Finalize() {
	s.TotalQueryTimeMs = 0
	for _, ms := range s.QueryTimeMs {
		s.TotalQueryTimeMs += ms
	}
	s.AvgQueryTimeMs = 0
	if len(s.QueryTimeMs) > 0 {
		s.AvgQueryTimeMs = s.TotalQueryTimeMs / float64(len(s.QueryTimeMs))
	}
}

// Task is a queued evaluation request.
type Task struct {
	ID               string               `json:"id"`
	RunID            string               `json:"run_id"`
	IndexLocation    string               `json:"index_location"`
	IndexType        string               `json:"index_type,omitempty"`
	Format           Format               `json:"eval_format"`
	QueryType        string               `json:"query_type,omitempty"`
	RetrievalTask    string               `json:"retrieval_task,omitempty"`
	RankingFunction  string               `json:"ranking_function,omitempty"`
	RankingParams    map[string][]string  `json:"ranking_params,omitempty"`
	Topics           Artifact             `json:"topics"`
	Assessments      Artifact             `json:"assessments"`
	ValidIDs         Artifact             `json:"valid_ids"`
	TopicFilter      []string             `json:"topic_filter,omitempty"`
	FilterByCategory bool                 `json:"filter_by_category,omitempty"`
	Status           Status               `json:"status"`
	EnqueuedAt       time.Time            `json:"enqueued_at"`
	Error            string               `json:"error,omitempty"`
	Results          map[string]RunResult `json:"results,omitempty"`
	Stats            map[string]RunStats  `json:"stats,omitempty"`
}

// Retrieval tasks understood by the query builders.
const (
	RetrievalDocument = "document_retrieval"
	RetrievalEntity   = "entity_retrieval"
)

// Validate checks the fields required at enqueue time.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.RunID) == "" {
		return apperrors.MissingRunIDError()
	}
	switch t.Format {
	case FormatINEX, FormatTREC, FormatLivingLabs:
	default:
		return apperrors.UnsupportedFormatError(t.Format.String())
	}
	if t.Format.Filesystem() {
		if t.Topics.Empty() {
			return apperrors.ValidationError("topics file is required for " + t.Format.String())
		}
		if t.Assessments.Empty() {
			return apperrors.ValidationError("assessments file is required for " + t.Format.String())
		}
	}
	if err := CheckParams(t.RankingParams); err != nil {
		return apperrors.ValidationError(err.Error()).WithDetail("field", "ranking_params")
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (t *Task) Clone() *Task {
	data, err := json.Marshal(t)
	if err != nil {
		c := *t
		return &c
	}
	var c Task
	if err := json.Unmarshal(data, &c); err != nil {
		c = *t
	}
	return &c
}

// References returns the spool paths the task depends on.
func (t *Task) References() []string {
	var refs []string
	for _, a := range []Artifact{t.Topics, t.Assessments, t.ValidIDs} {
		if !a.Empty() {
			refs = append(refs, a.Path)
		}
	}
	return refs
}
