package security

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/ricesearch/rice-eval/internal/task"
)

// Request limits for the task API.
const (
	MaxRunIDLength      = 256
	MaxSweepSize        = 10000
	MaxTasksPerRequest  = 100
	MaxTopicFilterSize  = 10000
	MaxUploadSize       = 256 * 1024 * 1024 // 256MB
	MaxRequestSize      = 10 * 1024 * 1024  // 10MB
	MaxQueryIDLength    = 256
	MaxParamValueLength = 256
)

// ValidationError represents a field validation error.
type ValidationError struct {
	Field      string
	Value      interface{}
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation failed for %s: %s (got: %v)", e.Field, e.Constraint, e.Value)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Constraint)
}

// ValidateRunID validates a run id.
// Requirements: required, at most 256 chars, valid UTF-8, no control characters.
func ValidateRunID(runID string) error {
	if runID == "" {
		return &ValidationError{Field: "run_id", Constraint: "required"}
	}
	if !utf8.ValidString(runID) {
		return &ValidationError{Field: "run_id", Constraint: "must be valid UTF-8"}
	}
	if n := utf8.RuneCountInString(runID); n > MaxRunIDLength {
		return &ValidationError{
			Field:      "run_id",
			Value:      n,
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxRunIDLength),
		}
	}
	for _, r := range runID {
		if unicode.IsControl(r) {
			return &ValidationError{Field: "run_id", Constraint: "must not contain control characters"}
		}
	}
	return nil
}

// ValidateQueryID validates a remote query id used in outcome lookups.
func ValidateQueryID(qid string) error {
	if qid == "" {
		return &ValidationError{Field: "qid", Constraint: "required"}
	}
	if len(qid) > MaxQueryIDLength {
		return &ValidationError{
			Field:      "qid",
			Value:      len(qid),
			Constraint: fmt.Sprintf("maximum length is %d characters", MaxQueryIDLength),
		}
	}
	for _, r := range qid {
		if r == '/' || unicode.IsControl(r) || unicode.IsSpace(r) {
			return &ValidationError{Field: "qid", Value: SanitizeForLog(qid), Constraint: "must be a single path segment"}
		}
	}
	return nil
}

// ValidateSweep bounds the number of parameter sets a ranking parameter
// grid expands to. Names and values end up in directory names, so they
// must not contain path or parameter set id separators.
func ValidateSweep(params map[string][]string) error {
	if err := task.CheckParams(params); err != nil {
		return &ValidationError{
			Field:      "ranking_params",
			Constraint: err.Error(),
		}
	}
	size := 1
	for name, values := range params {
		for _, v := range values {
			if len(v) > MaxParamValueLength {
				return &ValidationError{
					Field:      "ranking_params." + name,
					Value:      len(v),
					Constraint: fmt.Sprintf("values are at most %d characters", MaxParamValueLength),
				}
			}
		}
		if len(values) == 0 {
			continue
		}
		size *= len(values)
		if size > MaxSweepSize {
			return &ValidationError{
				Field:      "ranking_params",
				Constraint: fmt.Sprintf("sweep expands to more than %d parameter sets", MaxSweepSize),
			}
		}
	}
	return nil
}

// ValidateTask checks an API-submitted task and confines its artifact paths
// to spoolDir. Artifact paths are rewritten to their cleaned absolute form.
func ValidateTask(t *task.Task, spoolDir string) error {
	if err := ValidateRunID(t.RunID); err != nil {
		return err
	}
	if err := ValidateSweep(t.RankingParams); err != nil {
		return err
	}
	if len(t.TopicFilter) > MaxTopicFilterSize {
		return &ValidationError{
			Field:      "topic_filter",
			Value:      len(t.TopicFilter),
			Constraint: fmt.Sprintf("at most %d topics", MaxTopicFilterSize),
		}
	}

	for _, a := range []struct {
		field    string
		artifact *task.Artifact
	}{
		{"topics", &t.Topics},
		{"assessments", &t.Assessments},
		{"valid_ids", &t.ValidIDs},
	} {
		if a.artifact.Empty() {
			continue
		}
		abs, err := ValidateSpoolPath(a.artifact.Path, spoolDir)
		if err != nil {
			return &ValidationError{Field: a.field + ".path", Constraint: err.Error()}
		}
		a.artifact.Path = abs
	}
	return nil
}

// ValidateTasksCount validates the size of an enqueue batch.
func ValidateTasksCount(n int) error {
	if n == 0 {
		return &ValidationError{Field: "tasks", Constraint: "at least one task is required"}
	}
	if n > MaxTasksPerRequest {
		return &ValidationError{
			Field:      "tasks",
			Value:      n,
			Constraint: fmt.Sprintf("at most %d tasks per request", MaxTasksPerRequest),
		}
	}
	return nil
}
