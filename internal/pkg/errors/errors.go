// Package errors provides the error taxonomy shared by the task store, evaluators and scheduler.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	// Rejected at enqueue time; never reach the scheduler.
	CodeValidation        = "VALIDATION_ERROR"
	CodeMissingRunID      = "MISSING_RUN_ID"
	CodeDuplicateRunID    = "DUPLICATE_RUN_ID"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"

	// Local to one task run.
	CodeAlreadyExists = "ALREADY_EXISTS"
	CodeMissingInput  = "MISSING_INPUT"
	CodeCollaborator  = "COLLABORATOR_ERROR"
	CodeInterrupted   = "INTERRUPTED"

	CodeNotFound    = "NOT_FOUND"
	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeRateLimited = "RATE_LIMITED"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code for this error.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeMissingRunID, CodeUnsupportedFormat:
		return http.StatusBadRequest
	case CodeDuplicateRunID, CodeAlreadyExists:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMissingInput:
		return http.StatusUnprocessableEntity
	case CodeCollaborator:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// MissingRunIDError is returned when a task is enqueued without a run identifier.
func MissingRunIDError() *AppError {
	return New(CodeMissingRunID, "run id is required")
}

// DuplicateRunIDError is returned when a run identifier is already taken.
func DuplicateRunIDError(runID string) *AppError {
	return New(CodeDuplicateRunID, fmt.Sprintf("run id %q already exists", runID)).WithDetail("run_id", runID)
}

// UnsupportedFormatError is returned for evaluation formats with no evaluator.
func UnsupportedFormatError(format string) *AppError {
	return New(CodeUnsupportedFormat, fmt.Sprintf("unsupported evaluation format %q", format)).WithDetail("format", format)
}

// NotFoundError creates a not found error.
func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// AlreadyExistsError creates an already exists error.
func AlreadyExistsError(resource string) *AppError {
	return New(CodeAlreadyExists, fmt.Sprintf("%s already exists", resource))
}

// MissingInputError reports an input artifact that cannot be read.
func MissingInputError(path string, err error) *AppError {
	return Wrap(CodeMissingInput, fmt.Sprintf("input %s is missing", path), err).WithDetail("path", path)
}

// CollaboratorError wraps a failure of the search engine or the remote judging service.
func CollaboratorError(message string, err error) *AppError {
	return Wrap(CodeCollaborator, message, err)
}

// InterruptedError marks a run that stopped at an interrupt checkpoint.
func InterruptedError(taskID string) *AppError {
	return New(CodeInterrupted, "evaluation interrupted").WithDetail("task_id", taskID)
}

// RateLimitedError is returned when a client exceeds its request budget.
func RateLimitedError(retryAfterSeconds int) *AppError {
	return New(CodeRateLimited, "too many requests").WithDetail("retry_after", fmt.Sprint(retryAfterSeconds))
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// Code returns the code of the first AppError in err's chain, or "" if there is none.
func Code(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && Code(err) == code
}

// IsNotFound checks if error is a not found error.
func IsNotFound(err error) bool {
	return Is(err, CodeNotFound)
}

// IsValidation reports whether err belongs to the enqueue-time validation class.
func IsValidation(err error) bool {
	switch Code(err) {
	case CodeValidation, CodeMissingRunID, CodeDuplicateRunID, CodeUnsupportedFormat:
		return true
	}
	return false
}

// ErrorResponse is the standard JSON error response structure.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON writes a JSON error response to the ResponseWriter.
func WriteJSON(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Ignore encoding errors - headers already sent
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteError writes an error response. AppErrors keep their code and status;
// anything else is reported as an opaque internal error.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		WriteJSON(w, appErr.HTTPStatus(), ErrorResponse{
			Error:   appErr.Message,
			Code:    appErr.Code,
			Details: appErr.Details,
		})
		return
	}

	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error: "internal server error",
		Code:  CodeInternal,
	})
}
