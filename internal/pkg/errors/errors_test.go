package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeValidation, "invalid input"),
			want: "VALIDATION_ERROR: invalid input",
		},
		{
			name: "with wrapped error",
			err:  Wrap(CodeCollaborator, "search failed", errors.New("connection refused")),
			want: "COLLABORATOR_ERROR: search failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := MissingInputError("/spool/eval_topics_x", underlying)

	if !errors.Is(err, underlying) {
		t.Errorf("errors.Is() = false, want true")
	}
	if err.Details["path"] != "/spool/eval_topics_x" {
		t.Errorf("Details[path] = %q", err.Details["path"])
	}
}

func TestAppError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeMissingRunID, http.StatusBadRequest},
		{CodeUnsupportedFormat, http.StatusBadRequest},
		{CodeDuplicateRunID, http.StatusConflict},
		{CodeAlreadyExists, http.StatusConflict},
		{CodeNotFound, http.StatusNotFound},
		{CodeMissingInput, http.StatusUnprocessableEntity},
		{CodeCollaborator, http.StatusBadGateway},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeInterrupted, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test")
			if status := err.HTTPStatus(); status != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", status, tt.status)
			}
		})
	}
}

func TestCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("enqueue: %w", DuplicateRunIDError("bm25-run"))

	if got := Code(err); got != CodeDuplicateRunID {
		t.Errorf("Code() = %q, want %q", got, CodeDuplicateRunID)
	}
	if !IsValidation(err) {
		t.Error("IsValidation() = false for duplicate run id")
	}
	if IsNotFound(err) {
		t.Error("IsNotFound() = true for duplicate run id")
	}
	if Code(errors.New("plain")) != "" {
		t.Error("Code() of plain error should be empty")
	}
	if Is(nil, CodeInternal) {
		t.Error("Is(nil) should be false")
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		wantCode string
	}{
		{"app error", NotFoundError("task t1"), http.StatusNotFound, CodeNotFound},
		{"wrapped app error", fmt.Errorf("x: %w", MissingRunIDError()), http.StatusBadRequest, CodeMissingRunID},
		{"plain error", errors.New("secret detail"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Code, tt.wantCode)
			}
			if resp.Error == "secret detail" {
				t.Error("internal error message leaked to client")
			}
		})
	}
}
