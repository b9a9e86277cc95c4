package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ricesearch/rice-eval/internal/archive"
	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/security"
	"github.com/ricesearch/rice-eval/internal/task"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// validationError converts a security check failure into the API taxonomy.
func validationError(err error) error {
	var ve *security.ValidationError
	if errors.As(err, &ve) {
		return apperrors.ValidationError(ve.Error()).WithDetail("field", ve.Field)
	}
	return apperrors.ValidationError(err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if id, ok := s.sched.Running(); ok {
		resp["running"] = id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

// handleListTasks handles GET /v1/tasks[?status=WAITING]
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		apperrors.WriteError(w, apperrors.ValidationError(fmt.Sprintf("unknown status %q", status)))
		return
	}

	tasks, err := s.sched.List(r.Context())
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": out})
}

// handleGetTask handles GET /v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if !ok {
		apperrors.WriteError(w, apperrors.NotFoundError("task"))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleEnqueue handles POST /v1/tasks. The body is one task or an array.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, security.MaxRequestSize))
	if err != nil {
		apperrors.WriteError(w, apperrors.ValidationError("request body too large or unreadable"))
		return
	}

	var tasks []*task.Task
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &tasks)
	} else {
		var t task.Task
		err = json.Unmarshal(trimmed, &t)
		tasks = []*task.Task{&t}
	}
	if err != nil {
		apperrors.WriteError(w, apperrors.ValidationError("invalid request body: "+err.Error()))
		return
	}

	if err := security.ValidateTasksCount(len(tasks)); err != nil {
		apperrors.WriteError(w, validationError(err))
		return
	}
	for _, t := range tasks {
		if t == nil {
			apperrors.WriteError(w, apperrors.ValidationError("task cannot be null"))
			return
		}
		if err := security.ValidateTask(t, s.eval.SpoolDir()); err != nil {
			apperrors.WriteError(w, validationError(err))
			return
		}
	}

	inserted, err := s.sched.Enqueue(r.Context(), tasks...)
	if err != nil {
		if len(inserted) > 0 {
			var appErr *apperrors.AppError
			if errors.As(err, &appErr) {
				ids := make([]string, len(inserted))
				for i, t := range inserted {
					ids[i] = t.ID
				}
				err = appErr.WithDetail("inserted", strings.Join(ids, ","))
			}
		}
		apperrors.WriteError(w, err)
		return
	}

	s.log.Info("Tasks enqueued", "count", len(inserted))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"tasks": inserted})
}

// handleDeleteTask handles DELETE /v1/tasks/{id}
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.sched.Delete(r.Context(), id)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if !ok {
		apperrors.WriteError(w, apperrors.NotFoundError("task"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResetTask handles POST /v1/tasks/{id}/reset
func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.sched.Reset(r.Context(), id)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if !ok {
		apperrors.WriteError(w, apperrors.NotFoundError("task"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(task.StatusWaiting)})
}

// handleRenameTask handles POST /v1/tasks/{id}/rename
func (s *Server) handleRenameTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, security.MaxRequestSize)).Decode(&req); err != nil {
		apperrors.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}
	if req.RunID == "" {
		apperrors.WriteError(w, apperrors.MissingRunIDError())
		return
	}
	if err := security.ValidateRunID(req.RunID); err != nil {
		apperrors.WriteError(w, validationError(err))
		return
	}

	id := chi.URLParam(r, "id")
	ok, err := s.sched.Rename(r.Context(), id, req.RunID)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if !ok {
		apperrors.WriteError(w, apperrors.NotFoundError("task"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "run_id": req.RunID})
}

// handleInterruptTask handles POST /v1/tasks/{id}/interrupt
func (s *Server) handleInterruptTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, ok, err := s.sched.Get(r.Context(), id)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if !ok {
		apperrors.WriteError(w, apperrors.NotFoundError("task"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "interrupted": s.sched.Interrupt(id)})
}

// handleOutcome handles GET /v1/tasks/{id}/outcome[/{qid}]
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	qid := chi.URLParam(r, "qid")
	if qid != "" {
		if err := security.ValidateQueryID(qid); err != nil {
			apperrors.WriteError(w, validationError(err))
			return
		}
	}

	raw, ok, err := s.sched.Outcome(r.Context(), chi.URLParam(r, "id"), qid)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if !ok {
		apperrors.WriteError(w, apperrors.NotFoundError("task"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// handleSpool handles POST /v1/spool/{kind}. The body is the raw file.
func (s *Server) handleSpool(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	art, err := s.sched.Spool(kind, http.MaxBytesReader(w, r.Body, security.MaxUploadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = apperrors.ValidationError(fmt.Sprintf("upload exceeds %d bytes", security.MaxUploadSize))
		}
		apperrors.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

// handleExportTask handles GET /v1/tasks/{id}/export
func (s *Server) handleExportTask(w http.ResponseWriter, r *http.Request) {
	t, ok, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	if !ok {
		apperrors.WriteError(w, apperrors.NotFoundError("task"))
		return
	}
	s.writeExport(w, "eval_"+t.ID+".zip", []*task.Task{t})
}

// handleExport handles GET /v1/export[?ids=a,b]. Without ids every finished
// task is exported.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.selectTasks(r)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}
	s.writeExport(w, "eval_export.zip", tasks)
}

func (s *Server) writeExport(w http.ResponseWriter, filename string, tasks []*task.Task) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	roots := archive.Roots{Results: s.eval.ResultsDir(), Assessments: s.eval.AssessmentsDir()}
	if err := archive.Export(w, roots, tasks); err != nil {
		// headers are already out; the truncated zip is unreadable
		s.log.WithError(err).Error("Export failed", "tasks", len(tasks))
	}
}

// handleSummary handles GET /v1/summary?format=&metrics=&ids=
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	format := archive.FormatCSV
	if f := q.Get("format"); f != "" {
		parsed, err := archive.ParseFormat(f)
		if err != nil {
			apperrors.WriteError(w, err)
			return
		}
		format = parsed
	}

	metrics := splitList(q.Get("metrics"))
	if len(metrics) == 0 {
		metrics = archive.DefaultMetrics(s.eval.Cutoffs)
	}

	tasks, err := s.selectTasks(r)
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := archive.NewSummary(tasks, metrics).Render(r.Context(), &buf, format); err != nil {
		apperrors.WriteError(w, apperrors.InternalError("failed to render summary", err))
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	if format == archive.FormatXLSX {
		w.Header().Set("Content-Disposition", `attachment; filename="eval_summary.xlsx"`)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// selectTasks resolves the ids query parameter. Without ids it returns every
// DONE task.
func (s *Server) selectTasks(r *http.Request) ([]*task.Task, error) {
	ids := splitList(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		all, err := s.sched.List(r.Context())
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
		t, ok, err := s.sched.Get(r.Context(), id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperrors.NotFoundError("task").WithDetail("task_id", id)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
