package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/starbox/internal/executor"
	"github.com/michaelbrown/starbox/internal/storage"
)

const maxScriptBytes = 1 << 20

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScriptBytes)).Decode(v)
}

// --- Execution ---

type runRequest struct {
	Script *string `json:"script"`
}

type runResponse struct {
	ID         string `json:"id"`
	OK         bool   `json:"ok"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Line       string `json:"line"`
	DurationMS int64  `json:"duration_ms"`
}

func newRunResponse(o *executor.Outcome) runResponse {
	resp := runResponse{
		ID:         o.ID,
		OK:         o.OK(),
		Output:     o.Output,
		Line:       o.Line(),
		DurationMS: o.Duration.Milliseconds(),
	}
	if o.Failure != nil {
		resp.Error = o.Failure.Message
		resp.Kind = string(o.Failure.Kind)
	}
	return resp
}

// execute runs one script under the concurrency limit. trackID, when
// non-nil, receives the run id; the same id is used for cancellation and
// for the Outcome and history record.
func (s *Server) execute(ctx context.Context, script, source string, trackID func(string)) (*executor.Outcome, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	id := uuid.NewString()
	runCtx, done := s.active.Start(ctx, id)
	defer done()
	if trackID != nil {
		trackID(id)
	}

	return s.exec.Run(runCtx, executor.Request{
		ID:     id,
		Script: script,
		Grants: s.opts.Grants,
		Source: source,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Script == nil {
		writeError(w, http.StatusBadRequest, "script is required")
		return
	}

	o, err := s.execute(r.Context(), *req.Script, "http", nil)
	if err != nil {
		if r.Context().Err() != nil {
			writeError(w, http.StatusServiceUnavailable, "request cancelled")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(o))
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"active": s.active.IDs()})
}

func (s *Server) handleCancelActive(w http.ResponseWriter, r *http.Request) {
	if !s.active.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "run not active")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- History ---

func (s *Server) historyEnabled(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	opts := storage.RunListOptions{}

	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		opts.Status = storage.RunStatus(status)
	}
	opts.Digest = q.Get("digest")
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	if err := s.store.DeleteRun(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
