package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cmdrelay/cmdrelay/internal/dispatch"
	"github.com/cmdrelay/cmdrelay/internal/palette"
	"github.com/cmdrelay/cmdrelay/internal/store"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.depther.Depth(r.Context(), dispatch.DefaultJobsQueue)
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}
	results, err := s.depther.Depth(r.Context(), dispatch.DefaultResultsQueue)
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		JobsQueued:    jobs,
		ResultsQueued: results,
	})
}

// handleSubmit handles POST /jobs. Validation happens here, synchronously:
// a rejected invocation never creates a job.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd, err := s.palette.Validate(req.Template, req.Args)
	if err != nil {
		s.writeValidationError(w, err)
		return
	}

	jobID, err := s.dispatcher.Submit(r.Context(), &cmd, req.Env, "", req.Inputs, req.Outputs)
	if err != nil {
		s.logger.Error("submit failed", "template", req.Template, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "submission failed, retry later")
		return
	}

	s.writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: jobID, Status: string(store.StatusDispatched)})
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	rec, err := s.records.Get(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("record lookup failed", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "record lookup failed")
		return
	}

	resp := JobStatusResponse{
		JobID:      rec.JobID,
		Status:     string(rec.Status),
		RetryCount: rec.RetryCount,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		Result:     rec.Result,
	}
	if rec.Envelope != nil {
		resp.Template = rec.Envelope.Template
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetResult handles GET /jobs/{jobID}/result?timeout=30s. The wait is
// the caller's alone; timing out here leaves the job running.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = parsed
	}
	if timeout > s.config.MaxResultWait {
		timeout = s.config.MaxResultWait
	}

	res, err := s.dispatcher.Await(r.Context(), jobID, timeout)
	switch {
	case errors.Is(err, dispatch.ErrAwaitTimeout):
		s.writeError(w, http.StatusRequestTimeout, "job still running")
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		s.logger.Error("await failed", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "await failed")
	default:
		s.writeJSON(w, http.StatusOK, res)
	}
}

// handleCancel handles POST /jobs/{jobID}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	err := s.dispatcher.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, dispatch.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("cancel failed", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
	default:
		s.writeJSON(w, http.StatusOK, SubmitResponse{JobID: jobID, Status: string(store.StatusFailed)})
	}
}

// handlePalette handles GET /palette.
func (s *Server) handlePalette(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, PaletteResponse{Templates: s.palette.Names()})
}

// handleEvents handles GET /events?since=N, serving the ring buffer of recent
// lifecycle events for polling clients.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = parsed
	}

	evs := s.events.SnapshotSince(since)
	resp := EventsResponse{Events: evs, LastID: since}
	if len(evs) > 0 {
		resp.LastID = evs[len(evs)-1].ID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// writeValidationError maps the validation taxonomy onto status codes. The
// message carries the classification; backend internals never leak here.
func (s *Server) writeValidationError(w http.ResponseWriter, err error) {
	var unknown *palette.UnknownTemplateError
	if errors.As(err, &unknown) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var missing *palette.MissingArgumentError
	var invalid *palette.InvalidArgumentError
	var unexpected *palette.UnexpectedArgumentError
	if errors.As(err, &missing) || errors.As(err, &invalid) || errors.As(err, &unexpected) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeError(w, http.StatusBadRequest, "validation failed")
}
