package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/backpost/internal/queue"
)

const (
	defaultQueueLimit = 100
	maxQueueLimit     = 1000
	maxBodyBytes      = 1 << 20
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	running, err := s.jobs.RunningCount(r.Context())
	if err != nil {
		s.logger.Error("failed to count running jobs", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		RunningJobs:   running,
	})
}

// handleEnqueue handles POST /jobs.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Payload) > 0 && req.Payload[0] != '{' {
		s.writeError(w, http.StatusBadRequest, "payload must be a JSON object")
		return
	}

	er := queue.EnqueueRequest{
		ProjectID: req.ProjectID,
		TargetURL: req.TargetURL,
		Anchor:    req.Anchor,
		Network:   req.Network,
		Payload:   req.Payload,
	}
	if req.ScheduledAt != nil {
		er.ScheduledAt = req.ScheduledAt.UTC()
	}

	job, err := s.jobs.Enqueue(r.Context(), er)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to enqueue job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	respondJSON(w, http.StatusCreated, jobResponse(job))
}

// handleGetJob handles GET /jobs/{uuid}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")

	job, err := s.jobs.GetByUUID(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_uuid", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	respondJSON(w, http.StatusOK, jobResponse(job))
}

// handleCancel handles POST /jobs/{uuid}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")

	st, err := s.jobs.RequestCancel(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotCancellable):
		respondJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Status: string(st)})
	case err != nil:
		s.logger.Error("failed to cancel job", "job_uuid", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
	default:
		respondJSON(w, http.StatusOK, CancelResponse{
			UUID:    id,
			Status:  string(st),
			Pending: st == queue.StatusRunning,
		})
	}
}

// handleQueue handles GET /queue.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultQueueLimit, 1, maxQueueLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.lister.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list queue", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list queue")
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	respondJSON(w, http.StatusOK, QueueResponse{Entries: entries, Count: len(entries)})
}

// handleWorkerRun handles POST /worker/run. The run is detached from the
// request: the response goes out before any job is claimed.
func (s *Server) handleWorkerRun(w http.ResponseWriter, r *http.Request) {
	maxJobs, err := intParam(r, "max_jobs", 1, 1, s.config.MaxJobsPerRun)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := context.WithoutCancel(r.Context())
	reqID := middleware.GetReqID(r.Context())
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		rep, err := s.runner.Run(ctx, maxJobs)
		if err != nil {
			s.logger.Error("worker run failed", "request_id", reqID, "error", err)
			return
		}
		s.logger.Info("worker run completed",
			"request_id", reqID,
			"claimed", rep.Claimed,
			"stopped", rep.Stopped,
		)
	}()

	respondJSON(w, http.StatusAccepted, RunAccepted{Accepted: true, MaxJobs: maxJobs})
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, errors.New(name + " must be an integer between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi))
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
