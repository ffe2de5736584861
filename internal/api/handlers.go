package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/dispatch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/launch"
	"github.com/pearmediallc/campaignlaunchermulti-sub007/internal/models"
)

// maxChildEntities bounds how many ad sets or ads one job may request.
const maxChildEntities = 50

// JobResponse is the response for POST /jobs and DELETE /jobs/{id}
type JobResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Errors []string `json:"errors,omitempty"`
}

// QueueResponse is the response for GET /queue
type QueueResponse struct {
	Stats       *models.QueueStats       `json:"stats"`
	Credentials []models.CredentialUsage `json:"credentials"`
	Requests    []models.QueuedRequest   `json:"requests,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string             `json:"status"`
	Uptime string             `json:"uptime"`
	Queue  *models.QueueStats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req launch.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate request
	if req.Owner == "" {
		s.sendError(w, http.StatusBadRequest, "owner is required")
		return
	}
	if req.AccountID == "" {
		s.sendError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.Campaign.Name == "" {
		s.sendError(w, http.StatusBadRequest, "campaign.name is required")
		return
	}
	if len(req.AdSets) > maxChildEntities {
		s.sendError(w, http.StatusBadRequest, "too many ad sets requested")
		return
	}
	if len(req.Ads) > maxChildEntities {
		s.sendError(w, http.StatusBadRequest, "too many ads requested")
		return
	}
	if len(req.Ads) > 0 && len(req.AdSets) == 0 {
		s.sendError(w, http.StatusBadRequest, "ads require at least one ad set")
		return
	}

	job, err := s.orchestrator.StartJob(r.Context(), &req)
	if err != nil {
		var exhausted *dispatch.AllExhaustedError
		if errors.As(err, &exhausted) {
			s.sendRetryAfter(w, exhausted.RetryAfter)
			return
		}
		s.logger.Error("failed to start job", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to start job")
		return
	}

	s.logger.Info("job accepted via API",
		"job_id", job.ID,
		"owner", job.Owner,
		"account_id", job.AccountID,
	)

	s.sendJSON(w, http.StatusAccepted, JobResponse{
		ID:     job.ID,
		Status: string(job.Status),
		Errors: job.Errors(),
	})
}

// handleJobStatus handles GET /api/v1/jobs/{id}
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	detail, err := s.orchestrator.JobStatus(r.Context(), id)
	if errors.Is(err, launch.ErrJobNotFound) {
		s.sendError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get job", "job_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	s.sendJSON(w, http.StatusOK, detail)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := models.JobListFilter{
		Owner:     r.URL.Query().Get("owner"),
		AccountID: r.URL.Query().Get("account_id"),
		Status:    models.JobStatus(r.URL.Query().Get("status")),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}

	jobs, err := s.orchestrator.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleCancelJob handles DELETE /api/v1/jobs/{id}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.orchestrator.CancelJob(r.Context(), id)
	switch {
	case errors.Is(err, launch.ErrJobNotFound):
		s.sendError(w, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, launch.ErrJobTerminal):
		s.sendError(w, http.StatusConflict, "Job is already finished")
		return
	case err != nil:
		s.logger.Error("failed to cancel job", "job_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}

	s.sendJSON(w, http.StatusOK, JobResponse{
		ID:     job.ID,
		Status: string(job.Status),
	})
}

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.requests.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get queue stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	usage, err := s.pool.Usage(r.Context())
	if err != nil {
		s.logger.Error("failed to get credential usage", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get credential usage")
		return
	}

	requests, err := s.requests.List(r.Context(), models.RequestListFilter{
		Status: models.RequestStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
	})
	if err != nil {
		s.logger.Error("failed to list queued requests", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list queued requests")
		return
	}

	s.sendJSON(w, http.StatusOK, QueueResponse{
		Stats:       stats,
		Credentials: usage,
		Requests:    requests,
	})
}

// handleCancelRequest handles DELETE /api/v1/queue/{id}
func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled, err := s.requests.Cancel(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to cancel request", "request_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to cancel request")
		return
	}
	if !cancelled {
		s.sendError(w, http.StatusNotFound, "Request not found or no longer queued")
		return
	}

	s.logger.Info("queued request cancelled via API", "request_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleFailures handles GET /api/v1/failures
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	filter := models.FailureListFilter{
		JobID:  r.URL.Query().Get("job_id"),
		UserID: r.URL.Query().Get("user_id"),
		Status: models.FailureStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}

	failures, err := s.failures.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list failures", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list failures")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.requests.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
		Queue:  stats,
	})
}

// sendRetryAfter answers 429 with the seconds until the soonest credential
// window reset
func (s *Server) sendRetryAfter(w http.ResponseWriter, after time.Duration) {
	seconds := int(after.Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	s.sendJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      "All credentials are exhausted",
		RetryAfter: seconds,
	})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
