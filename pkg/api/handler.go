package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/media-overseer/pkg/checkpoint"
	"github.com/psantana5/media-overseer/pkg/jobs"
	"github.com/psantana5/media-overseer/pkg/logging"
	"github.com/psantana5/media-overseer/pkg/models"
	"github.com/psantana5/media-overseer/pkg/overseer"
)

// JobService is the part of jobs.Manager the API needs
type JobService interface {
	Submit(ctx context.Context, path string) (jobs.SubmitResult, error)
	Get(id string) (*models.Job, error)
	List(state models.JobState) ([]*models.Job, error)
	Status(ctx context.Context, id string) (models.StatusResponse, error)
	Cancel(id string) error
	Checkpoint(ctx context.Context, id string) ([]string, error)
	Counts() (running, queued int)
	HealthCheck() error
}

// Handler serves the job API
type Handler struct {
	jobs          JobService
	logger        *logging.Logger
	statusTimeout time.Duration
	metrics       http.Handler
	started       time.Time
}

// Option configures a Handler
type Option func(*Handler)

// WithMetrics serves the given handler at /metrics
func WithMetrics(h http.Handler) Option {
	return func(a *Handler) { a.metrics = h }
}

// WithStatusTimeout bounds how long a status request waits for a running job to answer
func WithStatusTimeout(d time.Duration) Option {
	return func(a *Handler) { a.statusTimeout = d }
}

// NewHandler creates a new API handler
func NewHandler(svc JobService, logger *logging.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	h := &Handler{
		jobs:          svc,
		logger:        logger.Component("api"),
		statusTimeout: 10 * time.Second,
		started:       time.Now(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/jobs", h.SubmitJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/checkpoint", h.CheckpointJob).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such endpoint")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// SubmitJob handles POST /jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusUnprocessableEntity, "path is required")
		return
	}

	res, err := h.jobs.Submit(r.Context(), req.Path)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	code := http.StatusCreated
	if res.Deduplicated {
		code = http.StatusOK
	}
	writeJSON(w, code, res.Job)
}

// ListJobs handles GET /jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	state := models.JobState(r.URL.Query().Get("state"))
	if state != "" && !models.IsValidJobState(state) {
		writeError(w, http.StatusBadRequest, "unknown state: "+string(state))
		return
	}
	list, err := h.jobs.List(state)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

// GetJob handles GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetStatus handles GET /jobs/{id}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.statusTimeout)
	defer cancel()

	resp, err := h.jobs.Status(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob handles POST /jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.jobs.Cancel(id); err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "canceled",
		"job_id": id,
	})
}

// CheckpointJob handles POST /jobs/{id}/checkpoint
func (h *Handler) CheckpointJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	dirs, err := h.jobs.Checkpoint(r.Context(), id)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":      id,
		"checkpoints": dirs,
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	running, queued := h.jobs.Counts()
	body := map[string]interface{}{
		"status":  "healthy",
		"running": running,
		"queued":  queued,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	}
	code := http.StatusOK
	if err := h.jobs.HealthCheck(); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

// writeJobError maps manager errors to HTTP status codes
func (h *Handler) writeJobError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= 500 {
		h.logger.Error("request failed", logging.Fields{"error": err})
	}
	writeError(w, code, err.Error())
}

// StatusCode returns the HTTP status for an error returned by the job manager
func StatusCode(err error) int {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobFinished), errors.Is(err, jobs.ErrNotRunning), errors.Is(err, overseer.ErrNothingRunning):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, jobs.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, overseer.ErrPrivilegedUnavailable), errors.Is(err, checkpoint.ErrNotPrivileged):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
