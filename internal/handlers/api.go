package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/services/scheduler"
)

// JobStatusLister exposes scheduled maintenance jobs
type JobStatusLister interface {
	GetAllJobStatuses() []*scheduler.JobStatus
}

// RunLister exposes workflows with an active run in this process
type RunLister interface {
	ActiveRuns() []string
}

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status            string                 `json:"status"`
	Uptime            string                 `json:"uptime"`
	ActiveRuns        []string               `json:"active_runs"`
	GoroutinesStarted int64                  `json:"goroutines_started"`
	Jobs              []*scheduler.JobStatus `json:"jobs,omitempty"`
}

type APIHandler struct {
	logger  arbor.ILogger
	jobs    JobStatusLister
	runs    RunLister
	started time.Time
}

// NewAPIHandler creates the system endpoints. jobs and runs may be nil.
func NewAPIHandler(logger arbor.ILogger, jobs JobStatusLister, runs RunLister) *APIHandler {
	return &APIHandler{
		logger:  logger,
		jobs:    jobs,
		runs:    runs,
		started: time.Now(),
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, common.GetVersionInfo())
}

// HealthHandler reports liveness plus active runs and maintenance job state
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	resp := HealthResponse{
		Status:            "ok",
		Uptime:            time.Since(h.started).Round(time.Second).String(),
		ActiveRuns:        []string{},
		GoroutinesStarted: common.GetGoroutineCount(),
	}
	if h.runs != nil {
		resp.ActiveRuns = h.runs.ActiveRuns()
	}
	if h.jobs != nil {
		resp.Jobs = h.jobs.GetAllJobStatuses()
	}
	WriteJSON(w, http.StatusOK, resp)
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"status": "error",
		"error":  "not found",
		"path":   r.URL.Path,
	})
}
