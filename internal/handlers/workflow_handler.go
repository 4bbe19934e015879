package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
)

// WorkflowHandler starts, inspects and resets analysis runs
type WorkflowHandler struct {
	workflow WorkflowService
	logger   arbor.ILogger
}

func NewWorkflowHandler(workflow WorkflowService, logger arbor.ILogger) *WorkflowHandler {
	return &WorkflowHandler{
		workflow: workflow,
		logger:   logger,
	}
}

// StartAnalysisHandler launches the pipeline and returns the initial snapshot (202)
func (h *WorkflowHandler) StartAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	snapshot, err := h.workflow.StartAnalysis(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, snapshot)
}

// ProgressHandler returns the progress snapshot (GET) or force resets it (DELETE)
func (h *WorkflowHandler) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		snapshot, err := h.workflow.GetProgress(r.Context(), id)
		if err != nil {
			WriteServiceError(w, h.logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, snapshot)

	case http.MethodDelete:
		snapshot, err := h.workflow.ForceReset(r.Context(), id)
		if err != nil {
			WriteServiceError(w, h.logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, snapshot)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
