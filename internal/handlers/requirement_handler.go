package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/models"
)

// WorkflowService is the workflow surface the HTTP and MCP layers drive
type WorkflowService interface {
	StartAnalysis(ctx context.Context, workflowID string) (*models.WorkflowProgress, error)
	GetProgress(ctx context.Context, workflowID string) (*models.WorkflowProgress, error)
	GetRequirement(ctx context.Context, workflowID string) (*models.Requirement, error)
	ForceReset(ctx context.Context, workflowID string) (*models.WorkflowProgress, error)
}

// RequirementLister creates and lists requirement records
type RequirementLister interface {
	CreateRequirement(ctx context.Context, req *models.Requirement) error
	ListRequirements(ctx context.Context) ([]*models.Requirement, error)
}

type createRequirementRequest struct {
	Title            string `json:"title" validate:"required,max=200"`
	ProblemStatement string `json:"problem_statement" validate:"required,max=4000"`
	IndustryType     string `json:"industry_type" validate:"max=100"`
	TargetAudience   string `json:"target_audience" validate:"max=200"`
}

// RequirementHandler serves requirement records
type RequirementHandler struct {
	store    RequirementLister
	workflow WorkflowService
	validate *validator.Validate
	logger   arbor.ILogger
}

func NewRequirementHandler(store RequirementLister, workflow WorkflowService, logger arbor.ILogger) *RequirementHandler {
	return &RequirementHandler{
		store:    store,
		workflow: workflow,
		validate: validator.New(),
		logger:   logger,
	}
}

// ListHandler returns all requirements, newest first
func (h *RequirementHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	requirements, err := h.store.ListRequirements(r.Context())
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if requirements == nil {
		requirements = []*models.Requirement{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requirements": requirements,
		"count":        len(requirements),
	})
}

// CreateHandler validates and stores a new Draft requirement
func (h *RequirementHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req createRequirementRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.ProblemStatement = strings.TrimSpace(req.ProblemStatement)

	if err := h.validate.Struct(req); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	requirement := &models.Requirement{
		Title:            req.Title,
		ProblemStatement: req.ProblemStatement,
		IndustryType:     strings.TrimSpace(req.IndustryType),
		TargetAudience:   strings.TrimSpace(req.TargetAudience),
	}
	if err := h.store.CreateRequirement(r.Context(), requirement); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	h.logger.Info().Str("workflow_id", requirement.ID).Msg("Requirement created")
	WriteJSON(w, http.StatusCreated, requirement)
}

// GetHandler returns one requirement. Fetching a finished record also clears any
// progress keys it left behind.
func (h *RequirementHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	requirement, err := h.workflow.GetRequirement(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, requirement)
}
