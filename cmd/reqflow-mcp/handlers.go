package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/handlers"
	"github.com/ternarybob/reqflow/internal/models"
)

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(action string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return textResult("Error: requirement not found")
	case errors.Is(err, models.ErrRunInProgress):
		return textResult("Error: an analysis is already running for this requirement")
	}
	return textResult(fmt.Sprintf("%s error: %v", action, err))
}

// handleCreateRequirement implements the create_requirement tool
func handleCreateRequirement(store handlers.RequirementLister, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := request.RequireString("title")
		if err != nil || strings.TrimSpace(title) == "" {
			return textResult("Error: title parameter is required"), nil
		}
		problem, err := request.RequireString("problem_statement")
		if err != nil || strings.TrimSpace(problem) == "" {
			return textResult("Error: problem_statement parameter is required"), nil
		}

		req := &models.Requirement{
			Title:            strings.TrimSpace(title),
			ProblemStatement: strings.TrimSpace(problem),
			IndustryType:     request.GetString("industry_type", ""),
			TargetAudience:   request.GetString("target_audience", ""),
		}
		if err := store.CreateRequirement(ctx, req); err != nil {
			logger.Error().Err(err).Msg("Create requirement failed")
			return errorResult("Create", err), nil
		}
		return textResult(fmt.Sprintf("Created requirement `%s` (%s)", req.ID, req.Title)), nil
	}
}

// handleListRequirements implements the list_requirements tool
func handleListRequirements(store handlers.RequirementLister, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := request.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		requirements, err := store.ListRequirements(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("List requirements failed")
			return errorResult("List", err), nil
		}
		if len(requirements) > limit {
			requirements = requirements[:limit]
		}
		return textResult(formatRequirements(requirements)), nil
	}
}

// handleStartAnalysis implements the start_analysis tool
func handleStartAnalysis(workflow handlers.WorkflowService, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("requirement_id")
		if err != nil || id == "" {
			return textResult("Error: requirement_id parameter is required"), nil
		}

		// The run outlives this call
		snapshot, err := workflow.StartAnalysis(context.WithoutCancel(ctx), id)
		if err != nil {
			logger.Warn().Err(err).Str("workflow_id", id).Msg("Start analysis failed")
			return errorResult("Start", err), nil
		}
		return textResult("Analysis started.\n\n" + formatProgress(snapshot)), nil
	}
}

// handleGetProgress implements the get_progress tool
func handleGetProgress(workflow handlers.WorkflowService, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("requirement_id")
		if err != nil || id == "" {
			return textResult("Error: requirement_id parameter is required"), nil
		}

		snapshot, err := workflow.GetProgress(ctx, id)
		if err != nil {
			return errorResult("Progress", err), nil
		}
		return textResult(formatProgress(snapshot)), nil
	}
}

// handleResetProgress implements the reset_progress tool
func handleResetProgress(workflow handlers.WorkflowService, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("requirement_id")
		if err != nil || id == "" {
			return textResult("Error: requirement_id parameter is required"), nil
		}

		snapshot, err := workflow.ForceReset(ctx, id)
		if err != nil {
			return errorResult("Reset", err), nil
		}
		logger.Info().Str("workflow_id", id).Msg("Progress reset via MCP")
		return textResult("Progress reset.\n\n" + formatProgress(snapshot)), nil
	}
}

// handleGetAnalysis implements the get_analysis tool
func handleGetAnalysis(workflow handlers.WorkflowService, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("requirement_id")
		if err != nil || id == "" {
			return textResult("Error: requirement_id parameter is required"), nil
		}

		requirement, err := workflow.GetRequirement(ctx, id)
		if err != nil {
			return errorResult("Analysis", err), nil
		}
		if !requirement.HasAnalysis() {
			return textResult(fmt.Sprintf("No analysis yet (status: %s)", requirement.Status)), nil
		}
		return textResult(fmt.Sprintf("# %s\n\n%s", requirement.Title, requirement.MarketAnalysis)), nil
	}
}
