package main

import (
	"fmt"
	"strings"

	"github.com/ternarybob/reqflow/internal/models"
)

var stepMarkers = map[models.StepStatus]string{
	models.StepStatusPending:    "[ ]",
	models.StepStatusProcessing: "[~]",
	models.StepStatusCompleted:  "[x]",
	models.StepStatusFailed:     "[!]",
}

// formatProgress renders a progress snapshot as a markdown checklist
func formatProgress(p *models.WorkflowProgress) string {
	var sb strings.Builder

	state := "idle"
	switch {
	case p.InProgress:
		state = "running"
	case p.AllCompleted():
		state = "completed"
	}
	fmt.Fprintf(&sb, "**%s** (%s)\n\n", p.WorkflowID, state)

	for i, step := range p.Steps {
		fmt.Fprintf(&sb, "%d. %s %s", i+1, stepMarkers[step.Status], step.Name)
		if step.Total != nil {
			current := 0
			if step.Current != nil {
				current = *step.Current
			}
			fmt.Fprintf(&sb, " (%d/%d)", current, *step.Total)
		}
		if i == p.CurrentStepIndex && p.InProgress {
			sb.WriteString(" <- current")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// formatRequirements renders requirements as a markdown table
func formatRequirements(requirements []*models.Requirement) string {
	if len(requirements) == 0 {
		return "No requirements found."
	}

	var sb strings.Builder
	sb.WriteString("| ID | Title | Status | Created |\n|---|---|---|---|\n")
	for _, r := range requirements {
		title := strings.ReplaceAll(r.Title, "|", "\\|")
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", r.ID, title, r.Status, r.CreatedAt.Format("2006-01-02 15:04"))
	}
	return sb.String()
}
