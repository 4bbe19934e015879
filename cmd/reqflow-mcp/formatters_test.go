package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/reqflow/internal/models"
)

func TestFormatProgress(t *testing.T) {
	p := models.NewWorkflowProgress("req_1")
	p.Steps[0].Status = models.StepStatusCompleted
	p.Steps[1].Status = models.StepStatusProcessing
	p.Steps[1].Current = models.IntPtr(2)
	p.Steps[1].Total = models.IntPtr(5)
	p.CurrentStepIndex = 1
	p.InProgress = true

	out := formatProgress(p)
	assert.Contains(t, out, "**req_1** (running)")
	assert.Contains(t, out, "1. [x] Generating search queries\n")
	assert.Contains(t, out, "2. [~] Searching the web (2/5) <- current\n")
	assert.Contains(t, out, "5. [ ] Analyzing market\n")
}

func TestFormatProgress_Completed(t *testing.T) {
	p := models.NewWorkflowProgress("req_1")
	for i := range p.Steps {
		p.Steps[i].Status = models.StepStatusCompleted
	}
	p.CurrentStepIndex = len(p.Steps)

	out := formatProgress(p)
	assert.Contains(t, out, "(completed)")
	assert.NotContains(t, out, "<- current")
}

func TestFormatRequirements(t *testing.T) {
	assert.Equal(t, "No requirements found.", formatRequirements(nil))

	out := formatRequirements([]*models.Requirement{{
		ID:        "req_1",
		Title:     "Pipes | fittings",
		Status:    models.RequirementStatusAnalyzing,
		CreatedAt: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
	}})
	assert.Contains(t, out, "| req_1 | Pipes \\| fittings | Analyzing | 2025-03-01 09:30 |")
}
