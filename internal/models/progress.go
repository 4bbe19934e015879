// -----------------------------------------------------------------------
// Workflow Progress - per-workflow step tracking mirrored to durable storage
// -----------------------------------------------------------------------

package models

// StepStatus represents the status of a single pipeline step
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusProcessing StepStatus = "processing"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
)

// Valid reports whether s is one of the four known statuses
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusProcessing, StepStatusCompleted, StepStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is expected within a run
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// CanTransitionTo reports whether moving from s to target is legal within one run.
// Forward progress only: pending -> processing -> completed|failed. Re-asserting the
// current status is allowed, and pending may jump straight to a terminal status
// (the completion poller does this when the remote record finishes out-of-band).
// Only a reset returns a step to pending.
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	if !target.Valid() {
		return false
	}
	if s == target {
		return true
	}
	switch s {
	case StepStatusPending:
		return target == StepStatusProcessing || target.IsTerminal()
	case StepStatusProcessing:
		return target.IsTerminal()
	case StepStatusFailed:
		// the remote record may still finish out-of-band
		return target == StepStatusCompleted
	}
	return false
}

// Step is the local progress record mirroring one stage
type Step struct {
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	Current *int       `json:"current,omitempty"`
	Total   *int       `json:"total,omitempty"`
}

// WorkflowProgress is the client-local, durable progress of one workflow run
type WorkflowProgress struct {
	WorkflowID       string `json:"workflow_id"`
	Steps            []Step `json:"steps"`
	CurrentStepIndex int    `json:"current_step_index"`
	InProgress       bool   `json:"in_progress"`
}

// Pipeline step indices, in stage order
const (
	StepGenerateQueries = iota
	StepProcessQueries
	StepScrape
	StepSummarize
	StepAnalyze
)

// PipelineStepNames are the display names of the five pipeline steps, in order
var PipelineStepNames = []string{
	"Generating search queries",
	"Searching the web",
	"Scraping sources",
	"Summarizing sources",
	"Analyzing market",
}

// DefaultSteps returns a fresh pending step list for the analysis pipeline
func DefaultSteps() []Step {
	steps := make([]Step, len(PipelineStepNames))
	for i, name := range PipelineStepNames {
		steps[i] = Step{Name: name, Status: StepStatusPending}
	}
	return steps
}

// NewWorkflowProgress returns default progress for workflowID
func NewWorkflowProgress(workflowID string) *WorkflowProgress {
	return &WorkflowProgress{
		WorkflowID: workflowID,
		Steps:      DefaultSteps(),
	}
}

// Clone returns a deep copy, including counter pointers
func (p *WorkflowProgress) Clone() *WorkflowProgress {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = CloneSteps(p.Steps)
	return &out
}

// AllCompleted reports whether every step is completed
func (p *WorkflowProgress) AllCompleted() bool {
	for _, s := range p.Steps {
		if s.Status != StepStatusCompleted {
			return false
		}
	}
	return len(p.Steps) > 0
}

// ProcessingCount returns how many steps are currently processing
func (p *WorkflowProgress) ProcessingCount() int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == StepStatusProcessing {
			n++
		}
	}
	return n
}

// CloneSteps deep-copies a step slice
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = Step{Name: s.Name, Status: s.Status}
		if s.Current != nil {
			out[i].Current = IntPtr(*s.Current)
		}
		if s.Total != nil {
			out[i].Total = IntPtr(*s.Total)
		}
	}
	return out
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}
