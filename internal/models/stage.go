package models

// StageName identifies one remote stage operation
type StageName string

const (
	StageGenerateQueries StageName = "generate-queries"
	StageProcessQueries  StageName = "process-queries"
	StageScrape          StageName = "scrape"
	StageSummarize       StageName = "summarize"
	StageAnalyze         StageName = "analyze"
)

// PipelineStages are the five stages in execution order; index i drives step i
var PipelineStages = []StageName{
	StageGenerateQueries,
	StageProcessQueries,
	StageScrape,
	StageSummarize,
	StageAnalyze,
}

// StageRequest is the JSON payload sent to a stage
type StageRequest struct {
	WorkflowID string `json:"requirementId"`
	AnalysisInput
}

// StageResult is the JSON response of a stage.
// Remaining is only reported by the summarize stage.
type StageResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
	Processed int    `json:"processed,omitempty"`
	Total     int    `json:"total,omitempty"`
}

// RemainingCount returns Remaining or zero when absent
func (r *StageResult) RemainingCount() int {
	if r == nil || r.Remaining == nil || *r.Remaining < 0 {
		return 0
	}
	return *r.Remaining
}
