package models

import "time"

// RequirementStatus is the lifecycle status of the remote workflow record
type RequirementStatus string

const (
	RequirementStatusDraft     RequirementStatus = "Draft"
	RequirementStatusAnalyzing RequirementStatus = "Analyzing"
	RequirementStatusCompleted RequirementStatus = "Completed"
	RequirementStatusFailed    RequirementStatus = "Failed"
)

// IsTerminal reports whether no further stage work is expected
func (s RequirementStatus) IsTerminal() bool {
	return s == RequirementStatusCompleted || s == RequirementStatusFailed
}

// Valid reports whether s is a known status
func (s RequirementStatus) Valid() bool {
	switch s {
	case RequirementStatusDraft, RequirementStatusAnalyzing, RequirementStatusCompleted, RequirementStatusFailed:
		return true
	}
	return false
}

// Requirement is the remote workflow record: one product idea and its analysis.
// The progress tracker only reads Status and MarketAnalysis.
type Requirement struct {
	ID               string            `json:"id"`
	Title            string            `json:"title" validate:"required,max=200"`
	ProblemStatement string            `json:"problem_statement" validate:"required"`
	IndustryType     string            `json:"industry_type"`
	TargetAudience   string            `json:"target_audience"`
	Status           RequirementStatus `json:"status"`
	AnalysisStatus   string            `json:"analysis_status,omitempty"`
	MarketAnalysis   string            `json:"market_analysis,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// HasAnalysis reports whether the "real content present" payload is populated
func (r *Requirement) HasAnalysis() bool {
	return r != nil && len(r.MarketAnalysis) > 0
}

// CompletedWithContent reports the terminal-success-with-payload condition
// the completion poller waits for.
func (r *Requirement) CompletedWithContent() bool {
	return r != nil && r.Status == RequirementStatusCompleted && r.HasAnalysis()
}

// AnalysisInput is the business context passed through to the stages
type AnalysisInput struct {
	ProblemStatement string `json:"problem_statement"`
	IndustryType     string `json:"industry_type,omitempty"`
	TargetAudience   string `json:"target_audience,omitempty"`
}

// AnalysisInputFrom extracts the stage context from a requirement
func AnalysisInputFrom(r *Requirement) AnalysisInput {
	return AnalysisInput{
		ProblemStatement: r.ProblemStatement,
		IndustryType:     r.IndustryType,
		TargetAudience:   r.TargetAudience,
	}
}
