package common

import (
	"github.com/google/uuid"
)

// NewRequirementID generates a requirement (workflow) ID. Format: req_<uuid>
func NewRequirementID() string {
	return "req_" + uuid.New().String()
}

// NewRowID generates an ID for a stage row (queries, results, sources, summaries)
func NewRowID() string {
	return uuid.New().String()
}
