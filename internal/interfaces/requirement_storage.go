package interfaces

import (
	"context"

	"github.com/ternarybob/reqflow/internal/models"
)

// WorkflowRecordReader is the read surface the progress core needs from the remote store
type WorkflowRecordReader interface {
	// CountRows returns the number of rows in table scoped to workflowID
	CountRows(ctx context.Context, table string, workflowID string) (int, error)

	// FetchRecord returns the latest requirement record for workflowID, or models.ErrNotFound
	FetchRecord(ctx context.Context, workflowID string) (*models.Requirement, error)
}

// RequirementStorage is the relational store of requirements and their stage rows
type RequirementStorage interface {
	WorkflowRecordReader

	CreateRequirement(ctx context.Context, req *models.Requirement) error
	ListRequirements(ctx context.Context) ([]*models.Requirement, error)
	UpdateStatus(ctx context.Context, workflowID string, status models.RequirementStatus) error
	SaveAnalysis(ctx context.Context, workflowID string, analysis string) error

	ReplaceSearchQueries(ctx context.Context, workflowID string, queries []string) error
	ListSearchQueries(ctx context.Context, workflowID string, status string) ([]*models.SearchQuery, error)
	MarkQueryStatus(ctx context.Context, queryID string, status string) error

	SaveSearchResults(ctx context.Context, results []*models.SearchResult) error
	ListSearchResults(ctx context.Context, workflowID string) ([]*models.SearchResult, error)

	SaveScrapedSource(ctx context.Context, source *models.ScrapedSource) error
	ListScrapedSources(ctx context.Context, workflowID string) ([]*models.ScrapedSource, error)
	ListUnsummarizedSources(ctx context.Context, workflowID string, limit int) ([]*models.ScrapedSource, error)
	CountUnsummarizedSources(ctx context.Context, workflowID string) (int, error)

	SaveSummary(ctx context.Context, summary *models.SourceSummary) error
	ListSummaries(ctx context.Context, workflowID string) ([]*models.SourceSummary, error)

	// ClearStageRows removes every stage row for workflowID ahead of a fresh run
	ClearStageRows(ctx context.Context, workflowID string) error

	Close() error
}
