package models

import "time"

// Row tables written by the analysis stages, each scoped by requirement_id
const (
	TableSearchQueries   = "search_queries"
	TableSearchResults   = "search_results"
	TableScrapedSources  = "scraped_sources"
	TableSourceSummaries = "source_summaries"
)

// Row status values shared by the stage tables
const (
	RowStatusPending   = "pending"
	RowStatusCompleted = "completed"
	RowStatusFailed    = "failed"
)

// SearchQuery is one generated web search query
type SearchQuery struct {
	ID            string    `json:"id"`
	RequirementID string    `json:"requirement_id"`
	Query         string    `json:"query"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// SearchResult is one hit returned for a query
type SearchResult struct {
	ID            string    `json:"id"`
	RequirementID string    `json:"requirement_id"`
	QueryID       string    `json:"query_id"`
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	Snippet       string    `json:"snippet"`
	CreatedAt     time.Time `json:"created_at"`
}

// ScrapedSource is the extracted readable content of one result URL
type ScrapedSource struct {
	ID            string    `json:"id"`
	RequirementID string    `json:"requirement_id"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SourceSummary is the LLM summary of one scraped source
type SourceSummary struct {
	ID            string    `json:"id"`
	RequirementID string    `json:"requirement_id"`
	SourceID      string    `json:"source_id"`
	Summary       string    `json:"summary"`
	CreatedAt     time.Time `json:"created_at"`
}
