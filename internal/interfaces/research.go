package interfaces

import (
	"context"
)

// SearchHit is one web search result
type SearchHit struct {
	Title   string
	URL     string
	Snippet string
}

// SearchProvider runs a web search
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchHit, error)
}

// PageContent is the readable content extracted from a fetched page
type PageContent struct {
	URL     string
	Title   string
	Content string // markdown or plain text
}

// ContentFetcher fetches a URL and extracts readable content
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (*PageContent, error)
}
