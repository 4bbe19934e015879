// -----------------------------------------------------------------------
// DuckDuckGo search provider used by the process-queries stage
// -----------------------------------------------------------------------

package search

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/tmc/langchaingo/tools/duckduckgo"
	"golang.org/x/time/rate"
)

// Caller is the subset of the langchaingo tool the provider needs
type Caller interface {
	Call(ctx context.Context, input string) (string, error)
}

// Option configures a DuckDuckGoProvider
type Option func(*DuckDuckGoProvider)

// WithCaller replaces the search backend (tests pass a stub)
func WithCaller(caller Caller) Option {
	return func(p *DuckDuckGoProvider) { p.caller = caller }
}

// WithInterval sets the minimum gap between searches
func WithInterval(interval time.Duration) Option {
	return func(p *DuckDuckGoProvider) {
		if interval <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		p.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// DuckDuckGoProvider implements interfaces.SearchProvider
type DuckDuckGoProvider struct {
	caller  Caller
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// NewDuckDuckGoProvider creates a rate-limited DuckDuckGo provider
func NewDuckDuckGoProvider(cfg *common.SearchConfig, logger arbor.ILogger, opts ...Option) (*DuckDuckGoProvider, error) {
	p := &DuckDuckGoProvider{logger: logger}
	WithInterval(common.ParseDurationOr(cfg.RateLimit, time.Second))(p)

	for _, opt := range opts {
		opt(p)
	}

	if p.caller == nil {
		tool, err := duckduckgo.New(max(cfg.MaxResults, 1), duckduckgo.DefaultUserAgent)
		if err != nil {
			return nil, fmt.Errorf("failed to create duckduckgo client: %w", err)
		}
		p.caller = tool
	}
	return p, nil
}

// Search runs query and returns up to maxResults hits. No results is not an error.
func (p *DuckDuckGoProvider) Search(ctx context.Context, query string, maxResults int) ([]interfaces.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit wait: %w", err)
	}

	// The tool reports no results as a plain sentence with a nil error,
	// which parses to zero hits.
	raw, err := p.caller.Call(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := ParseResults(raw)
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}

	p.logger.Debug().
		Str("query", query).
		Int("hits", len(hits)).
		Msg("Search completed")

	return hits, nil
}

// ParseResults parses the text block the duckduckgo tool returns:
//
//	Title: ...
//	Description: ...
//	URL: ...
//
// Entries without a URL are dropped.
func ParseResults(raw string) []interfaces.SearchHit {
	var hits []interfaces.SearchHit
	var current interfaces.SearchHit

	flush := func() {
		if current.URL != "" {
			hits = append(hits, current)
		}
		current = interfaces.SearchHit{}
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "Title:"):
			if current.Title != "" || current.URL != "" {
				flush()
			}
			current.Title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
		case strings.HasPrefix(line, "Description:"):
			current.Snippet = strings.TrimSpace(strings.TrimPrefix(line, "Description:"))
		case strings.HasPrefix(line, "URL:"):
			current.URL = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
		}
	}
	flush()
	return hits
}
