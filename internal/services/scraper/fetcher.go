// -----------------------------------------------------------------------
// Content fetchers for the scrape stage: plain HTTP and headless Chrome
// -----------------------------------------------------------------------

package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
)

// maxBodyBytes caps how much of a response body is read
const maxBodyBytes = 5 << 20

// FetchError is returned for non-2xx responses
type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// NewFetcher returns the fetcher selected by scraper.render_javascript
func NewFetcher(cfg *common.ScraperConfig, logger arbor.ILogger) interfaces.ContentFetcher {
	limiter := NewDomainLimiter(cfg.RequestsPerSecond)
	if cfg.RenderJavaScript {
		logger.Info().Msg("Scraper using headless Chrome")
		return NewBrowserFetcher(cfg, limiter, logger)
	}
	return NewHTTPFetcher(cfg, limiter, logger)
}

// HTTPFetcher fetches pages with net/http and extracts readable content
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxChars  int
	limiter   *DomainLimiter
	logger    arbor.ILogger
}

// NewHTTPFetcher creates an HTTP content fetcher
func NewHTTPFetcher(cfg *common.ScraperConfig, limiter *DomainLimiter, logger arbor.ILogger) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: common.ParseDurationOr(cfg.Timeout, 20*time.Second)},
		userAgent: cfg.UserAgent,
		maxChars:  cfg.MaxContentChars,
		limiter:   limiter,
		logger:    logger,
	}
}

// Fetch downloads url and extracts its content
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*interfaces.PageContent, error) {
	if err := f.limiter.Wait(ctx, url); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") && !strings.Contains(ct, "text") {
		return nil, fmt.Errorf("unsupported content type %q at %s", ct, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}

	page, err := Extract(string(body), url, f.maxChars)
	if err != nil {
		return nil, err
	}

	f.logger.Debug().
		Str("url", url).
		Int("chars", len(page.Content)).
		Dur("duration", time.Since(start)).
		Msg("Fetched page")

	return page, nil
}

// BrowserFetcher renders pages in headless Chrome before extraction
type BrowserFetcher struct {
	userAgent string
	timeout   time.Duration
	maxChars  int
	limiter   *DomainLimiter
	logger    arbor.ILogger
}

// NewBrowserFetcher creates a chromedp-backed content fetcher
func NewBrowserFetcher(cfg *common.ScraperConfig, limiter *DomainLimiter, logger arbor.ILogger) *BrowserFetcher {
	return &BrowserFetcher{
		userAgent: cfg.UserAgent,
		timeout:   common.ParseDurationOr(cfg.Timeout, 20*time.Second),
		maxChars:  cfg.MaxContentChars,
		limiter:   limiter,
		logger:    logger,
	}
}

// Fetch renders url and extracts its content. Each call gets its own browser.
func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (*interfaces.PageContent, error) {
	if err := f.limiter.Wait(ctx, url); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if f.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.userAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	start := time.Now()
	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", url, err)
	}

	page, err := Extract(html, url, f.maxChars)
	if err != nil {
		return nil, err
	}

	f.logger.Debug().
		Str("url", url).
		Int("chars", len(page.Content)).
		Dur("duration", time.Since(start)).
		Msg("Rendered page")

	return page, nil
}
