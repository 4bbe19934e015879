package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/ternarybob/reqflow/internal/interfaces"
)

// minReadableChars is the shortest readability result accepted before falling
// back to the markdown conversion of the main content block
const minReadableChars = 200

var (
	strictPolicy   = bluemonday.StrictPolicy()
	blankLineRegex = regexp.MustCompile(`\n{3,}`)
)

// Extract turns raw HTML into readable content. Readability is tried first; pages
// it cannot make sense of are converted to markdown from the main content block.
// Content longer than maxChars (when > 0) is truncated.
func Extract(html string, pageURL string, maxChars int) (*interfaces.PageContent, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", pageURL, err)
	}

	page := &interfaces.PageContent{URL: pageURL}

	if article, err := readability.FromReader(strings.NewReader(html), parsed); err == nil {
		page.Title = strings.TrimSpace(article.Title)
		page.Content = cleanText(strictPolicy.Sanitize(article.TextContent))
	}

	if len(page.Content) < minReadableChars {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return nil, fmt.Errorf("failed to parse html: %w", err)
		}
		if page.Title == "" {
			page.Title = extractTitle(doc)
		}
		if markdown := convertMainContent(doc, parsed); len(markdown) > len(page.Content) {
			page.Content = markdown
		}
	}

	if page.Content == "" {
		return nil, fmt.Errorf("no readable content at %s", pageURL)
	}
	page.Content = truncate(page.Content, maxChars)
	return page, nil
}

// extractTitle tries <title>, og:title, then the first h1
func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func convertMainContent(doc *goquery.Document, pageURL *url.URL) string {
	doc.Find("script, style, nav, footer, aside, noscript, iframe, form").Remove()

	content := doc.Find("main, article, [role=main], .content, .main-content, #content, #main").First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}

	html, err := content.Html()
	if err != nil || strings.TrimSpace(html) == "" {
		return ""
	}

	converter := md.NewConverter(pageURL.Scheme+"://"+pageURL.Host, true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		return ""
	}
	return cleanText(markdown)
}

func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = blankLineRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	// Back off to a rune boundary
	cut := maxChars
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
