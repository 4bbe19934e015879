package handlers

import (
	"bytes"
	"fmt"
	"html"
	"net/http"

	"github.com/microcosm-cc/bluemonday"
	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const reportPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<h1>%s</h1>
<article>
%s
</article>
</body>
</html>
`

// ReportHandler renders a finished market analysis as HTML
type ReportHandler struct {
	workflow WorkflowService
	markdown goldmark.Markdown
	policy   *bluemonday.Policy
	logger   arbor.ILogger
}

func NewReportHandler(workflow WorkflowService, logger arbor.ILogger) *ReportHandler {
	return &ReportHandler{
		workflow: workflow,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:   bluemonday.UGCPolicy(),
		logger:   logger,
	}
}

// ReportHandler serves the analysis of a completed requirement
func (h *ReportHandler) ReportHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	requirement, err := h.workflow.GetRequirement(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if !requirement.HasAnalysis() {
		WriteError(w, http.StatusNotFound, "analysis not available yet")
		return
	}

	var buf bytes.Buffer
	if err := h.markdown.Convert([]byte(requirement.MarketAnalysis), &buf); err != nil {
		WriteServiceError(w, h.logger, fmt.Errorf("failed to render analysis: %w", err))
		return
	}

	// LLM output is untrusted
	body := h.policy.SanitizeBytes(buf.Bytes())
	title := html.EscapeString(requirement.Title)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, reportPage, title, title, body)
}
