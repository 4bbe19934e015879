package stages

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Prompts holds the system and user templates for the LLM-backed stages.
// User templates are text/template strings rendered with promptData.
type Prompts struct {
	GenerateQueriesSystem string `yaml:"generate_queries_system"`
	GenerateQueriesUser   string `yaml:"generate_queries_user"`
	SummarizeSystem       string `yaml:"summarize_system"`
	SummarizeUser         string `yaml:"summarize_user"`
	AnalyzeSystem         string `yaml:"analyze_system"`
	AnalyzeUser           string `yaml:"analyze_user"`
}

// promptData is the value user templates are executed against
type promptData struct {
	Title            string
	ProblemStatement string
	IndustryType     string
	TargetAudience   string
	QueryCount       int
	SourceURL        string
	SourceTitle      string
	SourceContent    string
	Summaries        []string
}

// DefaultPrompts returns the built-in prompt set
func DefaultPrompts() *Prompts {
	return &Prompts{
		GenerateQueriesSystem: `You are a market research assistant. You write focused web search queries that uncover ` +
			`market size, competitors, customer pain points and pricing for a product idea. ` +
			`Respond with JSON only: {"queries": ["..."]}.`,
		GenerateQueriesUser: `Write {{.QueryCount}} distinct web search queries for this product requirement.

Problem statement: {{.ProblemStatement}}
{{- if .IndustryType}}
Industry: {{.IndustryType}}{{end}}
{{- if .TargetAudience}}
Target audience: {{.TargetAudience}}{{end}}`,
		SummarizeSystem: `You summarise web pages for a market analyst. Keep facts, figures, competitor names and ` +
			`customer quotes. Drop navigation, ads and boilerplate. Answer in at most 200 words of plain text.`,
		SummarizeUser: `Summarise this source in the context of the problem: {{.ProblemStatement}}

Source: {{.SourceTitle}} ({{.SourceURL}})

{{.SourceContent}}`,
		AnalyzeSystem: `You are a senior product strategist. Using only the research provided, write a market ` +
			`analysis in Markdown with the sections: Market Overview, Target Customers, Competitors, ` +
			`Opportunities, Risks, Recommendation.`,
		AnalyzeUser: `Requirement: {{.Title}}

Problem statement: {{.ProblemStatement}}
{{- if .IndustryType}}
Industry: {{.IndustryType}}{{end}}
{{- if .TargetAudience}}
Target audience: {{.TargetAudience}}{{end}}

Research summaries:
{{range $i, $s := .Summaries}}
{{add $i 1}}. {{$s}}
{{end}}`,
	}
}

// LoadPrompts reads YAML overrides from path on top of the defaults.
// An empty path returns the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	prompts := DefaultPrompts()
	if path == "" {
		return prompts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file %s: %w", path, err)
	}

	var overrides Prompts
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	prompts.merge(&overrides)

	// Fail at startup rather than mid-run
	for name, tmpl := range prompts.userTemplates() {
		if _, err := parseTemplate(name, tmpl); err != nil {
			return nil, err
		}
	}
	return prompts, nil
}

func (p *Prompts) merge(o *Prompts) {
	set := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	set(&p.GenerateQueriesSystem, o.GenerateQueriesSystem)
	set(&p.GenerateQueriesUser, o.GenerateQueriesUser)
	set(&p.SummarizeSystem, o.SummarizeSystem)
	set(&p.SummarizeUser, o.SummarizeUser)
	set(&p.AnalyzeSystem, o.AnalyzeSystem)
	set(&p.AnalyzeUser, o.AnalyzeUser)
}

func (p *Prompts) userTemplates() map[string]string {
	return map[string]string{
		"generate_queries_user": p.GenerateQueriesUser,
		"summarize_user":        p.SummarizeUser,
		"analyze_user":          p.AnalyzeUser,
	}
}

var templateFuncs = template.FuncMap{
	"add": func(a, b int) int { return a + b },
}

func parseTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

func render(name, text string, data promptData) (string, error) {
	tmpl, err := parseTemplate(name, text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return buf.String(), nil
}
