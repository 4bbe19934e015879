// -----------------------------------------------------------------------
// Stage Service - in-process implementation of the five analysis stages.
// Each handler reads and writes the requirement store and is safe to
// re-run for the same workflow.
// -----------------------------------------------------------------------

package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/models"
	"github.com/ternarybob/reqflow/internal/services/llm"
	"github.com/ternarybob/reqflow/internal/services/workers"
)

// Config holds stage limits
type Config struct {
	QueriesPerWorkflow int
	MaxResults         int
	MaxSources         int
	BatchSize          int
	SummaryInputChars  int
	FetchConcurrency   int
}

// ConfigFrom builds stage limits from the application config
func ConfigFrom(cfg *common.Config) Config {
	return Config{
		QueriesPerWorkflow: cfg.Search.QueriesPerWorkflow,
		MaxResults:         cfg.Search.MaxResults,
		MaxSources:         cfg.Scraper.MaxSources,
		BatchSize:          cfg.Pipeline.SummarizeBatchSize,
		SummaryInputChars:  cfg.Scraper.MaxContentChars,
		FetchConcurrency:   cfg.Scraper.Concurrency,
	}
}

type handlerFunc func(ctx context.Context, req models.StageRequest) (*models.StageResult, error)

// Service implements interfaces.StageInvoker in-process
type Service struct {
	storage  interfaces.RequirementStorage
	llm      interfaces.LLMService
	search   interfaces.SearchProvider
	fetcher  interfaces.ContentFetcher
	prompts  *Prompts
	config   Config
	validate *validator.Validate
	logger   arbor.ILogger
	handlers map[models.StageName]handlerFunc
}

// NewService creates the local stage service
func NewService(
	storage interfaces.RequirementStorage,
	llmService interfaces.LLMService,
	search interfaces.SearchProvider,
	fetcher interfaces.ContentFetcher,
	prompts *Prompts,
	config Config,
	logger arbor.ILogger,
) *Service {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if config.QueriesPerWorkflow <= 0 {
		config.QueriesPerWorkflow = 5
	}
	if config.MaxResults <= 0 {
		config.MaxResults = 3
	}
	if config.MaxSources <= 0 {
		config.MaxSources = 9
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 3
	}
	if config.FetchConcurrency <= 0 {
		config.FetchConcurrency = 1
	}

	s := &Service{
		storage:  storage,
		llm:      llmService,
		search:   search,
		fetcher:  fetcher,
		prompts:  prompts,
		config:   config,
		validate: validator.New(),
		logger:   logger,
	}
	s.handlers = map[models.StageName]handlerFunc{
		models.StageGenerateQueries: s.generateQueries,
		models.StageProcessQueries:  s.processQueries,
		models.StageScrape:          s.scrape,
		models.StageSummarize:       s.summarize,
		models.StageAnalyze:         s.analyze,
	}
	return s
}

// Invoke dispatches to the named stage
func (s *Service) Invoke(ctx context.Context, stage models.StageName, req models.StageRequest) (*models.StageResult, error) {
	handler, ok := s.handlers[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	if req.WorkflowID == "" {
		return nil, fmt.Errorf("stage %s: requirementId is required", stage)
	}

	s.logger.Debug().
		Str("workflow_id", req.WorkflowID).
		Str("stage", string(stage)).
		Msg("Running stage")

	return handler(ctx, req)
}

// generatedQueries is the JSON the query generation prompt asks for
type generatedQueries struct {
	Queries []string `json:"queries" validate:"required,min=1,dive,required,max=300"`
}

func (s *Service) generateQueries(ctx context.Context, req models.StageRequest) (*models.StageResult, error) {
	record, err := s.storage.FetchRecord(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	data := s.promptData(record, req.AnalysisInput)
	data.QueryCount = s.config.QueriesPerWorkflow

	reply, err := s.chat(ctx, s.prompts.GenerateQueriesSystem, "generate_queries_user", s.prompts.GenerateQueriesUser, data)
	if err != nil {
		return nil, err
	}

	queries, err := s.parseQueries(reply)
	if err != nil {
		return nil, err
	}

	if err := s.storage.ReplaceSearchQueries(ctx, req.WorkflowID, queries); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Int("queries", len(queries)).
		Msg("Search queries generated")

	return &models.StageResult{Success: true, Processed: len(queries), Total: len(queries)}, nil
}

// parseQueries accepts {"queries": [...]} or a bare array, trims, dedupes and caps the list
func (s *Service) parseQueries(reply string) ([]string, error) {
	body := llm.StripCodeFence(reply)

	var parsed generatedQueries
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &parsed.Queries); err != nil {
			return nil, fmt.Errorf("query generation returned invalid JSON: %w", err)
		}
	} else if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("query generation returned invalid JSON: %w", err)
	}

	seen := make(map[string]bool)
	queries := make([]string, 0, len(parsed.Queries))
	for _, q := range parsed.Queries {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		queries = append(queries, q)
	}
	parsed.Queries = queries

	if err := s.validate.Struct(&parsed); err != nil {
		return nil, fmt.Errorf("query generation output failed validation: %w", err)
	}

	if len(queries) > s.config.QueriesPerWorkflow {
		queries = queries[:s.config.QueriesPerWorkflow]
	}
	return queries, nil
}

func (s *Service) processQueries(ctx context.Context, req models.StageRequest) (*models.StageResult, error) {
	pending, err := s.storage.ListSearchQueries(ctx, req.WorkflowID, models.RowStatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		all, err := s.storage.ListSearchQueries(ctx, req.WorkflowID, "")
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, fmt.Errorf("no search queries for %s", req.WorkflowID)
		}
		// Already processed by an earlier invocation
		return &models.StageResult{Success: true, Total: len(all)}, nil
	}

	processed, failed := 0, 0
	for _, query := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hits, err := s.search.Search(ctx, query.Query, s.config.MaxResults)
		if err != nil {
			failed++
			s.logger.Warn().Err(err).Str("query", query.Query).Msg("Search failed")
			if markErr := s.storage.MarkQueryStatus(ctx, query.ID, models.RowStatusFailed); markErr != nil {
				return nil, markErr
			}
			continue
		}

		results := make([]*models.SearchResult, 0, len(hits))
		for _, hit := range hits {
			results = append(results, &models.SearchResult{
				RequirementID: req.WorkflowID,
				QueryID:       query.ID,
				Title:         hit.Title,
				URL:           hit.URL,
				Snippet:       hit.Snippet,
			})
		}
		if err := s.storage.SaveSearchResults(ctx, results); err != nil {
			return nil, err
		}
		if err := s.storage.MarkQueryStatus(ctx, query.ID, models.RowStatusCompleted); err != nil {
			return nil, err
		}
		processed++
	}

	if processed == 0 {
		return nil, fmt.Errorf("all %d searches failed", failed)
	}

	s.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Int("processed", processed).
		Int("failed", failed).
		Msg("Search queries processed")

	return &models.StageResult{Success: true, Processed: processed, Total: len(pending)}, nil
}

func (s *Service) scrape(ctx context.Context, req models.StageRequest) (*models.StageResult, error) {
	results, err := s.storage.ListSearchResults(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	existing, err := s.storage.ListScrapedSources(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool)
	for _, src := range existing {
		if src.Status == models.RowStatusCompleted {
			done[src.URL] = true
		}
	}

	var urls []string
	seen := make(map[string]bool)
	for _, r := range results {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		urls = append(urls, r.URL)
		if len(urls) == s.config.MaxSources {
			break
		}
	}

	var (
		mu        sync.Mutex
		attempted int
		succeeded = len(done)
	)

	pool := workers.NewPool(ctx, s.config.FetchConcurrency, s.logger)
	pool.Start()
	for _, url := range urls {
		if done[url] {
			continue
		}
		attempted++
		if err := pool.Submit(func(ctx context.Context) error {
			ok, err := s.scrapeOne(ctx, req.WorkflowID, url)
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
			return err
		}); err != nil {
			break
		}
	}
	errs := pool.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}

	if attempted > 0 && succeeded == 0 {
		return nil, fmt.Errorf("no sources could be scraped (%d attempted)", attempted)
	}

	s.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Int("attempted", attempted).
		Int("succeeded", succeeded).
		Msg("Sources scraped")

	return &models.StageResult{Success: true, Processed: succeeded, Total: len(urls)}, nil
}

// scrapeOne fetches url and records the outcome. Only storage errors are returned.
func (s *Service) scrapeOne(ctx context.Context, workflowID, url string) (bool, error) {
	source := &models.ScrapedSource{RequirementID: workflowID, URL: url}
	page, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		s.logger.Warn().Err(err).Str("url", url).Msg("Scrape failed")
		source.Status = models.RowStatusFailed
		source.Error = err.Error()
	} else {
		source.Status = models.RowStatusCompleted
		source.Title = page.Title
		source.Content = page.Content
	}
	if err := s.storage.SaveScrapedSource(ctx, source); err != nil {
		return false, err
	}
	return source.Status == models.RowStatusCompleted, nil
}

func (s *Service) summarize(ctx context.Context, req models.StageRequest) (*models.StageResult, error) {
	batch, err := s.storage.ListUnsummarizedSources(ctx, req.WorkflowID, s.config.BatchSize)
	if err != nil {
		return nil, err
	}

	record, err := s.storage.FetchRecord(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	processed := 0
	var lastErr error
	for _, src := range batch {
		data := s.promptData(record, req.AnalysisInput)
		data.SourceURL = src.URL
		data.SourceTitle = src.Title
		data.SourceContent = truncate(src.Content, s.config.SummaryInputChars)

		summary, err := s.chat(ctx, s.prompts.SummarizeSystem, "summarize_user", s.prompts.SummarizeUser, data)
		if err != nil {
			lastErr = err
			s.logger.Warn().Err(err).Str("url", src.URL).Msg("Summarisation failed")
			continue
		}
		if err := s.storage.SaveSummary(ctx, &models.SourceSummary{
			RequirementID: req.WorkflowID,
			SourceID:      src.ID,
			Summary:       strings.TrimSpace(summary),
		}); err != nil {
			return nil, err
		}
		processed++
	}

	if len(batch) > 0 && processed == 0 {
		return nil, fmt.Errorf("summarisation failed for every source in batch: %w", lastErr)
	}

	remaining, err := s.storage.CountUnsummarizedSources(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("workflow_id", req.WorkflowID).
		Int("processed", processed).
		Int("remaining", remaining).
		Msg("Summarisation batch finished")

	return &models.StageResult{Success: true, Processed: processed, Remaining: models.IntPtr(remaining)}, nil
}

func (s *Service) analyze(ctx context.Context, req models.StageRequest) (result *models.StageResult, err error) {
	defer func() {
		if err == nil {
			return
		}
		if statusErr := s.storage.UpdateStatus(context.WithoutCancel(ctx), req.WorkflowID, models.RequirementStatusFailed); statusErr != nil {
			s.logger.Warn().Err(statusErr).Str("workflow_id", req.WorkflowID).Msg("Could not mark requirement failed")
		}
	}()

	record, err := s.storage.FetchRecord(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	summaries, err := s.storage.ListSummaries(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, fmt.Errorf("no source summaries to analyse for %s", req.WorkflowID)
	}

	data := s.promptData(record, req.AnalysisInput)
	for _, sum := range summaries {
		data.Summaries = append(data.Summaries, sum.Summary)
	}

	analysis, err := s.chat(ctx, s.prompts.AnalyzeSystem, "analyze_user", s.prompts.AnalyzeUser, data)
	if err != nil {
		return nil, err
	}
	analysis = strings.TrimSpace(analysis)
	if analysis == "" {
		return nil, fmt.Errorf("analysis model returned empty content")
	}

	if err := s.storage.SaveAnalysis(ctx, req.WorkflowID, analysis); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("workflow_id", req.WorkflowID).
		Int("summaries", len(summaries)).
		Int("analysis_length", len(analysis)).
		Msg("Market analysis saved")

	return &models.StageResult{Success: true, Processed: len(summaries), Total: len(summaries)}, nil
}

// promptData merges the stored record with the request payload; the payload wins
func (s *Service) promptData(record *models.Requirement, input models.AnalysisInput) promptData {
	data := promptData{
		Title:            record.Title,
		ProblemStatement: record.ProblemStatement,
		IndustryType:     record.IndustryType,
		TargetAudience:   record.TargetAudience,
	}
	if input.ProblemStatement != "" {
		data.ProblemStatement = input.ProblemStatement
	}
	if input.IndustryType != "" {
		data.IndustryType = input.IndustryType
	}
	if input.TargetAudience != "" {
		data.TargetAudience = input.TargetAudience
	}
	return data
}

func (s *Service) chat(ctx context.Context, system, name, userTemplate string, data promptData) (string, error) {
	user, err := render(name, userTemplate, data)
	if err != nil {
		return "", err
	}
	return s.llm.Chat(ctx, []interfaces.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
}

func truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return strings.ToValidUTF8(text[:maxChars], "")
}
