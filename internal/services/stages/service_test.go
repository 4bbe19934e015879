package stages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/models"
	"github.com/ternarybob/reqflow/internal/storage/sqlite"
)

// MockLLMService is a testify mock of interfaces.LLMService
type MockLLMService struct {
	mock.Mock
}

func (m *MockLLMService) Chat(ctx context.Context, messages []interfaces.Message) (string, error) {
	args := m.Called(ctx, messages)
	return args.String(0), args.Error(1)
}

func (m *MockLLMService) Provider() string { return "mock" }
func (m *MockLLMService) Close() error     { return nil }

// systemIs matches a conversation whose system prompt starts with prefix
func systemIs(prefix string) interface{} {
	return mock.MatchedBy(func(msgs []interfaces.Message) bool {
		return len(msgs) > 0 && strings.HasPrefix(msgs[0].Content, prefix)
	})
}

type stubSearch struct {
	hits map[string][]interfaces.SearchHit
	err  map[string]error
}

func (s *stubSearch) Search(ctx context.Context, query string, maxResults int) ([]interfaces.SearchHit, error) {
	if err := s.err[query]; err != nil {
		return nil, err
	}
	return s.hits[query], nil
}

type stubFetcher struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   []string
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (*interfaces.PageContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.failing[url] {
		return nil, errors.New("status 403")
	}
	return &interfaces.PageContent{URL: url, Title: "Page " + url, Content: "content of " + url}, nil
}

type fixture struct {
	storage *sqlite.RequirementStorage
	llm     *MockLLMService
	search  *stubSearch
	fetcher *stubFetcher
	service *Service
	req     models.StageRequest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{Path: filepath.Join(t.TempDir(), "stages.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	storage := sqlite.NewRequirementStorage(db, logger)

	requirement := &models.Requirement{
		ID:               "REQ-1",
		Title:            "Dog walker scheduling",
		ProblemStatement: "Independent dog walkers juggle bookings over text messages",
		IndustryType:     "Pet services",
	}
	require.NoError(t, storage.CreateRequirement(context.Background(), requirement))

	f := &fixture{
		storage: storage,
		llm:     &MockLLMService{},
		search:  &stubSearch{hits: map[string][]interfaces.SearchHit{}, err: map[string]error{}},
		fetcher: &stubFetcher{failing: map[string]bool{}},
		req:     models.StageRequest{WorkflowID: "REQ-1", AnalysisInput: models.AnalysisInputFrom(requirement)},
	}
	f.service = NewService(storage, f.llm, f.search, f.fetcher, DefaultPrompts(), Config{
		QueriesPerWorkflow: 3,
		MaxResults:         2,
		MaxSources:         4,
		BatchSize:          2,
	}, logger)
	return f
}

func (f *fixture) invoke(t *testing.T, stage models.StageName) (*models.StageResult, error) {
	t.Helper()
	return f.service.Invoke(context.Background(), stage, f.req)
}

func TestInvoke_UnknownStage(t *testing.T) {
	f := newFixture(t)
	_, err := f.invoke(t, "translate")
	assert.ErrorContains(t, err, "unknown stage")

	_, err = f.service.Invoke(context.Background(), models.StageScrape, models.StageRequest{})
	assert.ErrorContains(t, err, "requirementId is required")
}

func TestGenerateQueries(t *testing.T) {
	f := newFixture(t)
	f.llm.On("Chat", mock.Anything, systemIs("You are a market research assistant")).
		Return("```json\n{\"queries\": [\"dog walker app\", \"Dog Walker App\", \" \", \"pet care market size\", \"rover competitors\", \"extra\"]}\n```", nil).
		Once()

	result, err := f.invoke(t, models.StageGenerateQueries)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Total)

	queries, err := f.storage.ListSearchQueries(context.Background(), "REQ-1", "")
	require.NoError(t, err)
	require.Len(t, queries, 3)
	assert.Equal(t, "dog walker app", queries[0].Query)
	assert.Equal(t, "rover competitors", queries[2].Query)

	count, err := f.storage.CountRows(context.Background(), models.TableSearchQueries, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	f.llm.AssertExpectations(t)
}

func TestGenerateQueries_RejectsInvalidOutput(t *testing.T) {
	for name, reply := range map[string]string{
		"not json":      "Here are some ideas: walk dogs",
		"empty list":    `{"queries": []}`,
		"blank entries": `["", "  "]`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.llm.On("Chat", mock.Anything, mock.Anything).Return(reply, nil).Once()
			_, err := f.invoke(t, models.StageGenerateQueries)
			assert.Error(t, err)
		})
	}
}

func TestGenerateQueries_AcceptsBareArray(t *testing.T) {
	f := newFixture(t)
	f.llm.On("Chat", mock.Anything, mock.Anything).Return(`["a", "b"]`, nil).Once()
	result, err := f.invoke(t, models.StageGenerateQueries)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
}

func seedQueries(t *testing.T, f *fixture, queries ...string) {
	t.Helper()
	require.NoError(t, f.storage.ReplaceSearchQueries(context.Background(), "REQ-1", queries))
}

func TestProcessQueries(t *testing.T) {
	f := newFixture(t)
	seedQueries(t, f, "q1", "q2", "q3")
	f.search.hits["q1"] = []interfaces.SearchHit{{Title: "A", URL: "https://a.example"}, {Title: "B", URL: "https://b.example"}}
	f.search.hits["q2"] = []interfaces.SearchHit{{Title: "A again", URL: "https://a.example"}}
	f.search.err["q3"] = errors.New("blocked")

	result, err := f.invoke(t, models.StageProcessQueries)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	ctx := context.Background()
	pending, err := f.storage.ListSearchQueries(ctx, "REQ-1", models.RowStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := f.storage.ListSearchQueries(ctx, "REQ-1", models.RowStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "q3", failed[0].Query)

	// Distinct URLs feed the scrape total
	count, err := f.storage.CountRows(ctx, models.TableSearchResults, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// A second invocation has nothing pending and still succeeds
	again, err := f.invoke(t, models.StageProcessQueries)
	require.NoError(t, err)
	assert.True(t, again.Success)
}

func TestProcessQueries_AllFailed(t *testing.T) {
	f := newFixture(t)
	seedQueries(t, f, "q1")
	f.search.err["q1"] = errors.New("blocked")

	_, err := f.invoke(t, models.StageProcessQueries)
	assert.ErrorContains(t, err, "all 1 searches failed")
}

func TestProcessQueries_NoQueries(t *testing.T) {
	f := newFixture(t)
	_, err := f.invoke(t, models.StageProcessQueries)
	assert.ErrorContains(t, err, "no search queries")
}

func seedResults(t *testing.T, f *fixture, urls ...string) {
	t.Helper()
	seedQueries(t, f, "q1")
	queries, err := f.storage.ListSearchQueries(context.Background(), "REQ-1", "")
	require.NoError(t, err)

	var results []*models.SearchResult
	for _, u := range urls {
		results = append(results, &models.SearchResult{RequirementID: "REQ-1", QueryID: queries[0].ID, URL: u, Title: u})
	}
	require.NoError(t, f.storage.SaveSearchResults(context.Background(), results))
}

func TestScrape_PartialFailureSucceeds(t *testing.T) {
	f := newFixture(t)
	seedResults(t, f, "https://a.example", "https://b.example", "https://a.example", "https://c.example", "https://d.example", "https://e.example")
	f.fetcher.failing["https://b.example"] = true

	result, err := f.invoke(t, models.StageScrape)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 4, result.Total, "capped at max sources")
	assert.Equal(t, []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example"}, f.fetcher.calls)

	count, err := f.storage.CountRows(context.Background(), models.TableScrapedSources, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "failed sources are not counted")

	// Re-running only retries what has not succeeded
	f.fetcher.calls = nil
	_, err = f.invoke(t, models.StageScrape)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.example"}, f.fetcher.calls)
}

func TestScrape_ConcurrentFetches(t *testing.T) {
	f := newFixture(t)
	f.service.config.FetchConcurrency = 3
	seedResults(t, f, "https://a.example", "https://b.example", "https://c.example", "https://d.example")
	f.fetcher.failing["https://c.example"] = true

	result, err := f.invoke(t, models.StageScrape)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 4, result.Total)
	assert.ElementsMatch(t, []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example"}, f.fetcher.calls)

	sources, err := f.storage.ListScrapedSources(context.Background(), "REQ-1")
	require.NoError(t, err)
	assert.Len(t, sources, 4)
}

func TestScrape_AllFailed(t *testing.T) {
	f := newFixture(t)
	seedResults(t, f, "https://a.example")
	f.fetcher.failing["https://a.example"] = true

	_, err := f.invoke(t, models.StageScrape)
	assert.ErrorContains(t, err, "no sources could be scraped")
}

func TestScrape_NothingToScrape(t *testing.T) {
	f := newFixture(t)
	result, err := f.invoke(t, models.StageScrape)
	require.NoError(t, err)
	assert.Zero(t, result.Total)
}

func seedSources(t *testing.T, f *fixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.storage.SaveScrapedSource(context.Background(), &models.ScrapedSource{
			RequirementID: "REQ-1",
			URL:           fmt.Sprintf("https://s%d.example", i),
			Title:         fmt.Sprintf("Source %d", i),
			Content:       "Walkers lose 3 hours a week to scheduling.",
			Status:        models.RowStatusCompleted,
		}))
	}
}

func TestSummarize_ReportsRemaining(t *testing.T) {
	f := newFixture(t)
	seedSources(t, f, 5)
	f.llm.On("Chat", mock.Anything, systemIs("You summarise web pages")).Return("Scheduling is painful.", nil)

	var remaining []int
	for i := 0; i < 3; i++ {
		result, err := f.invoke(t, models.StageSummarize)
		require.NoError(t, err)
		remaining = append(remaining, result.RemainingCount())
	}
	assert.Equal(t, []int{3, 1, 0}, remaining)

	summaries, err := f.storage.ListSummaries(context.Background(), "REQ-1")
	require.NoError(t, err)
	assert.Len(t, summaries, 5)
	f.llm.AssertNumberOfCalls(t, "Chat", 5)
}

func TestSummarize_BatchFailure(t *testing.T) {
	f := newFixture(t)
	seedSources(t, f, 1)
	f.llm.On("Chat", mock.Anything, mock.Anything).Return("", errors.New("model overloaded"))

	_, err := f.invoke(t, models.StageSummarize)
	assert.ErrorContains(t, err, "model overloaded")
}

func TestAnalyze_CompletesRequirement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedSources(t, f, 1)
	sources, err := f.storage.ListScrapedSources(ctx, "REQ-1")
	require.NoError(t, err)
	require.NoError(t, f.storage.SaveSummary(ctx, &models.SourceSummary{RequirementID: "REQ-1", SourceID: sources[0].ID, Summary: "Demand is strong."}))
	require.NoError(t, f.storage.UpdateStatus(ctx, "REQ-1", models.RequirementStatusAnalyzing))

	f.llm.On("Chat", mock.Anything, mock.MatchedBy(func(msgs []interfaces.Message) bool {
		return len(msgs) == 2 && strings.Contains(msgs[1].Content, "1. Demand is strong.")
	})).Return("## Market Overview\nGrowing.", nil).Once()

	_, err = f.invoke(t, models.StageAnalyze)
	require.NoError(t, err)

	record, err := f.storage.FetchRecord(ctx, "REQ-1")
	require.NoError(t, err)
	assert.True(t, record.CompletedWithContent())
	assert.Equal(t, "## Market Overview\nGrowing.", record.MarketAnalysis)
}

func TestAnalyze_FailureMarksRequirementFailed(t *testing.T) {
	f := newFixture(t)
	_, err := f.invoke(t, models.StageAnalyze)
	assert.ErrorContains(t, err, "no source summaries")

	record, err := f.storage.FetchRecord(context.Background(), "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequirementStatusFailed, record.Status)
}

func TestLoadPrompts(t *testing.T) {
	prompts, err := LoadPrompts("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPrompts().AnalyzeSystem, prompts.AnalyzeSystem)

	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("analyze_system: Be brief.\n"), 0o644))
	prompts, err = LoadPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", prompts.AnalyzeSystem)
	assert.Equal(t, DefaultPrompts().SummarizeSystem, prompts.SummarizeSystem)

	require.NoError(t, os.WriteFile(path, []byte("analyze_user: \"{{.Broken\"\n"), 0o644))
	_, err = LoadPrompts(path)
	assert.ErrorContains(t, err, "invalid prompt template")

	_, err = LoadPrompts(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRenderDefaultPrompts(t *testing.T) {
	p := DefaultPrompts()
	out, err := render("analyze_user", p.AnalyzeUser, promptData{
		Title:            "Dog walker scheduling",
		ProblemStatement: "Bookings over text",
		Summaries:        []string{"first", "second"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "1. first")
	assert.Contains(t, out, "2. second")
	assert.NotContains(t, out, "Industry:")
}

func TestHTTPInvoker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/functions/v1/summarize":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"success": true, "remaining": 4}`)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker(srv.URL+"/", "secret", arbor.NewLogger())
	req := models.StageRequest{WorkflowID: "REQ-1"}

	result, err := invoker.Invoke(context.Background(), models.StageSummarize, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.RemainingCount())

	_, err = invoker.Invoke(context.Background(), models.StageScrape, req)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, models.StageScrape, apiErr.Stage)
}
