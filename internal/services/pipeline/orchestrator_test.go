package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/models"
	"github.com/ternarybob/reqflow/internal/services/progress"
	"github.com/ternarybob/reqflow/internal/storage/memory"
)

// MockStageInvoker is a testify mock of interfaces.StageInvoker
type MockStageInvoker struct {
	mock.Mock
}

func (m *MockStageInvoker) Invoke(ctx context.Context, stage models.StageName, req models.StageRequest) (*models.StageResult, error) {
	args := m.Called(ctx, stage, req)
	result, _ := args.Get(0).(*models.StageResult)
	return result, args.Error(1)
}

// MockRecordReader is a testify mock of interfaces.WorkflowRecordReader
type MockRecordReader struct {
	mock.Mock
}

func (m *MockRecordReader) CountRows(ctx context.Context, table string, workflowID string) (int, error) {
	args := m.Called(ctx, table, workflowID)
	return args.Int(0), args.Error(1)
}

func (m *MockRecordReader) FetchRecord(ctx context.Context, workflowID string) (*models.Requirement, error) {
	args := m.Called(ctx, workflowID)
	record, _ := args.Get(0).(*models.Requirement)
	return record, args.Error(1)
}

func ok() *models.StageResult {
	return &models.StageResult{Success: true}
}

func okRemaining(n int) *models.StageResult {
	return &models.StageResult{Success: true, Remaining: models.IntPtr(n)}
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testConfig() Config {
	return Config{
		SummarizeMaxAttempts:   30,
		FallbackSearchTotal:    5,
		FallbackScrapeTotal:    9,
		FallbackSummarizeTotal: 9,
	}
}

func newTestTracker(workflowID string) *progress.Tracker {
	return progress.NewTracker(workflowID, memory.NewProgressStore(), arbor.NewLogger())
}

func statuses(p *models.WorkflowProgress) []models.StepStatus {
	out := make([]models.StepStatus, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Status
	}
	return out
}

func TestRunPipeline_ConcreteScenario(t *testing.T) {
	invoker := new(MockStageInvoker)
	invoker.On("Invoke", mock.Anything, models.StageGenerateQueries, mock.Anything).Return(ok(), nil).Once()
	// Remaining is only honoured for summarisation
	invoker.On("Invoke", mock.Anything, models.StageProcessQueries, mock.Anything).Return(okRemaining(9), nil).Once()
	invoker.On("Invoke", mock.Anything, models.StageScrape, mock.Anything).Return(ok(), nil).Once()
	invoker.On("Invoke", mock.Anything, models.StageSummarize, mock.Anything).Return(okRemaining(3), nil).Once()
	invoker.On("Invoke", mock.Anything, models.StageSummarize, mock.Anything).Return(okRemaining(0), nil).Once()
	invoker.On("Invoke", mock.Anything, models.StageAnalyze, mock.Anything).Return(ok(), nil).Once()

	counter := new(MockRecordReader)
	counter.On("CountRows", mock.Anything, models.TableSearchQueries, "REQ-1").Return(5, nil)
	counter.On("CountRows", mock.Anything, models.TableSearchResults, "REQ-1").Return(9, nil)
	counter.On("CountRows", mock.Anything, models.TableScrapedSources, "REQ-1").Return(9, nil)

	var sleeps []time.Duration
	cfg := testConfig()
	cfg.SummarizeDelay = time.Second
	cfg.CompletionDelay = 2 * time.Second
	o := NewOrchestrator(invoker, counter, arbor.NewLogger(), cfg, WithSleep(func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}))

	tracker := newTestTracker("REQ-1")
	ctx := context.Background()
	tracker.Begin(ctx)

	err := o.RunPipeline(ctx, tracker, models.AnalysisInput{ProblemStatement: "p"})
	require.NoError(t, err)

	snap := tracker.Snapshot()
	assert.True(t, snap.AllCompleted())
	assert.Equal(t, 5, snap.CurrentStepIndex)
	summarize := snap.Steps[models.StepSummarize]
	require.NotNil(t, summarize.Current)
	require.NotNil(t, summarize.Total)
	assert.Equal(t, 9, *summarize.Current)
	assert.Equal(t, 9, *summarize.Total)
	assert.Equal(t, 5, *snap.Steps[models.StepProcessQueries].Total)
	assert.False(t, snap.InProgress)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
	invoker.AssertExpectations(t)
	invoker.AssertNumberOfCalls(t, "Invoke", 6)
}

func TestRunPipeline_AbortsOnStageFailure(t *testing.T) {
	invoker := new(MockStageInvoker)
	invoker.On("Invoke", mock.Anything, models.StageGenerateQueries, mock.Anything).Return(ok(), nil)
	invoker.On("Invoke", mock.Anything, models.StageProcessQueries, mock.Anything).Return(ok(), nil)
	invoker.On("Invoke", mock.Anything, models.StageScrape, mock.Anything).Return(nil, errors.New("function timed out"))

	o := NewOrchestrator(invoker, nil, arbor.NewLogger(), testConfig(), WithSleep(noSleep))
	tracker := newTestTracker("REQ-2")

	err := o.RunPipeline(context.Background(), tracker, models.AnalysisInput{})
	require.Error(t, err)

	var stageErr *models.StageInvocationError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageScrape, stageErr.Stage)
	assert.Equal(t, 2, stageErr.StepIndex)

	assert.Equal(t, []models.StepStatus{
		models.StepStatusCompleted,
		models.StepStatusCompleted,
		models.StepStatusFailed,
		models.StepStatusPending,
		models.StepStatusPending,
	}, statuses(tracker.Snapshot()))

	invoker.AssertNotCalled(t, "Invoke", mock.Anything, models.StageSummarize, mock.Anything)
	invoker.AssertNotCalled(t, "Invoke", mock.Anything, models.StageAnalyze, mock.Anything)
}

func TestRunPipeline_SuccessFalseIsFailure(t *testing.T) {
	invoker := new(MockStageInvoker)
	invoker.On("Invoke", mock.Anything, models.StageGenerateQueries, mock.Anything).
		Return(&models.StageResult{Success: false, Message: "OpenAI quota exceeded"}, nil)

	o := NewOrchestrator(invoker, nil, arbor.NewLogger(), testConfig(), WithSleep(noSleep))
	tracker := newTestTracker("REQ-3")

	err := o.RunPipeline(context.Background(), tracker, models.AnalysisInput{})
	var stageErr *models.StageInvocationError
	require.ErrorAs(t, err, &stageErr)
	assert.Contains(t, err.Error(), "OpenAI quota exceeded")
	assert.Equal(t, models.StepStatusFailed, tracker.Snapshot().Steps[0].Status)
	invoker.AssertNumberOfCalls(t, "Invoke", 1)
}

func TestRunPipeline_FallbackTotalsWhenCountFails(t *testing.T) {
	invoker := new(MockStageInvoker)
	invoker.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return(ok(), nil)

	counter := new(MockRecordReader)
	counter.On("CountRows", mock.Anything, models.TableSearchQueries, mock.Anything).Return(0, errors.New("permission denied"))
	counter.On("CountRows", mock.Anything, models.TableSearchResults, mock.Anything).Return(0, nil)
	counter.On("CountRows", mock.Anything, models.TableScrapedSources, mock.Anything).Return(4, nil)

	o := NewOrchestrator(invoker, counter, arbor.NewLogger(), testConfig(), WithSleep(noSleep))
	tracker := newTestTracker("REQ-4")

	require.NoError(t, o.RunPipeline(context.Background(), tracker, models.AnalysisInput{}))

	snap := tracker.Snapshot()
	assert.Equal(t, 5, *snap.Steps[models.StepProcessQueries].Total, "count error falls back to 5")
	assert.Equal(t, 9, *snap.Steps[models.StepScrape].Total, "empty count falls back to 9")
	assert.Equal(t, 4, *snap.Steps[models.StepSummarize].Total, "discovered count wins")
	assert.Nil(t, snap.Steps[models.StepGenerateQueries].Total)
	assert.Nil(t, snap.Steps[models.StepAnalyze].Total)
}

func TestRunPipeline_StalledSummarisation(t *testing.T) {
	invoker := new(MockStageInvoker)
	invoker.On("Invoke", mock.Anything, models.StageSummarize, mock.Anything).Return(okRemaining(2), nil)
	invoker.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return(ok(), nil)

	cfg := testConfig()
	cfg.SummarizeMaxAttempts = 4
	o := NewOrchestrator(invoker, nil, arbor.NewLogger(), cfg, WithSleep(noSleep))
	tracker := newTestTracker("REQ-5")

	err := o.RunPipeline(context.Background(), tracker, models.AnalysisInput{})

	var stalled *models.StalledError
	require.ErrorAs(t, err, &stalled)
	assert.Equal(t, 4, stalled.Attempts)
	assert.Equal(t, 2, stalled.Remaining)

	snap := tracker.Snapshot()
	assert.Equal(t, models.StepStatusFailed, snap.Steps[models.StepSummarize].Status)
	assert.Equal(t, models.StepStatusPending, snap.Steps[models.StepAnalyze].Status)
	invoker.AssertNumberOfCalls(t, "Invoke", 3+4)
	invoker.AssertNotCalled(t, "Invoke", mock.Anything, models.StageAnalyze, mock.Anything)
}

func TestRunPipeline_RemainingAboveTotalRaisesTotal(t *testing.T) {
	invoker := new(MockStageInvoker)
	invoker.On("Invoke", mock.Anything, models.StageSummarize, mock.Anything).Return(okRemaining(12), nil).Once()
	invoker.On("Invoke", mock.Anything, models.StageSummarize, mock.Anything).Return(okRemaining(0), nil).Once()
	invoker.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return(ok(), nil)

	o := NewOrchestrator(invoker, nil, arbor.NewLogger(), testConfig(), WithSleep(noSleep))
	tracker := newTestTracker("REQ-6")

	require.NoError(t, o.RunPipeline(context.Background(), tracker, models.AnalysisInput{}))

	step := tracker.Snapshot().Steps[models.StepSummarize]
	assert.Equal(t, 12, *step.Total)
	assert.Equal(t, 12, *step.Current)
}

func TestRunPipeline_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	invoker := new(MockStageInvoker)
	invoker.On("Invoke", mock.Anything, models.StageGenerateQueries, mock.Anything).
		Run(func(args mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	o := NewOrchestrator(invoker, nil, arbor.NewLogger(), testConfig(), WithSleep(noSleep))
	tracker := newTestTracker("REQ-7")

	err := o.RunPipeline(ctx, tracker, models.AnalysisInput{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StepStatusProcessing, tracker.Snapshot().Steps[0].Status, "abandoned, not failed")
}

func TestRunPipeline_PassesWorkflowAndInput(t *testing.T) {
	input := models.AnalysisInput{ProblemStatement: "slow invoicing", IndustryType: "fintech"}
	expected := models.StageRequest{WorkflowID: "REQ-8", AnalysisInput: input}

	invoker := new(MockStageInvoker)
	invoker.On("Invoke", mock.Anything, mock.Anything, expected).Return(ok(), nil)

	o := NewOrchestrator(invoker, nil, arbor.NewLogger(), testConfig(), WithSleep(noSleep))
	require.NoError(t, o.RunPipeline(context.Background(), newTestTracker("REQ-8"), input))
	invoker.AssertNumberOfCalls(t, "Invoke", 5)
}

func TestContextSleep(t *testing.T) {
	assert.NoError(t, ContextSleep(context.Background(), 0))
	assert.NoError(t, ContextSleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ContextSleep(ctx, time.Hour), context.Canceled)
}
