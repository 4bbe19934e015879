// -----------------------------------------------------------------------
// Pipeline Orchestrator - drives the five analysis stages for one workflow,
// keeping the progress tracker in lockstep
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/models"
	"github.com/ternarybob/reqflow/internal/services/progress"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the production SleepFunc
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Config holds orchestration timings and fallbacks
type Config struct {
	SummarizeDelay         time.Duration
	CompletionDelay        time.Duration
	StageTimeout           time.Duration // zero means no per-stage deadline
	SummarizeMaxAttempts   int
	FallbackSearchTotal    int
	FallbackScrapeTotal    int
	FallbackSummarizeTotal int
}

// ConfigFrom converts the [pipeline] config section
func ConfigFrom(cfg *common.PipelineConfig) Config {
	return Config{
		SummarizeDelay:         common.ParseDurationOr(cfg.SummarizeDelay, time.Second),
		CompletionDelay:        common.ParseDurationOr(cfg.CompletionDelay, 2*time.Second),
		StageTimeout:           common.ParseDurationOr(cfg.StageTimeout, 0),
		SummarizeMaxAttempts:   cfg.SummarizeMaxAttempts,
		FallbackSearchTotal:    cfg.FallbackSearchTotal,
		FallbackScrapeTotal:    cfg.FallbackScrapeTotal,
		FallbackSummarizeTotal: cfg.FallbackSummarizeTotal,
	}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithSleep replaces the delay function (tests pass a no-op)
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// Orchestrator runs the pipeline. It holds no per-workflow state; callers
// prevent concurrent runs for the same workflow.
type Orchestrator struct {
	invoker interfaces.StageInvoker
	counter interfaces.WorkflowRecordReader
	logger  arbor.ILogger
	config  Config
	sleep   SleepFunc
}

// NewOrchestrator creates a new pipeline orchestrator
func NewOrchestrator(invoker interfaces.StageInvoker, counter interfaces.WorkflowRecordReader, logger arbor.ILogger, config Config, opts ...Option) *Orchestrator {
	if config.SummarizeMaxAttempts <= 0 {
		config.SummarizeMaxAttempts = 30
	}
	o := &Orchestrator{
		invoker: invoker,
		counter: counter,
		logger:  logger,
		config:  config,
		sleep:   ContextSleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// totalSource says which table sizes the step that follows a stage
type totalSource struct {
	table    string
	fallback func(Config) int
}

// nextTotals maps a finished stage index to the table counted for the next step
var nextTotals = map[int]totalSource{
	models.StepGenerateQueries: {models.TableSearchQueries, func(c Config) int { return c.FallbackSearchTotal }},
	models.StepProcessQueries:  {models.TableSearchResults, func(c Config) int { return c.FallbackScrapeTotal }},
	models.StepScrape:          {models.TableScrapedSources, func(c Config) int { return c.FallbackSummarizeTotal }},
}

// RunPipeline invokes the five stages in order for tracker's workflow. The first
// failing stage is marked failed and aborts the run with a *models.StageInvocationError
// (or *models.StalledError when summarisation stops making progress). On success all
// steps are completed and, after the completion delay, the in-progress flag is cleared.
// Persisted keys are left for the completion poller to clear.
func (o *Orchestrator) RunPipeline(ctx context.Context, tracker *progress.Tracker, input models.AnalysisInput) error {
	workflowID := tracker.WorkflowID()
	logger := o.logger.WithCorrelationId(workflowID)
	req := models.StageRequest{WorkflowID: workflowID, AnalysisInput: input}

	logger.Info().Msg("Starting analysis pipeline")
	started := time.Now()

	total := -1 // unknown until discovered by the previous stage
	for i, stage := range models.PipelineStages {
		if err := ctx.Err(); err != nil {
			return err
		}

		var opts []progress.UpdateOption
		if total >= 0 {
			opts = append(opts, progress.WithCounts(0, total))
		}
		if err := tracker.UpdateStepStatus(ctx, i, models.StepStatusProcessing, opts...); err != nil {
			return err
		}
		if err := tracker.SetCurrentStep(ctx, i); err != nil {
			return err
		}

		logger.Info().Int("step", i).Str("stage", string(stage)).Msg("Invoking stage")

		result, err := o.invoke(ctx, stage, i, req)
		if err == nil && stage == models.StageSummarize {
			total, err = o.drainRemaining(ctx, tracker, i, req, result, total)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				logger.Warn().Int("step", i).Msg("Pipeline cancelled")
				return ctxErr
			}
			o.markFailed(ctx, tracker, i, err)
			return err
		}

		var doneOpts []progress.UpdateOption
		if total >= 0 {
			doneOpts = append(doneOpts, progress.WithCounts(total, total))
		}
		if err := tracker.UpdateStepStatus(ctx, i, models.StepStatusCompleted, doneOpts...); err != nil {
			return err
		}
		if err := tracker.SetCurrentStep(ctx, i+1); err != nil {
			return err
		}

		total = -1
		if src, ok := nextTotals[i]; ok {
			total = o.discoverTotal(ctx, workflowID, src)
		}
	}

	logger.Info().Dur("elapsed", time.Since(started)).Msg("Analysis pipeline completed")

	if err := o.sleep(ctx, o.config.CompletionDelay); err != nil {
		return err
	}
	tracker.SetInProgress(ctx, false)
	return nil
}

// drainRemaining repeats the summarize call until it reports nothing remaining,
// sleeping between attempts and giving up after SummarizeMaxAttempts calls.
func (o *Orchestrator) drainRemaining(ctx context.Context, tracker *progress.Tracker, index int, req models.StageRequest, result *models.StageResult, total int) (int, error) {
	attempts := 1
	for {
		remaining := result.RemainingCount()
		if remaining == 0 {
			return total, nil
		}

		// The remote side knows better than the discovered total
		if remaining > total {
			total = remaining
		}
		if err := tracker.UpdateStepStatus(ctx, index, models.StepStatusProcessing, progress.WithCounts(total-remaining, total)); err != nil {
			return total, err
		}

		if attempts >= o.config.SummarizeMaxAttempts {
			return total, &models.StalledError{
				Stage:     models.PipelineStages[index],
				Attempts:  attempts,
				Remaining: remaining,
			}
		}

		o.logger.Debug().
			Str("workflow_id", req.WorkflowID).
			Int("remaining", remaining).
			Int("attempt", attempts).
			Msg("Stage reported remaining work, repeating")

		if err := o.sleep(ctx, o.config.SummarizeDelay); err != nil {
			return total, err
		}

		next, err := o.invoke(ctx, models.PipelineStages[index], index, req)
		if err != nil {
			return total, err
		}
		result = next
		attempts++
	}
}

// invoke calls one stage and normalises rejection and success=false into StageInvocationError
func (o *Orchestrator) invoke(ctx context.Context, stage models.StageName, index int, req models.StageRequest) (*models.StageResult, error) {
	callCtx := ctx
	if o.config.StageTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.config.StageTimeout)
		defer cancel()
	}

	result, err := o.invoker.Invoke(callCtx, stage, req)
	if err != nil {
		var stageErr *models.StageInvocationError
		if errors.As(err, &stageErr) {
			return nil, err
		}
		return nil, &models.StageInvocationError{Stage: stage, StepIndex: index, Cause: err}
	}
	if result == nil || !result.Success {
		msg := "stage returned no result"
		if result != nil {
			msg = result.Message
		}
		return nil, &models.StageInvocationError{Stage: stage, StepIndex: index, Message: msg}
	}
	return result, nil
}

func (o *Orchestrator) markFailed(ctx context.Context, tracker *progress.Tracker, index int, cause error) {
	o.logger.Error().
		Err(cause).
		Str("workflow_id", tracker.WorkflowID()).
		Int("step", index).
		Msg("Stage failed - aborting pipeline")

	if err := tracker.UpdateStepStatus(ctx, index, models.StepStatusFailed); err != nil {
		o.logger.Warn().Err(err).Int("step", index).Msg("Could not mark step failed")
	}
}

// discoverTotal counts rows produced by the stage that just finished. Totals are
// opportunistic: a failed or empty count falls back to the configured placeholder.
func (o *Orchestrator) discoverTotal(ctx context.Context, workflowID string, src totalSource) int {
	fallback := src.fallback(o.config)
	if o.counter == nil {
		return fallback
	}

	n, err := o.counter.CountRows(ctx, src.table, workflowID)
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("workflow_id", workflowID).
			Str("table", src.table).
			Int("fallback", fallback).
			Msg("Row count failed, using fallback total")
		return fallback
	}
	if n <= 0 {
		return fallback
	}
	return n
}
