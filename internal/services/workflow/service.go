// -----------------------------------------------------------------------
// Workflow Service - owns one tracker per workflow and composes the
// orchestrator and completion poller into start / reset / restore
// -----------------------------------------------------------------------

package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/models"
	"github.com/ternarybob/reqflow/internal/services/pipeline"
	"github.com/ternarybob/reqflow/internal/services/poller"
	"github.com/ternarybob/reqflow/internal/services/progress"
)

// abandonWait bounds how long ForceReset waits for a cancelled run to exit
const abandonWait = 5 * time.Second

// run is one active pipeline run or resumed poll in this process
type run struct {
	cancel context.CancelFunc
	poll   *poller.Handle
	done   chan struct{}
}

// Service coordinates analysis runs. At most one run per workflow is active
// in this process; other processes sharing the store are not coordinated.
type Service struct {
	storage      interfaces.RequirementStorage
	store        interfaces.ProgressStore
	events       interfaces.EventService
	orchestrator *pipeline.Orchestrator
	poller       *poller.Poller
	logger       arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	trackers map[string]*progress.Tracker
	runs     map[string]*run
}

// NewService creates the workflow service
func NewService(
	storage interfaces.RequirementStorage,
	store interfaces.ProgressStore,
	events interfaces.EventService,
	orchestrator *pipeline.Orchestrator,
	completionPoller *poller.Poller,
	logger arbor.ILogger,
) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		storage:      storage,
		store:        store,
		events:       events,
		orchestrator: orchestrator,
		poller:       completionPoller,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		trackers:     make(map[string]*progress.Tracker),
		runs:         make(map[string]*run),
	}
}

// StartAnalysis resets progress and launches the pipeline for workflowID in the
// background. It returns models.ErrRunInProgress when a run is already active.
func (s *Service) StartAnalysis(ctx context.Context, workflowID string) (*models.WorkflowProgress, error) {
	record, err := s.storage.FetchRecord(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.runs[workflowID]; running {
		return nil, models.ErrRunInProgress
	}
	tracker := s.trackerLocked(workflowID)

	tracker.ResetProgress(ctx)
	if err := s.storage.ClearStageRows(ctx, workflowID); err != nil {
		return nil, fmt.Errorf("failed to clear previous stage rows: %w", err)
	}
	if err := s.storage.UpdateStatus(ctx, workflowID, models.RequirementStatusAnalyzing); err != nil {
		return nil, err
	}
	tracker.Begin(ctx)

	runCtx, cancel := context.WithCancel(s.ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	r.poll = s.poller.Start(runCtx, tracker, s.reconcileAndReset)
	s.runs[workflowID] = r

	input := models.AnalysisInputFrom(record)
	s.wg.Add(1)
	common.SafeGo(s.logger, "pipeline:"+workflowID, func() {
		defer s.wg.Done()
		defer close(r.done)
		s.execute(runCtx, tracker, r, input)
	})

	s.logger.Info().Str("workflow_id", workflowID).Msg("Analysis started")
	return tracker.Snapshot(), nil
}

func (s *Service) execute(ctx context.Context, tracker *progress.Tracker, r *run, input models.AnalysisInput) {
	workflowID := tracker.WorkflowID()
	logger := s.logger.WithCorrelationId(workflowID)

	err := s.orchestrator.RunPipeline(ctx, tracker, input)
	switch {
	case err == nil:
		s.publish(ctx, interfaces.EventWorkflowCompleted, tracker)

	case ctx.Err() != nil:
		logger.Info().Msg("Analysis run abandoned")

	default:
		logger.Error().Err(err).Msg("Analysis run failed")
		if statusErr := s.storage.UpdateStatus(context.WithoutCancel(ctx), workflowID, models.RequirementStatusFailed); statusErr != nil {
			logger.Warn().Err(statusErr).Msg("Could not mark requirement failed")
		}
		tracker.SetInProgress(ctx, false)
		s.publish(ctx, interfaces.EventWorkflowFailed, tracker)
	}

	r.poll.Stop()
	r.cancel()

	s.mu.Lock()
	if s.runs[workflowID] == r {
		delete(s.runs, workflowID)
	}
	s.mu.Unlock()
}

// GetProgress returns a snapshot of workflowID's progress, restoring persisted
// state the first time the workflow is seen
func (s *Service) GetProgress(ctx context.Context, workflowID string) (*models.WorkflowProgress, error) {
	if _, err := s.storage.FetchRecord(ctx, workflowID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	tracker, known := s.trackers[workflowID]
	s.mu.Unlock()

	if !known {
		if _, err := s.Restore(ctx, workflowID); err != nil {
			return nil, err
		}
		s.mu.Lock()
		tracker = s.trackerLocked(workflowID)
		s.mu.Unlock()
	}
	return tracker.Snapshot(), nil
}

// GetRequirement fetches the record. Once the record is terminal and no run is
// active, lingering progress keys are cleared and the cached tracker is dropped.
func (s *Service) GetRequirement(ctx context.Context, workflowID string) (*models.Requirement, error) {
	record, err := s.storage.FetchRecord(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !record.Status.IsTerminal() {
		return record, nil
	}

	s.mu.Lock()
	_, running := s.runs[workflowID]
	tracker, cached := s.trackers[workflowID]
	s.mu.Unlock()
	if running {
		return record, nil
	}
	if !cached {
		tracker = s.newTracker(workflowID)
	}
	if tracker.InProgress() {
		return record, nil
	}

	tracker.ClearPersisted(ctx)

	s.mu.Lock()
	if _, running := s.runs[workflowID]; !running && s.trackers[workflowID] == tracker {
		delete(s.trackers, workflowID)
	}
	s.mu.Unlock()
	return record, nil
}

// ForceReset abandons any active run, clears progress and re-reads remote state
func (s *Service) ForceReset(ctx context.Context, workflowID string) (*models.WorkflowProgress, error) {
	record, err := s.storage.FetchRecord(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	r := s.runs[workflowID]
	delete(s.runs, workflowID)
	tracker := s.trackerLocked(workflowID)
	s.mu.Unlock()

	if r != nil {
		r.cancel()
		r.poll.Stop()
		// Let the abandoned run observe cancellation before progress is wiped
		select {
		case <-r.done:
		case <-time.After(abandonWait):
			s.logger.Warn().Str("workflow_id", workflowID).Msg("Abandoned run still busy after reset")
		}
	}

	tracker.ResetProgress(ctx)
	if record.Status == models.RequirementStatusAnalyzing {
		if err := s.storage.UpdateStatus(ctx, workflowID, models.RequirementStatusDraft); err != nil {
			s.logger.Warn().Err(err).Str("workflow_id", workflowID).Msg("Could not return requirement to draft")
		}
	}

	s.logger.Info().Str("workflow_id", workflowID).Bool("had_run", r != nil).Msg("Progress force reset")

	s.reconcileAndReset(ctx, workflowID)
	return s.GetProgress(ctx, workflowID)
}

// reconcileAndReset discards the cached tracker and rebuilds it from the store and
// remote record. It abandons any run still registered for the workflow.
func (s *Service) reconcileAndReset(ctx context.Context, workflowID string) {
	s.mu.Lock()
	r := s.runs[workflowID]
	delete(s.runs, workflowID)
	delete(s.trackers, workflowID)
	s.mu.Unlock()

	if r != nil {
		// Called from the poller goroutine: cancel only, the run cleans up after itself
		r.cancel()
	}

	if _, err := s.Restore(ctx, workflowID); err != nil {
		s.logger.Warn().Err(err).Str("workflow_id", workflowID).Msg("Restore after reset failed")
	}

	s.mu.Lock()
	tracker := s.trackerLocked(workflowID)
	s.mu.Unlock()
	s.publish(ctx, interfaces.EventWorkflowReset, tracker)
}

// Restore loads persisted progress for workflowID, reconciling it against the
// remote record. A run that is still in progress afterwards resumes polling.
func (s *Service) Restore(ctx context.Context, workflowID string) (progress.RestoreOutcome, error) {
	s.mu.Lock()
	if _, running := s.runs[workflowID]; running {
		s.mu.Unlock()
		return progress.RestoreNone, nil
	}
	tracker := s.trackerLocked(workflowID)
	s.mu.Unlock()

	outcome, err := tracker.RestoreIfPresent(ctx)
	if err != nil {
		return outcome, err
	}

	if outcome != progress.RestoreNone {
		s.logger.Info().
			Str("workflow_id", workflowID).
			Str("outcome", outcome.String()).
			Msg("Workflow progress restored")
	}

	if tracker.InProgress() {
		s.resumePolling(workflowID, tracker)
	}
	return outcome, nil
}

// ReconcileAll restores every workflow with persisted progress and returns how many
// were corrected from a terminal remote record
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, progress.StatusKeyPrefix)
	if err != nil {
		return 0, &models.StorageError{Op: "keys", Key: progress.StatusKeyPrefix, Cause: err}
	}

	reconciled := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return reconciled, err
		}
		workflowID := strings.TrimPrefix(key, progress.StatusKeyPrefix)
		if workflowID == "" {
			continue
		}

		s.mu.Lock()
		_, running := s.runs[workflowID]
		delete(s.trackers, workflowID)
		s.mu.Unlock()
		if running {
			continue
		}

		outcome, err := s.Restore(ctx, workflowID)
		if err != nil {
			s.logger.Warn().Err(err).Str("workflow_id", workflowID).Msg("Reconciliation failed")
			continue
		}
		if outcome == progress.RestoreReconciled {
			reconciled++
		}
	}

	s.logger.Debug().
		Int("workflows", len(keys)).
		Int("reconciled", reconciled).
		Msg("Reconciliation sweep finished")

	return reconciled, nil
}

// IsRunning reports whether a run or resumed poll is active for workflowID
func (s *Service) IsRunning(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.runs[workflowID]
	return running
}

// ActiveRuns returns the ids of workflows with a run or resumed poll in this process
func (s *Service) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close abandons active runs and waits for their goroutines to exit
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Service) resumePolling(workflowID string, tracker *progress.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.runs[workflowID]; running {
		return
	}

	pollCtx, cancel := context.WithCancel(s.ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	r.poll = s.poller.Start(pollCtx, tracker, s.reconcileAndReset)
	s.runs[workflowID] = r

	s.logger.Info().Str("workflow_id", workflowID).Msg("Resumed polling for in-progress workflow")

	s.wg.Add(1)
	common.SafeGo(s.logger, "resume:"+workflowID, func() {
		defer s.wg.Done()
		defer close(r.done)
		<-r.poll.Done()
		cancel()

		s.mu.Lock()
		if s.runs[workflowID] == r {
			delete(s.runs, workflowID)
		}
		s.mu.Unlock()
	})
}

// trackerLocked returns the cached tracker, creating it on first use. s.mu must be held.
func (s *Service) trackerLocked(workflowID string) *progress.Tracker {
	tracker, ok := s.trackers[workflowID]
	if !ok {
		tracker = s.newTracker(workflowID)
		s.trackers[workflowID] = tracker
	}
	return tracker
}

func (s *Service) newTracker(workflowID string) *progress.Tracker {
	opts := []progress.Option{progress.WithRecordReader(s.storage)}
	if s.events != nil {
		opts = append(opts, progress.WithEventService(s.events))
	}
	return progress.NewTracker(workflowID, s.store, s.logger, opts...)
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, tracker *progress.Tracker) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: tracker.Snapshot()}); err != nil {
		s.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to publish workflow event")
	}
}
