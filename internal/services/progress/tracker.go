// -----------------------------------------------------------------------
// Progress Tracker - owns one workflow's step list and mirrors it to the
// durable progress store after every mutation
// -----------------------------------------------------------------------

package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/models"
)

// Durable key prefixes; the workflow id is appended
const (
	StatusKeyPrefix      = "analysisStatus_"
	StepsKeyPrefix       = "analysisSteps_"
	CurrentStepKeyPrefix = "analysisCurrentStep_"
)

// StatusKey returns the in-progress flag key for workflowID
func StatusKey(workflowID string) string { return StatusKeyPrefix + workflowID }

// StepsKey returns the steps array key for workflowID
func StepsKey(workflowID string) string { return StepsKeyPrefix + workflowID }

// CurrentStepKey returns the current step index key for workflowID
func CurrentStepKey(workflowID string) string { return CurrentStepKeyPrefix + workflowID }

// RestoreOutcome describes what RestoreIfPresent did
type RestoreOutcome int

const (
	// RestoreNone means nothing usable was persisted; defaults are kept
	RestoreNone RestoreOutcome = iota
	// RestoreResumed means persisted state was loaded and is still authoritative
	RestoreResumed
	// RestoreReconciled means persisted state was stale and has been corrected from the remote record
	RestoreReconciled
)

func (o RestoreOutcome) String() string {
	switch o {
	case RestoreResumed:
		return "resumed"
	case RestoreReconciled:
		return "reconciled"
	}
	return "none"
}

// UpdateOption supplies optional counters to UpdateStepStatus
type UpdateOption func(*stepUpdate)

type stepUpdate struct {
	current *int
	total   *int
}

// WithCurrent overwrites the step's current counter
func WithCurrent(current int) UpdateOption {
	return func(u *stepUpdate) { u.current = &current }
}

// WithTotal overwrites the step's total counter
func WithTotal(total int) UpdateOption {
	return func(u *stepUpdate) { u.total = &total }
}

// WithCounts overwrites both counters
func WithCounts(current, total int) UpdateOption {
	return func(u *stepUpdate) {
		u.current = &current
		u.total = &total
	}
}

// Option configures a Tracker
type Option func(*Tracker)

// WithEventService publishes workflow_progress after each mutation
func WithEventService(events interfaces.EventService) Option {
	return func(t *Tracker) { t.events = events }
}

// WithRecordReader enables the reconciliation fetch on restore
func WithRecordReader(reader interfaces.WorkflowRecordReader) Option {
	return func(t *Tracker) { t.reader = reader }
}

// Tracker maintains and persists the WorkflowProgress of one workflow.
// It is safe for concurrent use; the orchestrator and poller share one instance.
type Tracker struct {
	workflowID string
	store      interfaces.ProgressStore
	events     interfaces.EventService
	reader     interfaces.WorkflowRecordReader
	logger     arbor.ILogger

	mu       sync.RWMutex
	progress *models.WorkflowProgress
}

// NewTracker creates a tracker with the default five pending steps
func NewTracker(workflowID string, store interfaces.ProgressStore, logger arbor.ILogger, opts ...Option) *Tracker {
	t := &Tracker{
		workflowID: workflowID,
		store:      store,
		logger:     logger.WithCorrelationId(workflowID),
		progress:   models.NewWorkflowProgress(workflowID),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WorkflowID returns the workflow this tracker owns
func (t *Tracker) WorkflowID() string {
	return t.workflowID
}

// Snapshot returns a deep copy of the current progress
func (t *Tracker) Snapshot() *models.WorkflowProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress.Clone()
}

// InProgress reports whether a run is active
func (t *Tracker) InProgress() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress.InProgress
}

// UpdateStepStatus replaces step index with an updated copy and persists the steps array.
// Status is always overwritten; counters only when supplied. current is clamped into
// [0, total]. Invalid indices, unknown statuses and backwards transitions are rejected.
// Storage failures are logged and never returned.
func (t *Tracker) UpdateStepStatus(ctx context.Context, index int, status models.StepStatus, opts ...UpdateOption) error {
	var u stepUpdate
	for _, opt := range opts {
		opt(&u)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	steps := t.progress.Steps
	if index < 0 || index >= len(steps) {
		return &models.InvalidStepError{Index: index, Length: len(steps)}
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidStatus, status)
	}

	step := steps[index]
	if !step.Status.CanTransitionTo(status) {
		t.logger.Warn().
			Int("step", index).
			Str("from", string(step.Status)).
			Str("to", string(status)).
			Msg("Rejected backwards step transition")
		return fmt.Errorf("%w: step %d cannot move from %s to %s", models.ErrInvalidStatus, index, step.Status, status)
	}
	if status == models.StepStatusProcessing && step.Status != models.StepStatusProcessing {
		for i, other := range steps {
			if i != index && other.Status == models.StepStatusProcessing {
				return fmt.Errorf("%w: step %d is already processing", models.ErrInvalidStatus, i)
			}
		}
	}

	updated := models.CloneSteps(steps[index : index+1])[0]
	updated.Status = status
	if u.total != nil {
		updated.Total = models.IntPtr(max(*u.total, 0))
	}
	if u.current != nil {
		updated.Current = models.IntPtr(max(*u.current, 0))
	}
	if updated.Current != nil && updated.Total != nil && *updated.Current > *updated.Total {
		t.logger.Debug().
			Int("step", index).
			Int("current", *updated.Current).
			Int("total", *updated.Total).
			Msg("Clamping step current to total")
		updated.Current = models.IntPtr(*updated.Total)
	}

	next := models.CloneSteps(steps)
	next[index] = updated
	t.progress.Steps = next

	t.persistSteps(ctx)
	t.publish(ctx, interfaces.EventWorkflowProgress)
	return nil
}

// SetCurrentStep sets the current step index (0..len(steps)) and persists it
func (t *Tracker) SetCurrentStep(ctx context.Context, index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index > len(t.progress.Steps) {
		return &models.InvalidStepError{Index: index, Length: len(t.progress.Steps) + 1}
	}

	t.progress.CurrentStepIndex = index
	t.persistCurrentStep(ctx)
	t.publish(ctx, interfaces.EventWorkflowProgress)
	return nil
}

// SetInProgress sets the in-progress flag and persists it
func (t *Tracker) SetInProgress(ctx context.Context, inProgress bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.InProgress = inProgress
	t.persistStatus(ctx)
	t.publish(ctx, interfaces.EventWorkflowProgress)
}

// Begin marks a fresh run as started: in progress, all three keys written
func (t *Tracker) Begin(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.InProgress = true
	t.persistStatus(ctx)
	t.persistSteps(ctx)
	t.persistCurrentStep(ctx)
	t.publish(ctx, interfaces.EventWorkflowStarted)
}

// ResetProgress returns every step to pending, zeroes the index, clears the in-progress
// flag and removes all three durable keys. Known totals are kept with current back at 0.
// Calling it twice is a no-op the second time.
func (t *Tracker) ResetProgress(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	steps := make([]models.Step, len(t.progress.Steps))
	for i, s := range t.progress.Steps {
		steps[i] = models.Step{Name: s.Name, Status: models.StepStatusPending}
		if s.Total != nil {
			steps[i].Total = models.IntPtr(*s.Total)
			steps[i].Current = models.IntPtr(0)
		}
	}
	t.progress.Steps = steps
	t.progress.CurrentStepIndex = 0
	t.progress.InProgress = false

	t.removeKeys(ctx)
	t.publish(ctx, interfaces.EventWorkflowReset)
}

// MarkAllCompleted completes every step (current = total where tracked) and moves the
// index past the last step. Used when the remote record finishes out-of-band.
func (t *Tracker) MarkAllCompleted(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.markAllCompletedLocked()
	t.persistSteps(ctx)
	t.persistCurrentStep(ctx)
	t.publish(ctx, interfaces.EventWorkflowProgress)
}

// Settle ends the run without persisting anything: the in-progress flag drops to
// false, the durable keys are removed and outcome is published.
func (t *Tracker) Settle(ctx context.Context, outcome interfaces.EventType) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.progress.InProgress = false
	t.removeKeys(ctx)
	t.publish(ctx, outcome)
}

// ClearPersisted removes the durable keys without touching in-memory state
func (t *Tracker) ClearPersisted(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeKeys(ctx)
}

// RestoreIfPresent loads persisted progress. All three keys must be present and
// parse, otherwise defaults are left untouched. A restored in-progress run is
// reconciled against the remote record before it is trusted.
func (t *Tracker) RestoreIfPresent(ctx context.Context) (RestoreOutcome, error) {
	restored, ok := t.readPersisted(ctx)
	if !ok {
		return RestoreNone, nil
	}

	t.mu.Lock()
	t.progress = restored
	t.mu.Unlock()

	t.logger.Info().
		Int("current_step", restored.CurrentStepIndex).
		Bool("in_progress", restored.InProgress).
		Msg("Restored persisted workflow progress")

	if !restored.InProgress || t.reader == nil {
		return RestoreResumed, nil
	}

	err := t.Reconcile(ctx)
	var mismatch *models.ReconciliationMismatch
	switch {
	case err == nil:
		return RestoreResumed, nil
	case errors.As(err, &mismatch):
		return RestoreReconciled, nil
	default:
		// Remote unreachable: keep the restored state, the poller will catch up
		t.logger.Warn().Err(err).Msg("Reconciliation fetch failed, resuming persisted progress")
		return RestoreResumed, nil
	}
}

// Reconcile fetches the remote record and, when it is already terminal while local
// state still says in progress, corrects local state and clears the durable keys.
// It returns a *models.ReconciliationMismatch describing the correction.
func (t *Tracker) Reconcile(ctx context.Context) error {
	if t.reader == nil {
		return nil
	}

	record, err := t.reader.FetchRecord(ctx, t.workflowID)
	if err != nil {
		return fmt.Errorf("reconciliation fetch: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Completed without an analysis is still settling remotely; the poller waits for it too
	succeeded := record.CompletedWithContent()
	if !t.progress.InProgress || !(succeeded || record.Status == models.RequirementStatusFailed) {
		return nil
	}

	mismatch := &models.ReconciliationMismatch{WorkflowID: t.workflowID, RemoteStatus: record.Status}
	t.logger.Info().
		Str("remote_status", string(record.Status)).
		Msg("Persisted progress is stale - remote workflow already terminal")

	if succeeded {
		t.markAllCompletedLocked()
	} else {
		for i, s := range t.progress.Steps {
			if s.Status == models.StepStatusProcessing {
				t.progress.Steps[i].Status = models.StepStatusFailed
			}
		}
	}
	t.progress.InProgress = false
	t.removeKeys(ctx)
	t.publish(ctx, interfaces.EventWorkflowProgress)

	return mismatch
}

func (t *Tracker) markAllCompletedLocked() {
	steps := models.CloneSteps(t.progress.Steps)
	for i := range steps {
		steps[i].Status = models.StepStatusCompleted
		if steps[i].Total != nil {
			steps[i].Current = models.IntPtr(*steps[i].Total)
		}
	}
	t.progress.Steps = steps
	t.progress.CurrentStepIndex = len(steps)
}

func (t *Tracker) readPersisted(ctx context.Context) (*models.WorkflowProgress, bool) {
	statusRaw, ok := t.get(ctx, StatusKey(t.workflowID))
	if !ok {
		return nil, false
	}
	stepsRaw, ok := t.get(ctx, StepsKey(t.workflowID))
	if !ok {
		return nil, false
	}
	currentRaw, ok := t.get(ctx, CurrentStepKey(t.workflowID))
	if !ok {
		return nil, false
	}

	inProgress, err := strconv.ParseBool(statusRaw)
	if err != nil {
		t.logStorageError(&models.StorageError{Op: "parse", Key: StatusKey(t.workflowID), Cause: err})
		return nil, false
	}

	var steps []models.Step
	if err := json.Unmarshal([]byte(stepsRaw), &steps); err != nil {
		t.logStorageError(&models.StorageError{Op: "parse", Key: StepsKey(t.workflowID), Cause: err})
		return nil, false
	}
	if err := validateSteps(steps); err != nil {
		t.logStorageError(&models.StorageError{Op: "parse", Key: StepsKey(t.workflowID), Cause: err})
		return nil, false
	}

	current, err := strconv.Atoi(currentRaw)
	if err != nil || current < 0 || current > len(steps) {
		if err == nil {
			err = fmt.Errorf("index %d out of range", current)
		}
		t.logStorageError(&models.StorageError{Op: "parse", Key: CurrentStepKey(t.workflowID), Cause: err})
		return nil, false
	}

	return &models.WorkflowProgress{
		WorkflowID:       t.workflowID,
		Steps:            steps,
		CurrentStepIndex: current,
		InProgress:       inProgress,
	}, true
}

func validateSteps(steps []models.Step) error {
	if len(steps) != len(models.PipelineStepNames) {
		return fmt.Errorf("expected %d steps, got %d", len(models.PipelineStepNames), len(steps))
	}
	for i, s := range steps {
		if !s.Status.Valid() {
			return fmt.Errorf("step %d: unknown status %q", i, s.Status)
		}
	}
	return nil
}

func (t *Tracker) get(ctx context.Context, key string) (string, bool) {
	value, err := t.store.Get(ctx, key)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return "", false
	}
	if err != nil {
		t.logStorageError(&models.StorageError{Op: "get", Key: key, Cause: err})
		return "", false
	}
	return value, true
}

func (t *Tracker) persistSteps(ctx context.Context) {
	data, err := json.Marshal(t.progress.Steps)
	if err != nil {
		t.logStorageError(&models.StorageError{Op: "encode", Key: StepsKey(t.workflowID), Cause: err})
		return
	}
	t.set(ctx, StepsKey(t.workflowID), string(data))
}

func (t *Tracker) persistCurrentStep(ctx context.Context) {
	t.set(ctx, CurrentStepKey(t.workflowID), strconv.Itoa(t.progress.CurrentStepIndex))
}

func (t *Tracker) persistStatus(ctx context.Context) {
	t.set(ctx, StatusKey(t.workflowID), strconv.FormatBool(t.progress.InProgress))
}

func (t *Tracker) set(ctx context.Context, key, value string) {
	if err := t.store.Set(ctx, key, value); err != nil {
		t.logStorageError(&models.StorageError{Op: "set", Key: key, Cause: err})
	}
}

func (t *Tracker) removeKeys(ctx context.Context) {
	for _, key := range []string{StatusKey(t.workflowID), StepsKey(t.workflowID), CurrentStepKey(t.workflowID)} {
		if err := t.store.Remove(ctx, key); err != nil {
			t.logStorageError(&models.StorageError{Op: "remove", Key: key, Cause: err})
		}
	}
}

func (t *Tracker) logStorageError(err *models.StorageError) {
	t.logger.Warn().
		Err(err).
		Str("op", err.Op).
		Str("key", err.Key).
		Msg("Progress persistence failed - continuing in memory")
}

// publish must be called with t.mu held
func (t *Tracker) publish(ctx context.Context, eventType interfaces.EventType) {
	if t.events == nil {
		return
	}
	if err := t.events.Publish(ctx, interfaces.Event{
		Type:    eventType,
		Payload: t.progress.Clone(),
	}); err != nil {
		t.logger.Debug().Err(err).Msg("Failed to publish progress event")
	}
}
