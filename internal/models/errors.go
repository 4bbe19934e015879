package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requirement or persisted record does not exist
	ErrNotFound = errors.New("not found")
	// ErrRunInProgress is returned when a pipeline run is already active for a workflow
	ErrRunInProgress = errors.New("analysis already in progress")
	// ErrInvalidStatus is returned for an unknown status or an illegal transition
	ErrInvalidStatus = errors.New("invalid step status")
)

// StageInvocationError reports a stage call that was rejected or returned success=false.
// It aborts the pipeline run.
type StageInvocationError struct {
	Stage     StageName
	StepIndex int
	Message   string
	Cause     error
}

func (e *StageInvocationError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "stage reported failure"
	}
	return fmt.Sprintf("stage %s (step %d) failed: %s", e.Stage, e.StepIndex, msg)
}

func (e *StageInvocationError) Unwrap() error { return e.Cause }

// StorageError reports a failed progress store read or write. It is logged, never surfaced.
type StorageError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("progress storage %s %q: %v", e.Op, e.Key, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// PollError reports a failed completion poll fetch. The next tick retries.
type PollError struct {
	WorkflowID string
	Cause      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll workflow %s: %v", e.WorkflowID, e.Cause)
}

func (e *PollError) Unwrap() error { return e.Cause }

// ReconciliationMismatch reports persisted in-progress state for a workflow whose
// remote record is already terminal.
type ReconciliationMismatch struct {
	WorkflowID   string
	RemoteStatus RequirementStatus
}

func (e *ReconciliationMismatch) Error() string {
	return fmt.Sprintf("workflow %s: local progress is stale, remote status is %s", e.WorkflowID, e.RemoteStatus)
}

// StalledError reports a stage whose remaining count did not reach zero within the attempt cap
type StalledError struct {
	Stage     StageName
	Attempts  int
	Remaining int
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("stage %s stalled: %d items remaining after %d attempts", e.Stage, e.Remaining, e.Attempts)
}

// InvalidStepError reports a step index outside [0, length)
type InvalidStepError struct {
	Index  int
	Length int
}

func (e *InvalidStepError) Error() string {
	return fmt.Sprintf("step index %d out of range [0, %d)", e.Index, e.Length)
}
