package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (r *countingReconciler) ReconcileAll(ctx context.Context) (int, error) {
	r.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("sweep has no deadline")
	}
	return 2, r.err
}

func TestRegisterJob_RejectsBadSchedule(t *testing.T) {
	s := NewService(arbor.NewLogger())
	err := s.RegisterJob("bad", "every five minutes", "", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.GetAllJobStatuses())
}

func TestRegisterJob_RejectsDuplicate(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("sweep", "*/5 * * * *", "", func(ctx context.Context) error { return nil }))
	assert.Error(t, s.RegisterJob("sweep", "*/5 * * * *", "", func(ctx context.Context) error { return nil }))
}

func TestTriggerJob_RecordsOutcome(t *testing.T) {
	s := NewService(arbor.NewLogger())
	reconciler := &countingReconciler{}
	require.NoError(t, RegisterReconcileJob(s, reconciler, "*/5 * * * *", time.Second, arbor.NewLogger()))

	require.NoError(t, s.Start())
	defer s.Stop()

	status, err := s.GetJobStatus(ReconcileJobName)
	require.NoError(t, err)
	require.NotNil(t, status.NextRun)
	assert.Nil(t, status.LastRun)

	require.NoError(t, s.TriggerJob(ReconcileJobName))
	require.Eventually(t, func() bool {
		status, err := s.GetJobStatus(ReconcileJobName)
		return err == nil && status.LastRun != nil
	}, time.Second, 5*time.Millisecond)

	status, err = s.GetJobStatus(ReconcileJobName)
	require.NoError(t, err)
	assert.Empty(t, status.LastError)
	assert.False(t, status.IsRunning)
	assert.Equal(t, int32(1), reconciler.calls.Load())
}

func TestTriggerJob_CapturesErrorAndPanic(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, RegisterReconcileJob(s, &countingReconciler{err: errors.New("store offline")}, "0 * * * *", time.Second, arbor.NewLogger()))
	require.NoError(t, s.RegisterJob("explodes", "0 * * * *", "", func(ctx context.Context) error { panic("boom") }))

	require.NoError(t, s.TriggerJob(ReconcileJobName))
	require.NoError(t, s.TriggerJob("explodes"))

	require.Eventually(t, func() bool {
		statuses := s.GetAllJobStatuses()
		return len(statuses) == 2 && statuses[0].LastError != "" && statuses[1].LastError != ""
	}, time.Second, 5*time.Millisecond)

	statuses := s.GetAllJobStatuses()
	assert.Equal(t, "explodes", statuses[0].Name)
	assert.Equal(t, "panic: boom", statuses[0].LastError)
	assert.Equal(t, "store offline", statuses[1].LastError)
	assert.Equal(t, 1, statuses[0].Failures)
	assert.Equal(t, 1, statuses[1].Runs)
}

func TestExecute_SkipsOverlappingRun(t *testing.T) {
	s := NewService(arbor.NewLogger())
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.RegisterJob("slow", "0 * * * *", "", func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}))

	require.NoError(t, s.TriggerJob("slow"))
	require.Eventually(t, func() bool {
		status, _ := s.GetJobStatus("slow")
		return status.IsRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.TriggerJob("slow"))
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		status, _ := s.GetJobStatus("slow")
		return status.Runs == 1 && !status.IsRunning
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStop_CancelsRunningJob(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("waits", "0 * * * *", "", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, s.Start())
	require.NoError(t, s.TriggerJob("waits"))
	require.Eventually(t, func() bool {
		status, _ := s.GetJobStatus("waits")
		return status.IsRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())

	status, err := s.GetJobStatus("waits")
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Equal(t, context.Canceled.Error(), status.LastError)
	assert.Error(t, s.TriggerJob("waits"))
	assert.Error(t, s.Start(), "a stopped scheduler cannot restart")
}

func TestTriggerJob_Unknown(t *testing.T) {
	s := NewService(arbor.NewLogger())
	assert.Error(t, s.TriggerJob("missing"))
}

func TestStartStop(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop())
}
