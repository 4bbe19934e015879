package scheduler

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
)

// ReconcileJobName is the registered name of the stale-progress sweep
const ReconcileJobName = "reconcile-progress"

// Reconciler corrects persisted progress for workflows that finished elsewhere
type Reconciler interface {
	ReconcileAll(ctx context.Context) (int, error)
}

// RegisterReconcileJob schedules a periodic ReconcileAll sweep. Each sweep is
// bounded by timeout so a hung record fetch cannot block later runs.
func RegisterReconcileJob(s *Service, reconciler Reconciler, schedule string, timeout time.Duration, logger arbor.ILogger) error {
	return s.RegisterJob(ReconcileJobName, schedule, "Correct stale workflow progress left by finished or crashed runs", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		reconciled, err := reconciler.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		if reconciled > 0 {
			logger.Info().Int("reconciled", reconciled).Msg("Stale workflow progress corrected")
		}
		return nil
	})
}
