// -----------------------------------------------------------------------
// Completion Poller - watches the remote requirement record while a run is
// in progress and settles the tracker once the analysis lands
// -----------------------------------------------------------------------

package poller

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
	"github.com/ternarybob/reqflow/internal/models"
	"github.com/ternarybob/reqflow/internal/services/progress"
)

// SettledFunc is called exactly once after a run has been settled by the poller
type SettledFunc func(ctx context.Context, workflowID string)

// Config holds poll timings
type Config struct {
	Interval    time.Duration
	SettleDelay time.Duration
}

// ConfigFrom converts the [pipeline] config section
func ConfigFrom(cfg *common.PipelineConfig) Config {
	return Config{
		Interval:    common.ParseDurationOr(cfg.PollInterval, 10*time.Second),
		SettleDelay: common.ParseDurationOr(cfg.SettleDelay, 3*time.Second),
	}
}

// Poller creates one polling loop per run via Start
type Poller struct {
	reader interfaces.WorkflowRecordReader
	logger arbor.ILogger
	config Config
}

// NewPoller creates a new completion poller
func NewPoller(reader interfaces.WorkflowRecordReader, logger arbor.ILogger, config Config) *Poller {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	return &Poller{
		reader: reader,
		logger: logger,
		config: config,
	}
}

// Handle controls one running poll loop
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the loop and waits for it to exit. Safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed when the loop has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start begins polling for tracker's workflow. The loop exits when the run is no
// longer in progress, when ctx is cancelled, when Stop is called, or after the
// remote record turns terminal and the tracker has been settled.
func (p *Poller) Start(ctx context.Context, tracker *progress.Tracker, onSettled SettledFunc) *Handle {
	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	common.SafeGo(p.logger, "completion-poller", func() {
		defer close(h.done)
		defer cancel()
		p.run(loopCtx, tracker, onSettled)
	})

	return h
}

func (p *Poller) run(ctx context.Context, tracker *progress.Tracker, onSettled SettledFunc) {
	workflowID := tracker.WorkflowID()
	logger := p.logger.WithCorrelationId(workflowID)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	logger.Debug().Dur("interval", p.config.Interval).Msg("Completion poller started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Completion poller stopped")
			return

		case <-ticker.C:
			if !tracker.InProgress() {
				logger.Debug().Msg("Run no longer in progress - poller exiting")
				return
			}

			record, err := p.reader.FetchRecord(ctx, workflowID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				pollErr := &models.PollError{WorkflowID: workflowID, Cause: err}
				logger.Warn().Err(pollErr).Msg("Poll fetch failed, retrying next tick")
				continue
			}

			switch {
			case record.CompletedWithContent():
				logger.Info().Msg("Remote analysis completed - settling progress")
				tracker.MarkAllCompleted(ctx)
				tracker.ClearPersisted(ctx)
				p.settle(ctx, tracker, onSettled)
				return

			case record.Status == models.RequirementStatusFailed:
				logger.Warn().Msg("Remote analysis failed - settling progress")
				if err := tracker.Reconcile(ctx); err != nil {
					logger.Debug().Err(err).Msg("Reconciled failed run")
				}
				tracker.Settle(ctx, interfaces.EventWorkflowFailed)
				if onSettled != nil {
					onSettled(ctx, workflowID)
				}
				return
			}
		}
	}
}

// settle waits for the settle delay, drops the in-progress flag and fires onSettled.
// A cancelled ctx skips the callback; the flag is cleared either way.
func (p *Poller) settle(ctx context.Context, tracker *progress.Tracker, onSettled SettledFunc) {
	if p.config.SettleDelay > 0 {
		timer := time.NewTimer(p.config.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// Stopped mid-settle; whoever stopped us announces the outcome
			tracker.Settle(context.Background(), interfaces.EventWorkflowProgress)
			return
		case <-timer.C:
		}
	}

	tracker.Settle(ctx, interfaces.EventWorkflowCompleted)
	if onSettled != nil {
		onSettled(ctx, tracker.WorkflowID())
	}
}
