package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
)

// Job represents a work item to be processed
type Job func(ctx context.Context) error

// Pool runs jobs on a fixed number of workers. It is single use:
// Start, Submit any number of jobs, then Wait.
type Pool struct {
	jobs       chan Job
	maxWorkers int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	errors     []error
	errorsMu   sync.Mutex
	logger     arbor.ILogger
}

// NewPool creates a worker pool bound to ctx. Cancelling ctx stops the workers
// after their current job.
func NewPool(ctx context.Context, maxWorkers int, logger arbor.ILogger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	poolCtx, cancel := context.WithCancel(ctx)

	return &Pool{
		jobs:       make(chan Job, maxWorkers*2),
		maxWorkers: maxWorkers,
		ctx:        poolCtx,
		cancel:     cancel,
		logger:     logger,
	}
}

// Start begins the worker pool
func (p *Pool) Start() {
	p.logger.Debug().
		Int("max_workers", p.maxWorkers).
		Msg("Starting worker pool")

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit adds a job to the pool, blocking while the queue is full
func (p *Pool) Submit(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Wait closes the queue, waits for queued jobs and returns every job error
func (p *Pool) Wait() []error {
	p.closeOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
	p.cancel()
	return p.Errors()
}

// Shutdown abandons queued jobs and waits for running ones
func (p *Pool) Shutdown() {
	p.cancel()
	p.Wait()
}

// Errors returns all collected errors
func (p *Pool) Errors() []error {
	p.errorsMu.Lock()
	defer p.errorsMu.Unlock()
	out := make([]error, len(p.errors))
	copy(out, p.errors)
	return out
}

// worker processes jobs from the queue
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.record(fmt.Errorf("worker %d panicked: %v", id, r))
		}
	}()

	for {
		// Cancellation wins over queued work
		if p.ctx.Err() != nil {
			return
		}
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if err := job(p.ctx); err != nil {
				p.record(err)
				p.logger.Debug().
					Err(err).
					Int("worker_id", id).
					Msg("Job failed")
			}

		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) record(err error) {
	p.errorsMu.Lock()
	p.errors = append(p.errors, err)
	p.errorsMu.Unlock()
}
