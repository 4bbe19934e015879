package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
)

// JobFunc is one unit of scheduled work. ctx is cancelled when the scheduler stops.
type JobFunc func(ctx context.Context) error

// JobStatus is a point-in-time view of one registered job
type JobStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Description  string        `json:"description"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	NextRun      *time.Time    `json:"next_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	IsRunning    bool          `json:"is_running"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
}

type job struct {
	name        string
	schedule    string
	description string
	run         JobFunc
	cronID      cron.EntryID

	// guarded by Service.mu
	running      bool
	lastRun      *time.Time
	lastDuration time.Duration
	lastError    string
	runs         int
	failures     int
}

// Service fires maintenance jobs on cron schedules. A job never overlaps
// itself: a tick that arrives while the previous run is active is skipped.
type Service struct {
	cron   *cron.Cron
	logger arbor.ILogger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	stopped bool
}

// NewService creates a scheduler. Jobs may be registered before Start.
func NewService(logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(cron.WithLogger(cronLogger{logger: logger})),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Start begins firing registered jobs
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return fmt.Errorf("scheduler has been stopped")
	case s.running:
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop cancels in-flight jobs and waits for them to return. Safe to call twice.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.running
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	if wasRunning {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if scheduler is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RegisterJob adds a job under a standard 5-field cron schedule
func (s *Service) RegisterJob(name, schedule, description string, run JobFunc) error {
	if err := common.ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("invalid schedule for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{name: name, schedule: schedule, description: description, run: run}
	cronID, err := s.cron.AddFunc(schedule, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("failed to add job to cron: %w", err)
	}
	j.cronID = cronID
	s.jobs[name] = j

	s.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Job registered")
	return nil
}

// TriggerJob runs a registered job now, outside its schedule
func (s *Service) TriggerJob(name string) error {
	s.mu.Lock()
	j, exists := s.jobs[name]
	stopped := s.stopped
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	if stopped {
		return fmt.Errorf("scheduler has been stopped")
	}

	common.SafeGo(s.logger, "job:"+name, func() { s.execute(j) })
	return nil
}

// GetJobStatus returns the status of a specific job
func (s *Service) GetJobStatus(name string) (*JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, exists := s.jobs[name]
	if !exists {
		return nil, fmt.Errorf("job %s not found", name)
	}
	return s.statusLocked(j), nil
}

// GetAllJobStatuses returns every job status ordered by name
func (s *Service) GetAllJobStatuses() []*JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]*JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		statuses = append(statuses, s.statusLocked(j))
	}
	sort.Slice(statuses, func(a, b int) bool { return statuses[a].Name < statuses[b].Name })
	return statuses
}

func (s *Service) statusLocked(j *job) *JobStatus {
	status := &JobStatus{
		Name:         j.name,
		Schedule:     j.schedule,
		Description:  j.description,
		LastRun:      j.lastRun,
		LastDuration: j.lastDuration,
		IsRunning:    j.running,
		LastError:    j.lastError,
		Runs:         j.runs,
		Failures:     j.failures,
	}
	if s.running {
		if next := s.cron.Entry(j.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

// execute runs j once unless it is already running, recording the outcome
func (s *Service) execute(j *job) {
	s.mu.Lock()
	if j.running || s.stopped {
		s.mu.Unlock()
		s.logger.Debug().Str("job_name", j.name).Msg("Job skipped, previous run still active")
		return
	}
	j.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	started := time.Now()
	err := s.invoke(j)
	finished := time.Now()

	s.mu.Lock()
	j.running = false
	j.lastRun = &finished
	j.lastDuration = finished.Sub(started)
	j.runs++
	j.lastError = ""
	if err != nil {
		j.failures++
		j.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().
			Str("job_name", j.name).
			Err(err).
			Dur("duration", finished.Sub(started)).
			Msg("Job failed")
		return
	}
	s.logger.Debug().
		Str("job_name", j.name).
		Dur("duration", finished.Sub(started)).
		Msg("Job completed")
}

// invoke converts a panic in the job into an error
func (s *Service) invoke(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_name", j.name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Panic recovered in scheduled job")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.run(s.ctx)
}
