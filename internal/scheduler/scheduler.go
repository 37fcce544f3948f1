// Package scheduler runs the nightly and weekly batch jobs at their
// configured local times.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/praxishealth/praxis/internal/logging"
)

// Scheduler manages registered jobs and their timer loops
type Scheduler struct {
	jobs     map[string]*Job
	running  map[string]context.CancelFunc
	mu       sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	timezone *time.Location
}

// Config configures the scheduler
type Config struct {
	Timezone string // IANA name; empty means UTC
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg Config) (*Scheduler, error) {
	tz := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
		}
		tz = loc
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		jobs:     make(map[string]*Job),
		running:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
		timezone: tz,
	}, nil
}

// Handler is the function executed for a job. The passed time is the run
// instant; manual triggers may override it.
type Handler func(ctx context.Context, runAt time.Time) error

// Job is one registered batch job
type Job struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Schedule   Schedule      `json:"schedule"`
	Handler    Handler       `json:"-"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int64         `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Timeout    time.Duration `json:"timeout"`
}

// Schedule defines when a job runs
type Schedule struct {
	Type ScheduleType   `json:"type"`
	At   string         `json:"at"`             // "HH:MM" in the scheduler timezone
	Days []time.Weekday `json:"days,omitempty"` // weekly schedules only
}

// ScheduleType represents the kind of schedule
type ScheduleType string

const (
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
)

// DailyJob creates a job that runs every day at the given local time
func DailyJob(id, name, at string, handler Handler) *Job {
	return &Job{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleDaily, At: at},
		Handler:  handler,
	}
}

// WeeklyJob creates a job that runs on the given days at the given time
func WeeklyJob(id, name, at string, days []time.Weekday, handler Handler) *Job {
	return &Job{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleWeekly, At: at, Days: days},
		Handler:  handler,
	}
}

// Register adds a job to the scheduler
func (s *Scheduler) Register(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Handler == nil {
		return fmt.Errorf("job handler is required")
	}
	if job.Timeout == 0 {
		job.Timeout = 15 * time.Minute
	}

	nextRun := s.nextRun(job.Schedule, time.Now())
	job.NextRun = &nextRun

	s.jobs[job.ID] = job

	if s.started {
		s.startJob(job)
	}
	return nil
}

// Start launches the timer loop of every registered job
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	for _, job := range s.jobs {
		s.startJob(job)
	}
	return nil
}

// Stop cancels all timer loops and waits for in-flight runs
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.cancel()
	for _, cancel := range s.running {
		cancel()
	}
	s.running = make(map[string]context.CancelFunc)

	s.wg.Wait()
	s.started = false

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return nil
}

// RunNow executes a job immediately, outside its schedule. runAt is the
// instant the handler treats as "now"; manual backfills pass a past date.
func (s *Scheduler) RunNow(jobID string, runAt time.Time) error {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}

	go s.execute(s.ctx, job, runAt)
	return nil
}

// GetJob returns a job by ID
func (s *Scheduler) GetJob(jobID string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// ListJobs returns all registered jobs
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Stats contains scheduler statistics
type Stats struct {
	Started     bool   `json:"started"`
	TotalJobs   int    `json:"total_jobs"`
	RunningJobs int    `json:"running_jobs"`
	TotalRuns   int64  `json:"total_runs"`
	TotalErrors int64  `json:"total_errors"`
	Timezone    string `json:"timezone"`
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:     s.started,
		TotalJobs:   len(s.jobs),
		RunningJobs: len(s.running),
		Timezone:    s.timezone.String(),
	}
	for _, job := range s.jobs {
		stats.TotalRuns += job.RunCount
		stats.TotalErrors += job.ErrorCount
	}
	return stats
}

func (s *Scheduler) startJob(job *Job) {
	jobCtx, cancel := context.WithCancel(s.ctx)
	s.running[job.ID] = cancel

	s.wg.Add(1)
	go s.runLoop(jobCtx, job)
}

func (s *Scheduler) runLoop(ctx context.Context, job *Job) {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		var wait time.Duration
		if job.NextRun != nil {
			wait = time.Until(*job.NextRun)
		}
		s.mu.RUnlock()

		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.execute(ctx, job, time.Now())
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job, runAt time.Time) {
	execCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	job.LastRun = &now
	job.RunCount++
	s.mu.Unlock()

	err := job.Handler(execCtx, runAt)

	s.mu.Lock()
	if err != nil {
		job.ErrorCount++
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	nextRun := s.nextRun(job.Schedule, time.Now())
	job.NextRun = &nextRun
	s.mu.Unlock()

	if err != nil {
		logging.WithField("job", job.ID).Error("job run failed: %v", err)
	}
}

// nextRun computes the next fire time for a schedule after the given instant
func (s *Scheduler) nextRun(schedule Schedule, after time.Time) time.Time {
	now := after.In(s.timezone)

	hour, minute := 0, 0
	fmt.Sscanf(schedule.At, "%d:%d", &hour, &minute)

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, s.timezone)

	switch schedule.Type {
	case ScheduleWeekly:
		for i := 0; i < 8; i++ {
			candidate := next.AddDate(0, 0, i)
			for _, day := range schedule.Days {
				if candidate.Weekday() == day && candidate.After(now) {
					return candidate
				}
			}
		}
		return next.AddDate(0, 0, 7)

	default: // daily
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}
