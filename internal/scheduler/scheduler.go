// Package scheduler runs recurring background jobs on cron schedules.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job represents a scheduled job
type Job interface {
	Run() error
	Name() string
}

// ErrUnknownJob is returned when triggering a job that is not registered
var ErrUnknownJob = errors.New("unknown job")

// JobStatus describes a registered job
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Running   bool       `json:"running"`
}

type entry struct {
	job      Job
	schedule string
	id       cron.EntryID

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error
}

// Scheduler manages background jobs
type Scheduler struct {
	cron *cron.Cron
	mu   sync.RWMutex
	jobs map[string]*entry
	log  zerolog.Logger
}

// New creates a new scheduler
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		jobs: make(map[string]*entry),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.Jobs())).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with cron schedule
// Schedule examples:
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "@hourly"            - Every hour
//   - "0 0 18 * * MON-FRI" - 6 PM weekdays
//   - "@every 30s"         - Every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s is already registered", job.Name())
	}

	e := &entry{job: job, schedule: schedule}
	id, err := s.cron.AddFunc(schedule, func() {
		_ = s.execute(e)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, job.Name(), err)
	}
	e.id = id
	s.jobs[job.Name()] = e

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a job immediately (outside schedule)
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")

	s.mu.RLock()
	e, ok := s.jobs[job.Name()]
	s.mu.RUnlock()
	if !ok {
		return job.Run()
	}
	return s.execute(e)
}

// Trigger runs a registered job by name
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.log.Info().Str("job", name).Msg("Running job immediately")
	return s.execute(e)
}

// Jobs returns the status of every registered job, sorted by name
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for name, e := range s.jobs {
		status := JobStatus{Name: name, Schedule: e.schedule}
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			status.NextRun = &next
		}

		e.mu.Lock()
		status.Running = e.running
		if !e.lastRun.IsZero() {
			last := e.lastRun
			status.LastRun = &last
		}
		if e.lastErr != nil {
			status.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()

		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// execute runs e unless it is already running.
func (s *Scheduler) execute(e *entry) error {
	name := e.job.Name()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		s.log.Warn().Str("job", name).Msg("Job still running, skipping")
		return fmt.Errorf("job %s is already running", name)
	}
	e.running = true
	e.mu.Unlock()

	s.log.Debug().Str("job", name).Msg("Running job")
	started := time.Now()
	err := e.job.Run()

	e.mu.Lock()
	e.running = false
	e.lastRun = started
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		s.log.Error().
			Err(err).
			Str("job", name).
			Msg("Job failed")
	} else {
		s.log.Debug().
			Str("job", name).
			Dur("duration", time.Since(started)).
			Msg("Job completed")
	}
	return err
}
