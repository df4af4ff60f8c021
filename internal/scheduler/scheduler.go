// Package scheduler runs named periodic jobs such as the admin session
// expiry check and state autosave.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/pairvault/pkg/schema"
)

const defaultTickInterval = time.Second

// Job status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name       string
	spec       string
	schedule   cron.Schedule
	fn         JobFunc
	nextRun    time.Time
	lastRun    time.Time
	lastStatus string
}

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastStatus string    `json:"last_status,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the scheduler's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTickInterval sets how often due jobs are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// Scheduler checks registered jobs on a ticker and runs the due ones.
type Scheduler struct {
	parser       cron.Parser
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu     sync.Mutex
	jobs   map[string]*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// New creates a scheduler with no jobs. Specs accept five-field cron
// expressions and descriptors such as "@every 30s".
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:       logger,
		now:          time.Now,
		tickInterval: defaultTickInterval,
		jobs:         make(map[string]*job),
		inflight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a named job. Names are unique.
func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule %q for job %q", spec, name).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already registered", name)
	}
	s.jobs[name] = &job{
		name:     name,
		spec:     spec,
		schedule: schedule,
		fn:       fn,
		nextRun:  schedule.Next(s.now()),
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Debug("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(a, b int) bool { return due[a].name < due[b].name })

	for _, j := range due {
		if !s.tryAcquire(j.name) {
			continue // already running (dedup)
		}
		_ = s.runJob(ctx, j, now)
		s.releaseJob(j.name)
	}
}

// runJob executes a job, logs a failure, and schedules its next run.
func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) error {
	err := j.fn(ctx)
	status := StatusSuccess
	if err != nil {
		status = StatusError
		s.logger.Error("scheduled job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	j.lastRun = now
	j.lastStatus = status
	j.nextRun = j.schedule.Next(now)
	s.mu.Unlock()
	return err
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return schema.NewErrorf(schema.ErrCodeAlreadyInProgress, "job %q is already running", name)
	}
	defer s.releaseJob(name)

	return s.runJob(ctx, j, s.now())
}

// Jobs returns the registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:       j.name,
			Spec:       j.spec,
			NextRun:    j.nextRun,
			LastRun:    j.lastRun,
			LastStatus: j.lastStatus,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler, waiting for a running tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Debug("scheduler stopped")
	return nil
}
