package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/auto-earn/internal/logging"
	"github.com/robfig/cron/v3"
)

// Job is one step of a scheduled run
type Job struct {
	Name    string
	Timeout time.Duration // zero means no per-job limit
	Run     func(ctx context.Context) error
}

// JobStatus is the outcome of the most recent execution of a job
type JobStatus struct {
	Name       string    `json:"name"`
	Runs       int       `json:"runs"`
	LastStart  time.Time `json:"lastStart"`
	LastEnd    time.Time `json:"lastEnd"`
	LastError  string    `json:"lastError,omitempty"`
	LastRunDur string    `json:"lastRunDuration"`
}

// Scheduler runs its jobs in order on a cron schedule. A tick that fires while
// the previous run is still going is skipped.
type Scheduler struct {
	spec string
	jobs []Job
	cron *cron.Cron

	mu      sync.RWMutex
	running bool
	status  map[string]*JobStatus
	runMu   sync.Mutex
}

// NewScheduler validates spec (standard 5-field cron syntax) and creates a scheduler
func NewScheduler(spec string, jobs ...Job) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("at least one job is required")
	}

	s := &Scheduler{
		spec:   spec,
		jobs:   jobs,
		status: make(map[string]*JobStatus, len(jobs)),
	}
	for _, j := range jobs {
		s.status[j.Name] = &JobStatus{Name: j.Name}
	}
	return s, nil
}

// Start registers the run with cron and starts ticking. Runs use ctx as their parent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	logger := cronLogger{logging.FromContext(ctx)}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.spec, func() { _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule run: %w", err)
	}

	s.cron = c
	s.running = true
	c.Start()

	logging.FromContext(ctx).WithField("schedule", s.spec).Info("Scheduler started")
	return nil
}

// Stop stops ticking and waits for an in-flight run, or for ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the scheduler is ticking
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RunOnce runs every job in order. A failing job is logged and does not stop
// the jobs after it. Concurrent calls are serialized.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var errs []error
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.runJob(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) error {
	logger := logging.FromContext(ctx).WithField("job", job.Name)

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := job.Run(ctx)
	end := time.Now()

	s.mu.Lock()
	st := s.status[job.Name]
	st.Runs++
	st.LastStart = start
	st.LastEnd = end
	st.LastRunDur = end.Sub(start).String()
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		logger.WithError(err).Error("Scheduled job failed")
		return err
	}
	logger.WithField("duration", end.Sub(start).String()).Info("Scheduled job finished")
	return nil
}

// Status returns a copy of the last outcome of every job, in run order
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *s.status[j.Name])
	}
	return out
}

// cronLogger adapts the structured logger to cron's logger interface
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Zap().Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).Zap().Sugar().Errorw(msg, keysAndValues...)
}
