// Package jobs runs the periodic sweeps that keep persistent state honest
// while live traffic is served: hold expiry, reconciliation guards,
// approval timeouts and cache housekeeping. Every sweep is idempotent, so
// overlapping runs across replicas need no coordination.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named sweep. Run returns how many items it changed.
type Job struct {
	Name string
	// Spec is a cron schedule, e.g. "@every 1m" or "*/5 * * * *".
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// ErrUnknownJob is returned by RunNow for unregistered names.
var ErrUnknownJob = errors.New("jobs: unknown job")

// Scheduler runs jobs on their schedules. A job still running when its
// next tick arrives is skipped; panics are recovered and logged.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]Job
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
}

// NewScheduler creates a scheduler. Each run is bounded by timeout.
func NewScheduler(timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:    make(map[string]Job),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  logger,
	}
}

// Add registers job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Name == "" || job.Run == nil {
		return errors.New("jobs: job needs a name and a run function")
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("jobs: duplicate job %q", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { _, _ = s.run(s.ctx, job) }); err != nil {
		return fmt.Errorf("jobs: schedule %q: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) (int, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	n, err := job.Run(ctx)
	log := s.logger.With("job", job.Name, "duration", time.Since(start))
	switch {
	case err != nil:
		log.ErrorContext(ctx, "job failed", "changed", n, "error", err)
	case n > 0:
		log.InfoContext(ctx, "job completed", "changed", n)
	default:
		log.DebugContext(ctx, "job completed")
	}
	return n, err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
