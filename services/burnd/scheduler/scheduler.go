package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is a periodic unit of work. A job never overlaps with itself: the next
// tick is armed only after the previous one returns.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Metrics receives job timings.
type Metrics interface {
	ObserveJob(job string, d time.Duration)
}

// Scheduler drives jobs on independent timers.
type Scheduler struct {
	jobs    []Job
	logger  *slog.Logger
	metrics Metrics
}

// Option customises the scheduler.
type Option func(*Scheduler)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers a timing sink.
func WithMetrics(metrics Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// New constructs a scheduler for jobs.
func New(jobs []Job, opts ...Option) *Scheduler {
	s := &Scheduler{jobs: jobs, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run blocks until ctx is cancelled. Ticks already in progress are allowed to
// return before Run does; no new ticks start after cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		if job.Run == nil || job.Interval <= 0 {
			s.logger.Info("scheduler job disabled", slog.String("job", job.Name))
			continue
		}
		job := job
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	delay := job.Interval
	if job.RunOnStart {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.tick(ctx, job)
		timer.Reset(job.Interval)
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveJob(job.Name, elapsed)
	}
	if err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job", job.Name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("scheduled job finished", slog.String("job", job.Name), slog.Duration("elapsed", elapsed))
}
