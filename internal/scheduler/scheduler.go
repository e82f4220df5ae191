package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

type Scheduler struct {
	name     string
	job      Job
	interval time.Duration
	timeout  time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
}

func NewScheduler(name string, job Job, interval, timeout time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		job:      job,
		interval: interval,
		timeout:  timeout,
		trigger:  make(chan struct{}, 1),
		logger:   logger.With("job", name),
	}
}

// Start runs the job immediately and then on every tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "timeout", s.timeout)

	s.run(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.run(ctx)
		case <-s.trigger:
			s.logger.Debug("run triggered")
			s.run(ctx)
			ticker.Reset(s.interval)
		}
	}
}

// Trigger requests a run as soon as the current one finishes. Requests made
// while one is already pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.job(runCtx); err != nil {
		s.logger.Error("job failed", "error", err)
	}
}
