package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type SchedulerTestSuite struct {
	suite.Suite
	logger *slog.Logger
}

func (s *SchedulerTestSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) TestStart_RunsImmediatelyAndOnTick() {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler("test", func(context.Context) error {
		runs.Add(1)
		return nil
	}, 20*time.Millisecond, time.Second, s.logger)

	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()

	s.Eventually(func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	s.ErrorIs(<-done, context.Canceled)
}

func (s *SchedulerTestSuite) TestStart_JobErrorDoesNotStop() {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler("failing", func(context.Context) error {
		runs.Add(1)
		return errors.New("bucket unreachable")
	}, 10*time.Millisecond, time.Second, s.logger)

	go func() { _ = sched.Start(ctx) }()

	s.Eventually(func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func (s *SchedulerTestSuite) TestStart_RunBoundedByTimeout() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deadline := make(chan error, 1)
	sched := NewScheduler("slow", func(runCtx context.Context) error {
		<-runCtx.Done()
		select {
		case deadline <- runCtx.Err():
		default:
		}
		return runCtx.Err()
	}, time.Hour, 20*time.Millisecond, s.logger)

	go func() { _ = sched.Start(ctx) }()

	select {
	case err := <-deadline:
		s.ErrorIs(err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		s.FailNow("run was not cancelled by its timeout")
	}
}

func (s *SchedulerTestSuite) TestTrigger_RunsBeforeTick() {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := NewScheduler("triggered", func(context.Context) error {
		runs.Add(1)
		return nil
	}, time.Hour, time.Second, s.logger)

	go func() { _ = sched.Start(ctx) }()
	s.Eventually(func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	sched.Trigger()
	sched.Trigger()

	s.Eventually(func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
}
