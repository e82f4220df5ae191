package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"photo_pipeline/internal/domain"
)

const drainTimeout = 10 * time.Second

type PoolConfig struct {
	Count int
	// ReconnectMaxElapsed bounds how long a worker keeps trying to
	// resubscribe before the pool gives up. Zero retries forever.
	ReconnectMaxElapsed time.Duration
	// Outage schedules the pauses a worker takes after a delivery fails on
	// storage or the broker. The schedule resets on the next handled
	// delivery. Defaults to unbounded exponential backoff.
	Outage RetryPolicy
}

// Pool runs Count workers, each holding its own subscription and handling
// one delivery at a time.
type Pool struct {
	source  Source
	handler *Handler
	cfg     PoolConfig
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewPool(source Source, handler *Handler, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.Outage == nil {
		cfg.Outage = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Pool{
		source:  source,
		handler: handler,
		cfg:     cfg,
		tracer:  otel.Tracer("photo_pipeline/worker"),
		logger:  logger.With("component", "worker_pool"),
	}
}

// Run blocks until ctx is cancelled and every worker has finished its
// in-flight delivery, or until a worker cannot resubscribe.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.cfg.Count)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Count {
		tag := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return p.runWorker(gctx, tag)
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) runWorker(ctx context.Context, tag string) error {
	logger := p.logger.With("worker", tag)

	for {
		sub, err := p.subscribe(ctx, tag, logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: subscribe: %w", tag, err)
		}

		if !p.consume(ctx, sub, logger) {
			return nil
		}
		logger.Warn("subscription lost, reconnecting")
	}
}

func (p *Pool) subscribe(ctx context.Context, tag string, logger *slog.Logger) (Subscription, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = p.cfg.ReconnectMaxElapsed

	var sub Subscription
	op := func() error {
		s, err := p.source.Subscribe(ctx, tag)
		if err != nil {
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("subscribe failed, retrying", "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return sub, nil
}

// consume handles deliveries until shutdown or until the subscription ends
// on its own. It reports whether the subscription was lost.
func (p *Pool) consume(ctx context.Context, sub Subscription, logger *slog.Logger) bool {
	deliveries := sub.Deliveries()
	outage := p.cfg.Outage()
	for {
		select {
		case <-ctx.Done():
			p.drain(sub, logger)
			return false
		case d, ok := <-deliveries:
			if !ok {
				_ = sub.Close()
				return ctx.Err() == nil
			}
			if ctx.Err() != nil {
				_ = d.Nack(true)
				p.drain(sub, logger)
				return false
			}
			// In-flight work runs to completion even when shutdown begins.
			err := p.handle(context.WithoutCancel(ctx), d, logger)
			if !errors.Is(err, domain.ErrInfrastructure) {
				outage.Reset()
				continue
			}

			wait := outage.NextBackOff()
			if wait == backoff.Stop {
				outage.Reset()
				wait = outage.NextBackOff()
			}
			logger.Warn("pausing after infrastructure failure", "wait", wait)
			select {
			case <-ctx.Done():
				p.drain(sub, logger)
				return false
			case <-time.After(wait):
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, d Delivery, logger *slog.Logger) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle")
	defer span.End()

	err := p.handler.Handle(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("delivery requeued", "error", err)
	}
	return err
}

// drain stops the subscription and returns prefetched deliveries to the queue.
func (p *Pool) drain(sub Subscription, logger *slog.Logger) {
	if err := sub.Cancel(); err != nil {
		logger.Warn("cancel subscription", "error", err)
	}

	timeout := time.NewTimer(drainTimeout)
	defer timeout.Stop()

	requeued := 0
loop:
	for {
		select {
		case d, ok := <-sub.Deliveries():
			if !ok {
				break loop
			}
			if err := d.Nack(true); err != nil {
				logger.Warn("requeue prefetched delivery", "error", err)
			}
			requeued++
		case <-timeout.C:
			break loop
		}
	}

	if err := sub.Close(); err != nil {
		logger.Warn("close subscription", "error", err)
	}
	logger.Info("worker stopped", "requeued", requeued)
}
