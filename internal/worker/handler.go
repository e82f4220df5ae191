package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"photo_pipeline/internal/domain"
	"photo_pipeline/internal/processor"
)

type HandlerConfig struct {
	APITimeout time.Duration
	MaxRetries int
	Retry      RetryPolicy
}

// Handler runs a single delivery to completion. Every outcome other than a
// ledger or broker failure acknowledges the message.
type Handler struct {
	ledger     Ledger
	processors Processors
	quarantine Quarantiner
	cfg        HandlerConfig
	tracer     trace.Tracer
	logger     *slog.Logger
}

func NewHandler(ledger Ledger, processors Processors, quarantine Quarantiner, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Retry == nil {
		cfg.Retry = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	return &Handler{
		ledger:     ledger,
		processors: processors,
		quarantine: quarantine,
		cfg:        cfg,
		tracer:     otel.Tracer("photo_pipeline/worker"),
		logger:     logger,
	}
}

func (h *Handler) Handle(ctx context.Context, d Delivery) error {
	msg, err := domain.DecodeJobMessage(d.Body())
	if err != nil {
		h.logger.Warn("undecodable message, quarantining", "error", err)
		qerr := h.quarantine.Quarantine(ctx, domain.QuarantineRecord{
			Source:  domain.QuarantineSourceQueue,
			Reason:  err.Error(),
			Payload: d.Body(),
		})
		if qerr != nil {
			return h.requeue(d, fmt.Errorf("quarantine message: %w", qerr))
		}
		return d.Ack()
	}

	logger := h.logger.With("task_id", msg.TaskID, "task_type", msg.TaskType)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("task.id", msg.TaskID.String()),
		attribute.String("task.type", msg.TaskType.String()),
		attribute.Bool("delivery.redelivered", d.Redelivered()),
	)

	if _, err := h.ledger.Resolve(ctx, msg); err != nil {
		return h.requeue(d, fmt.Errorf("resolve task %s: %w", msg.TaskID, err))
	}
	task, err := h.ledger.Begin(ctx, msg.TaskID)
	if err != nil {
		return h.requeue(d, fmt.Errorf("begin task %s: %w", msg.TaskID, err))
	}
	if task.Status.IsTerminal() {
		logger.Info("task already finished, skipping", "status", task.Status)
		return d.Ack()
	}

	input, err := domain.DecodePayload(msg.TaskType, msg.Payload)
	if err != nil {
		logger.Warn("malformed payload", "error", err)
		return h.fail(ctx, d, msg.TaskID, err)
	}

	proc, ok := h.processors.Lookup(msg.TaskType)
	if !ok {
		return h.fail(ctx, d, msg.TaskID, domain.Permanentf("no processor registered for %s", msg.TaskType))
	}

	result, procErr, err := h.process(ctx, logger, task, proc, input)
	if err != nil {
		return h.requeue(d, err)
	}
	if procErr != nil {
		span.SetStatus(codes.Error, procErr.Error())
		logger.Warn("task failed", "error", procErr)
		return h.fail(ctx, d, msg.TaskID, procErr)
	}

	err = h.ledger.Succeed(ctx, msg.TaskID, input.Photo(), result)
	switch {
	case err == nil:
		logger.Info("task succeeded")
		return d.Ack()
	case errors.Is(err, domain.ErrInvalidTransition):
		logger.Info("task finished elsewhere, dropping result")
		return d.Ack()
	case errors.Is(err, domain.ErrNotFound):
		return h.fail(ctx, d, msg.TaskID, err)
	default:
		return h.requeue(d, fmt.Errorf("complete task %s: %w", msg.TaskID, err))
	}
}

// process invokes proc until it succeeds, fails permanently or the retry
// budget is spent. Attempts already recorded on task count against the
// budget. procErr is the last processor error; err is a ledger failure.
func (h *Handler) process(
	ctx context.Context,
	logger *slog.Logger,
	task *domain.Task,
	proc processor.Processor,
	input domain.Payload,
) (result domain.Result, procErr error, err error) {
	b := backoff.WithContext(h.cfg.Retry(), ctx)

	if task.Attempts >= h.cfg.MaxRetries {
		if last, ok := task.Metadata["last_error"].(string); ok {
			return nil, errors.New(last), nil
		}
		return nil, fmt.Errorf("retry budget of %d attempts exhausted", h.cfg.MaxRetries), nil
	}

	for attempt := task.Attempts + 1; attempt <= h.cfg.MaxRetries; attempt++ {
		result, procErr = h.invoke(ctx, proc, task.ID, input, attempt)
		if procErr == nil {
			return result, nil, nil
		}

		if err := h.ledger.RecordAttempt(ctx, task.ID, procErr.Error()); err != nil {
			return nil, nil, fmt.Errorf("record attempt for task %s: %w", task.ID, err)
		}

		if domain.IsPermanent(procErr) || attempt == h.cfg.MaxRetries {
			break
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		logger.Warn("attempt failed, retrying",
			"attempt", attempt,
			"max_retries", h.cfg.MaxRetries,
			"wait", wait,
			"error", procErr,
		)

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, procErr, nil
}

type outcome struct {
	result domain.Result
	err    error
}

// invoke bounds a processor call by the API timeout. A call that overruns is
// abandoned; its eventual outcome is discarded.
func (h *Handler) invoke(ctx context.Context, proc processor.Processor, id uuid.UUID, input domain.Payload, attempt int) (domain.Result, error) {
	ctx, span := h.tracer.Start(ctx, "processor.invoke",
		trace.WithAttributes(attribute.Int("attempt", attempt)))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.APITimeout)
	defer cancel()
	callCtx = processor.WithProgress(callCtx, h.progressReporter(ctx, id))

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		res, err := proc.Process(callCtx, id, input)
		done <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		o.err = fmt.Errorf("processor timed out after %s: %w", h.cfg.APITimeout, callCtx.Err())
	}

	if o.err == nil && o.result == nil {
		o.err = domain.Permanentf("processor returned no result")
	}
	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Error())
	}
	return o.result, o.err
}

// progressReporter records processor progress in the ledger. Rejected
// updates are logged and do not affect the attempt.
func (h *Handler) progressReporter(ctx context.Context, id uuid.UUID) processor.ProgressFunc {
	return func(processed int64) {
		if err := h.ledger.ReportProgress(ctx, id, processed); err != nil {
			h.logger.Warn("progress update rejected", "task_id", id, "processed", processed, "error", err)
		}
	}
}

func (h *Handler) fail(ctx context.Context, d Delivery, id uuid.UUID, cause error) error {
	err := h.ledger.Fail(ctx, id, cause.Error())
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		return h.requeue(d, fmt.Errorf("fail task %s: %w", id, err))
	}
	return d.Ack()
}

// requeue returns d to the queue. The error it returns wraps
// domain.ErrInfrastructure so the pool pauses before the next delivery.
func (h *Handler) requeue(d Delivery, err error) error {
	err = fmt.Errorf("%w: %w", domain.ErrInfrastructure, err)
	if nerr := d.Nack(true); nerr != nil {
		return errors.Join(err, fmt.Errorf("nack: %w", nerr))
	}
	return err
}
