package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"photo_pipeline/internal/worker"
)

// Consumer hands out one channel-backed subscription per worker over a
// shared connection. A dropped connection is redialed on the next Subscribe.
type Consumer struct {
	mu     sync.Mutex
	cfg    Config
	conn   *amqp.Connection
	logger *slog.Logger
}

func NewConsumer(cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger.With("component", "consumer", "queue", cfg.QueueName),
	}
}

func (c *Consumer) Subscribe(ctx context.Context, tag string) (worker.Subscription, error) {
	c.mu.Lock()
	conn, ch, err := openChannel(c.conn, c.cfg)
	c.conn = conn
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(
		ctx,
		c.cfg.QueueName,
		tag,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", c.cfg.QueueName, err)
	}

	sub := &subscription{
		ch:         ch,
		tag:        tag,
		deliveries: make(chan worker.Delivery),
		done:       make(chan struct{}),
	}
	go sub.forward(msgs)

	c.logger.Info("subscribed", "tag", tag, "prefetch", c.cfg.Prefetch)
	return sub, nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

type subscription struct {
	ch         *amqp.Channel
	tag        string
	deliveries chan worker.Delivery
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *subscription) forward(msgs <-chan amqp.Delivery) {
	defer close(s.deliveries)
	for m := range msgs {
		select {
		case s.deliveries <- delivery{m: m}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Deliveries() <-chan worker.Delivery { return s.deliveries }

// Cancel stops the broker from sending further deliveries. Deliveries already
// prefetched still arrive before the channel is closed.
func (s *subscription) Cancel() error {
	return s.ch.Cancel(s.tag, false)
}

// Close releases the channel; unacknowledged deliveries return to the queue.
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if !s.ch.IsClosed() {
			err = s.ch.Close()
		}
	})
	return err
}

type delivery struct {
	m amqp.Delivery
}

func (d delivery) Body() []byte            { return d.m.Body }
func (d delivery) Redelivered() bool       { return d.m.Redelivered }
func (d delivery) Ack() error              { return d.m.Ack(false) }
func (d delivery) Nack(requeue bool) error { return d.m.Nack(false, requeue) }
