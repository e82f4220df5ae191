package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"photo_pipeline/internal/domain"
)

type Publisher struct {
	mu      sync.Mutex
	cfg     Config
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
}

func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	conn, ch, err := openChannel(nil, cfg)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, err
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"routing_key", cfg.RoutingKey,
	)

	return &Publisher{
		cfg:     cfg,
		conn:    conn,
		channel: ch,
		logger:  logger,
	}, nil
}

// Publish sends msg as a persistent JSON message. A closed channel is
// reopened once before giving up.
func (p *Publisher) Publish(ctx context.Context, msg domain.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() {
		conn, ch, err := openChannel(p.conn, p.cfg)
		p.conn = conn
		if err != nil {
			return fmt.Errorf("reopen channel: %w", err)
		}
		p.channel = ch
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.cfg.Exchange,
		p.cfg.RoutingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    msg.TaskID.String(),
			Type:         msg.TaskType.String(),
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	p.logger.Debug("published task",
		"task_id", msg.TaskID,
		"task_type", msg.TaskType,
	)

	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
