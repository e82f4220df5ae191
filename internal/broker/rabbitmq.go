// Package broker carries task messages over RabbitMQ.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
	Prefetch   int
}

// declareTopology declares the durable exchange and queue and binds them.
// Publisher and consumer both call it so either side may start first.
func declareTopology(ch *amqp.Channel, cfg Config) error {
	err := ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		cfg.QueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		cfg.RoutingKey,
		cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// openChannel dials url when conn is nil or closed and opens a channel with
// the topology declared.
func openChannel(conn *amqp.Connection, cfg Config) (*amqp.Connection, *amqp.Channel, error) {
	if conn == nil || conn.IsClosed() {
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		conn = c
	}

	ch, err := conn.Channel()
	if err != nil {
		return conn, nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		return conn, nil, err
	}
	return conn, ch, nil
}
