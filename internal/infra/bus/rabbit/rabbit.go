package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ptmai/mailpipe/internal/infra/bus"
	"github.com/ptmai/mailpipe/internal/metrics"
)

// Config holds RabbitMQ connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Bus implements bus.Bus over a RabbitMQ topic exchange with manual acks.
type Bus struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
}

// New dials RabbitMQ and opens a channel.
func New(cfg Config, log *slog.Logger) (*Bus, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Bus{
		conn:     conn,
		ch:       ch,
		log:      log,
		declared: make(map[string]bool),
	}, nil
}

// Publish sends one event to the topic exchange.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, evt *bus.Envelope) error {
	if err := b.ensureExchange(exchange); err != nil {
		return err
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = b.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    evt.EventID,
		Timestamp:    evt.Timestamp,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(routingKey).Inc()
	return nil
}

// Subscribe binds a durable queue to the routing key and consumes it with
// manual acks. Handler errors nack without requeue so the broker's
// dead-letter policy takes over.
func (b *Bus) Subscribe(ctx context.Context, exchange, routingKey string, h bus.Handler) error {
	if err := b.ensureExchange(exchange); err != nil {
		return err
	}

	queueName := fmt.Sprintf("mailpipe.%s", routingKey)
	q, err := b.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if err := b.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", q.Name, err)
	}

	deliveries, err := b.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", q.Name, err)
	}

	go b.consume(ctx, routingKey, deliveries, h)
	return nil
}

// consume processes deliveries until the channel closes or ctx is done.
// Handlers run to completion before the next message is acknowledged.
func (b *Bus) consume(ctx context.Context, routingKey string, deliveries <-chan amqp.Delivery, h bus.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			var evt bus.Envelope
			if err := json.Unmarshal(d.Body, &evt); err != nil {
				b.log.Warn("Dropping undecodable message", "routing_key", routingKey, "error", err)
				_ = d.Nack(false, false)
				continue
			}

			if err := h(ctx, &evt); err != nil {
				b.log.Error("Handler failed, nacking",
					"routing_key", routingKey, "event_id", evt.EventID, "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (b *Bus) ensureExchange(exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.declared[exchange] {
		return nil
	}
	if err := b.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	b.declared[exchange] = true
	return nil
}

// Close closes the channel and connection.
func (b *Bus) Close() error {
	if err := b.ch.Close(); err != nil {
		_ = b.conn.Close()
		return err
	}
	return b.conn.Close()
}
