package events

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher sends domain events toward the choreographer.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// InProcessBus hands events straight to the choreographer. Used by tests
// and single-process deployments; the AMQP bus replaces it when the
// choreographer runs out of process.
type InProcessBus struct {
	choreographer *Choreographer
}

// NewInProcessBus builds a synchronous bus.
func NewInProcessBus(c *Choreographer) *InProcessBus {
	return &InProcessBus{choreographer: c}
}

// Publish implements Publisher by handling the event synchronously.
func (b *InProcessBus) Publish(ctx context.Context, ev Event) error {
	_, err := b.choreographer.Handle(ctx, ev)
	return err
}

// AMQPBus publishes events to a RabbitMQ exchange and runs a consumer
// that feeds the choreographer. Delivery is at-least-once; the
// choreographer's idempotency keys absorb redelivery.
type AMQPBus struct {
	channel  *amqp.Channel
	exchange string
	queue    string
	logger   *zap.Logger
}

// NewAMQPBus declares the exchange and queue and binds them.
func NewAMQPBus(conn *amqp.Connection, exchange, queue string, logger *zap.Logger) (*AMQPBus, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue, "payments.#", exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	return &AMQPBus{channel: ch, exchange: exchange, queue: queue, logger: logger}, nil
}

// Publish implements Publisher.
func (b *AMQPBus) Publish(ctx context.Context, ev Event) error {
	body, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.channel.PublishWithContext(ctx, b.exchange, "payments."+ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/msgpack",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.IdempotencyKey(),
		Body:         body,
	})
}

// Consume pulls events off the queue and hands them to the choreographer
// until ctx is cancelled. Handling failures are requeued once; poison
// messages are dropped with an error log after the redelivery.
func (b *AMQPBus) Consume(ctx context.Context, c *Choreographer) error {
	deliveries, err := b.channel.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			ev, err := Decode(d.Body)
			if err != nil {
				b.logger.Error("undecodable event dropped",
					zap.String("message_id", d.MessageId),
					zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			if _, err := c.Handle(ctx, ev); err != nil {
				if d.Redelivered {
					b.logger.Error("event failed twice, dropping",
						zap.String("event_type", ev.Type),
						zap.String("source_ref", ev.SourceRef),
						zap.Error(err))
					_ = d.Nack(false, false)
				} else {
					_ = d.Nack(false, true)
				}
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close releases the channel.
func (b *AMQPBus) Close() error {
	return b.channel.Close()
}
