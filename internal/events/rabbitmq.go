package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"bita-miner/pkg/logger"
)

const rabbitPrefetch = 16

// RabbitBus uses one durable queue. Messages are persistent and carry the
// event id as MessageId; a failed handler returns the message to the queue.
type RabbitBus struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu sync.Mutex
}

func NewRabbitBus(url, queue string) (*RabbitBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if err := ch.Qos(rabbitPrefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	logger.Log.Info("connected to RabbitMQ", logger.String("queue", queue))
	return &RabbitBus{conn: conn, ch: ch, queue: queue}, nil
}

func (b *RabbitBus) Publish(ctx context.Context, ev UserCreated) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("error encoding event %s: %w", ev.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err = b.ch.PublishWithContext(ctx,
		"",      // exchange
		b.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Type:         KindUserCreated,
			Timestamp:    ev.CreatedAt,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("error publishing event %s: %w", ev.ID, err)
	}
	return nil
}

func (b *RabbitBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	msgs, err := b.ch.ConsumeWithContext(ctx,
		b.queue, // queue
		"",      // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return ErrClosed
			}
			b.handle(ctx, h, msg)
		}
	}
}

func (b *RabbitBus) handle(ctx context.Context, h Handler, msg amqp.Delivery) {
	ev, err := decode(msg.Body)
	if err != nil {
		logger.Log.Error("discarding undecodable event", logger.String("message_id", msg.MessageId), logger.Error(err))
		_ = msg.Ack(false)
		return
	}

	if err := h(ctx, ev); err != nil {
		logger.Log.Warn("event handler failed, requeueing", logger.String("event_id", ev.ID), logger.Error(err))
		if nackErr := msg.Nack(false, true); nackErr != nil {
			logger.Log.Error("error requeueing event", logger.String("event_id", ev.ID), logger.Error(nackErr))
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		logger.Log.Error("error acknowledging event", logger.String("event_id", ev.ID), logger.Error(err))
	}
}

func (b *RabbitBus) Close() error {
	if err := b.ch.Close(); err != nil {
		_ = b.conn.Close()
		return err
	}
	return b.conn.Close()
}
