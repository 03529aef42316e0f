package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"capmatch-digest/internal/domain"
	"capmatch-digest/internal/infra/metrics"
)

// RabbitDigestQueue implements the job queue over AMQP with a durable queue
// and manual acks, so a crashed worker's job is redelivered.
type RabbitDigestQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

var _ domain.DigestQueue = (*RabbitDigestQueue)(nil)

// NewRabbitDigestQueue dials the broker and declares the durable queue.
func NewRabbitDigestQueue(amqpURL, queue string) (*RabbitDigestQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if err := channel.Confirm(false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &RabbitDigestQueue{conn: conn, channel: channel, queue: queue}, nil
}

// Enqueue publishes a persistent job message and waits for the broker confirm.
func (q *RabbitDigestQueue) Enqueue(ctx context.Context, job domain.UserDigestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	confirmation, err := q.channel.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err == nil {
		var acked bool
		acked, err = confirmation.WaitContext(ctx)
		if err == nil && !acked {
			err = errors.New("broker nacked the publish")
		}
	}
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive blocks until a job arrives or ctx is done. The returned ack either
// confirms the delivery or nacks it back onto the queue.
func (q *RabbitDigestQueue) Receive(ctx context.Context) (domain.UserDigestJob, domain.DigestAckFunc, error) {
	deliveries, err := q.consume()
	if err != nil {
		return domain.UserDigestJob{}, nil, err
	}

	select {
	case <-ctx.Done():
		return domain.UserDigestJob{}, nil, ctx.Err()
	case delivery, ok := <-deliveries:
		if !ok {
			return domain.UserDigestJob{}, nil, errors.New("rabbitmq: consumer channel closed")
		}
		var job domain.UserDigestJob
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			// Poison message: drop it instead of looping forever.
			_ = delivery.Nack(false, false)
			return domain.UserDigestJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return delivery.Ack(false)
			}
			return delivery.Nack(false, true)
		}
		return job, ack, nil
	}
}

// Close tears down the channel and connection.
func (q *RabbitDigestQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}

func (q *RabbitDigestQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.channel.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}
