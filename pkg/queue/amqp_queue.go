package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptsHeader = "x-attempts"

// AMQPTaskQueue delivers tasks through a durable RabbitMQ queue.
type AMQPTaskQueue struct {
	conn        *amqp.Connection
	mu          sync.Mutex // guards publishing on channel
	channel     *amqp.Channel
	queue       string
	maxRetries  int
	retryDelay  time.Duration
	onExhausted ExhaustedFunc
}

type AMQPQueueConfig struct {
	URL         string
	Queue       string
	MaxRetries  int
	RetryDelay  time.Duration
	OnExhausted ExhaustedFunc
}

func NewAMQPTaskQueue(cfg AMQPQueueConfig) (*AMQPTaskQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("queue name required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPTaskQueue{
		conn:        conn,
		channel:     channel,
		queue:       name,
		maxRetries:  maxRetries,
		retryDelay:  retryDelay,
		onExhausted: cfg.OnExhausted,
	}, nil
}

// Publish sends a persistent task message.
func (q *AMQPTaskQueue) Publish(ctx context.Context, task GenerateTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	return q.publish(ctx, task, 0)
}

func (q *AMQPTaskQueue) publish(ctx context.Context, task GenerateTask, attempts int) error {
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.channel.PublishWithContext(ctx,
		"",      // default exchange
		q.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         []byte(payload),
			DeliveryMode: amqp.Persistent,
			MessageId:    task.JobID,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{attemptsHeader: int32(attempts)},
		},
	); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Start consumes with manual acks on concurrency dedicated channels.
func (q *AMQPTaskQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		ch, err := q.conn.Channel()
		if err != nil {
			slog.Error("open consumer channel failed", "queue", q.queue, "err", err)
			return
		}
		if err := ch.Qos(1, 0, false); err != nil {
			slog.Warn("set consumer prefetch failed", "queue", q.queue, "err", err)
		}
		msgs, err := ch.Consume(
			q.queue,
			"",    // consumer
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		if err != nil {
			slog.Error("register consumer failed", "queue", q.queue, "err", err)
			ch.Close()
			return
		}
		go q.consumeLoop(ctx, ch, msgs, handler)
	}
}

func (q *AMQPTaskQueue) consumeLoop(ctx context.Context, ch *amqp.Channel, msgs <-chan amqp.Delivery, handler Handler) {
	defer ch.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			q.handleDelivery(ctx, msg, handler)
		}
	}
}

func (q *AMQPTaskQueue) handleDelivery(ctx context.Context, msg amqp.Delivery, handler Handler) {
	task, err := DecodeTask(msg.Body)
	if err != nil {
		slog.Warn("dropping malformed task", "queue", q.queue, "err", err)
		_ = msg.Nack(false, false)
		return
	}
	herr := handler(ctx, task)
	if herr == nil {
		_ = msg.Ack(false)
		return
	}
	attempts := deliveryAttempts(msg.Headers) + 1
	if attempts >= q.maxRetries {
		slog.Error("task attempts exhausted", "job_id", task.JobID, "attempts", attempts, "err", herr)
		if q.onExhausted != nil {
			q.onExhausted(ctx, task, herr)
		}
		_ = msg.Ack(false)
		return
	}
	select {
	case <-ctx.Done():
		_ = msg.Nack(false, true)
		return
	case <-time.After(q.retryDelay):
	}
	if err := q.publish(ctx, task, attempts); err != nil {
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func deliveryAttempts(headers amqp.Table) int {
	switch v := headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Close shuts the channel and connection.
func (q *AMQPTaskQueue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
