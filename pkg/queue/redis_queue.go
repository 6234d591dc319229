package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"myway/internal/util"
)

const (
	DeliveryQueued     = "queued"
	DeliveryProcessing = "processing"
	DeliveryDone       = "done"
	DeliveryFailed     = "failed"
)

// Delivery tracks transport attempts for one task. Job state itself lives in
// the feed store.
type Delivery struct {
	JobID        string    `json:"jobId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RedisTaskQueue delivers tasks through a Redis Stream consumer group.
type RedisTaskQueue struct {
	client       *redis.Client
	ownsClient   bool
	stream       string
	group        string
	consumerBase string
	deliveryTTL  time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	onExhausted  ExhaustedFunc
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr     string
	Password string
	// Client reuses an existing connection; Addr and Password are ignored when set.
	Client      *redis.Client
	Stream      string
	Group       string
	Consumer    string
	DeliveryTTL time.Duration
	MaxRetries  int
	Block       time.Duration
	ClaimIdle   time.Duration
	RetryDelay  time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
	OnExhausted ExhaustedFunc
}

func NewRedisTaskQueue(cfg RedisQueueConfig) (*RedisTaskQueue, error) {
	client := cfg.Client
	ownsClient := false
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
		ownsClient = true
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	deliveryTTL := cfg.DeliveryTTL
	if deliveryTTL <= 0 {
		deliveryTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisTaskQueue{
		client:       client,
		ownsClient:   ownsClient,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		deliveryTTL:  deliveryTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		onExhausted:  cfg.OnExhausted,
	}, nil
}

// Publish appends the task to the stream and records a queued delivery.
func (q *RedisTaskQueue) Publish(ctx context.Context, task GenerateTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := q.writeDelivery(ctx, Delivery{
		JobID:     task.JobID,
		Status:    DeliveryQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": task.JobID,
			"task":   payload,
		},
	}).Err(); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// GetDelivery returns the transport record for a job.
func (q *RedisTaskQueue) GetDelivery(ctx context.Context, jobID string) (Delivery, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Delivery{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.deliveryKey(jobID)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if len(data) == 0 {
		return Delivery{}, false, nil
	}
	return decodeDelivery(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisTaskQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

// Close releases the connection if the queue opened it.
func (q *RedisTaskQueue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}

func (q *RedisTaskQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisTaskQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisTaskQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisTaskQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values["task"].(string)
	task, err := DecodeTask([]byte(raw))
	if err != nil {
		slog.Warn("dropping malformed task", "stream", q.stream, "msg_id", msg.ID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	delivery, err := q.markProcessing(ctx, task.JobID)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	herr := handler(ctx, task)
	if herr == nil {
		_ = q.markDone(ctx, task.JobID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if delivery.Attempts >= q.maxRetries {
		slog.Error("task attempts exhausted", "job_id", task.JobID, "attempts", delivery.Attempts, "err", herr)
		_ = q.markFailed(ctx, task.JobID, herr.Error())
		if q.onExhausted != nil {
			q.onExhausted(ctx, task, herr)
		}
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markQueued(ctx, task.JobID, herr.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, task.JobID, raw)
}

func (q *RedisTaskQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck re-adds the payload and acks the original in one MULTI, so a
// failure leaves the original message pending for XAUTOCLAIM.
func (q *RedisTaskQueue) requeueAndAck(ctx context.Context, msgID, jobID, payload string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": jobID,
			"task":   payload,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisTaskQueue) markProcessing(ctx context.Context, jobID string) (Delivery, error) {
	d, _, err := q.GetDelivery(ctx, jobID)
	if err != nil {
		return Delivery{}, err
	}
	d.JobID = jobID
	d.Attempts++
	d.Status = DeliveryProcessing
	d.UpdatedAt = time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	if err := q.writeDelivery(ctx, d); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (q *RedisTaskQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.setStatus(ctx, jobID, DeliveryQueued, errMsg)
}

func (q *RedisTaskQueue) markDone(ctx context.Context, jobID string) error {
	return q.setStatus(ctx, jobID, DeliveryDone, "")
}

func (q *RedisTaskQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.setStatus(ctx, jobID, DeliveryFailed, errMsg)
}

func (q *RedisTaskQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	d, _, err := q.GetDelivery(ctx, jobID)
	if err != nil {
		return err
	}
	d.JobID = jobID
	d.Status = status
	d.ErrorMessage = errMsg
	d.UpdatedAt = time.Now().UTC()
	return q.writeDelivery(ctx, d)
}

func (q *RedisTaskQueue) writeDelivery(ctx context.Context, d Delivery) error {
	key := q.deliveryKey(d.JobID)
	payload := map[string]any{
		"jobId":     d.JobID,
		"status":    d.Status,
		"error":     d.ErrorMessage,
		"attempts":  strconv.Itoa(d.Attempts),
		"createdAt": d.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.deliveryTTL).Err()
	return nil
}

func (q *RedisTaskQueue) deliveryKey(jobID string) string {
	return fmt.Sprintf("delivery:%s:%s", q.stream, jobID)
}

func decodeDelivery(jobID string, data map[string]string) Delivery {
	d := Delivery{JobID: jobID}
	d.Status = data["status"]
	d.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.UpdatedAt = t
		}
	}
	return d
}
