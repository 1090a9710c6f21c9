package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/task"
)

// Default broker settings
const (
	DefaultKeyPrefix         = "mediagen"
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultPollInterval      = 200 * time.Millisecond
)

// priorityStride separates priority bands in a ready score. Millisecond
// timestamps stay below it until the year 2286.
const priorityStride = 1e13

// Config holds the Redis broker settings.
type Config struct {
	// KeyPrefix namespaces every key the broker writes
	KeyPrefix string

	// VisibilityTimeout is how long a delivery may stay unacknowledged
	// before the task becomes ready again
	VisibilityTimeout time.Duration

	// PollInterval is how often an idle Receive re-checks its queue
	PollInterval time.Duration

	// Capacity bounds the waiting tasks per queue; zero means unbounded
	Capacity int
}

// Broker implements task.Broker on Redis sorted sets. Each queue has a ready
// set scored by priority then creation time, a delayed set scored by due
// time, and an inflight set scored by visibility deadline.
type Broker struct {
	client redis.UniversalClient
	config Config
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

var _ task.Broker = (*Broker)(nil)

// NewBroker creates a broker on client. The client is owned by the caller
// and stays open after Close.
func NewBroker(client redis.UniversalClient, config Config, logger *slog.Logger) *Broker {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Broker{
		client: client,
		config: config,
		logger: logger.With(slog.String("component", "redis_broker")),
		done:   make(chan struct{}),
	}
}

// payload is the message body stored per waiting task.
type payload struct {
	TaskID    uuid.UUID `json:"task_id"`
	Queue     string    `json:"queue"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	Score     float64   `json:"score"`
}

// Publish implements task.Broker.
func (b *Broker) Publish(ctx context.Context, msg task.Message, delay time.Duration) error {
	if b.isClosed() {
		return task.ErrBrokerClosed
	}

	body, err := json.Marshal(payload{
		TaskID:    msg.TaskID,
		Queue:     msg.Queue,
		Priority:  msg.Priority,
		CreatedAt: msg.CreatedAt.UTC(),
		Score:     readyScore(msg.Priority, msg.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	now := time.Now()
	k := b.keys(msg.Queue)
	res, err := publishScript.Run(ctx, b.client,
		[]string{k.ready, k.delayed, k.messages},
		msg.TaskID.String(),
		body,
		readyScore(msg.Priority, msg.CreatedAt),
		now.Add(delay).UnixMilli(),
		now.UnixMilli(),
		b.config.Capacity,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to publish task %s: %w", msg.TaskID, err)
	}

	switch res {
	case -1:
		return fmt.Errorf("%w: queue %s capacity %d reached", task.ErrQueueFull, msg.Queue, b.config.Capacity)
	case 0:
		b.logger.Debug("task already waiting",
			slog.String("task_id", msg.TaskID.String()),
			slog.String("queue", msg.Queue))
	default:
		b.logger.Debug("task published",
			slog.String("task_id", msg.TaskID.String()),
			slog.String("queue", msg.Queue),
			slog.Int("priority", msg.Priority),
			slog.Duration("delay", delay))
	}
	return nil
}

// Receive implements task.Broker. It polls the queue until a task is ready,
// ctx is done or the broker is closed.
func (b *Broker) Receive(ctx context.Context, queue string) (task.Message, error) {
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		if b.isClosed() {
			return task.Message{}, task.ErrBrokerClosed
		}

		msg, ok, err := b.pop(ctx, queue)
		if err != nil {
			return task.Message{}, err
		}
		if ok {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return task.Message{}, ctx.Err()
		case <-b.done:
			return task.Message{}, task.ErrBrokerClosed
		case <-ticker.C:
		}
	}
}

func (b *Broker) pop(ctx context.Context, queue string) (task.Message, bool, error) {
	now := time.Now()
	receipt := uuid.NewString()
	k := b.keys(queue)

	res, err := popScript.Run(ctx, b.client,
		[]string{k.ready, k.delayed, k.messages, k.inflight, k.receipts},
		now.UnixMilli(),
		now.Add(b.config.VisibilityTimeout).UnixMilli(),
		receipt,
	).Result()
	if err != nil {
		if ctx.Err() != nil {
			return task.Message{}, false, ctx.Err()
		}
		return task.Message{}, false, fmt.Errorf("failed to receive from queue %s: %w", queue, err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) < 2 {
		return task.Message{}, false, nil
	}
	body, _ := fields[1].(string)

	var p payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return task.Message{}, false, fmt.Errorf("failed to decode message %v: %w", fields[0], err)
	}

	return task.Message{
		TaskID:    p.TaskID,
		Queue:     queue,
		Priority:  p.Priority,
		CreatedAt: p.CreatedAt,
		Receipt:   receipt,
	}, true, nil
}

// Ack implements task.Broker.
func (b *Broker) Ack(ctx context.Context, msg task.Message) error {
	if msg.Receipt == "" {
		return nil
	}
	k := b.keys(msg.Queue)
	err := ackScript.Run(ctx, b.client,
		[]string{k.ready, k.delayed, k.messages, k.inflight, k.receipts},
		msg.Receipt,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to ack task %s: %w", msg.TaskID, err)
	}
	return nil
}

// Close implements task.Broker.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.logger.Info("task broker closed")
	})
	return nil
}

// Pending returns the number of ready and delayed tasks on queue.
func (b *Broker) Pending(ctx context.Context, queue string) (int64, error) {
	k := b.keys(queue)
	pipe := b.client.TxPipeline()
	ready := pipe.ZCard(ctx, k.ready)
	delayed := pipe.ZCard(ctx, k.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count queue %s: %w", queue, err)
	}
	return ready.Val() + delayed.Val(), nil
}

// Inflight returns the number of unacknowledged deliveries on queue.
func (b *Broker) Inflight(ctx context.Context, queue string) (int64, error) {
	return b.client.ZCard(ctx, b.keys(queue).inflight).Result()
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

type queueKeys struct {
	ready    string
	delayed  string
	messages string
	inflight string
	receipts string
}

// keys share a hash tag so every script touches one cluster slot.
func (b *Broker) keys(queue string) queueKeys {
	base := fmt.Sprintf("%s:{%s}", b.config.KeyPrefix, queue)
	return queueKeys{
		ready:    base + ":ready",
		delayed:  base + ":delayed",
		messages: base + ":messages",
		inflight: base + ":inflight",
		receipts: base + ":receipts",
	}
}

// readyScore orders a queue by priority desc then created_at asc. Lower
// scores are served first.
func readyScore(priority int, createdAt time.Time) float64 {
	if priority < task.MinPriority {
		priority = task.MinPriority
	}
	if priority > task.MaxPriority {
		priority = task.MaxPriority
	}
	ms := createdAt.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	return float64(task.MaxPriority+1-priority)*priorityStride + float64(ms)
}
