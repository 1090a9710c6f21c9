package task

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process Broker. Each queue keeps a ready heap ordered
// by (priority desc, created_at asc, publish order) and a delayed heap ordered
// by due time. Delayed messages are promoted lazily on Receive. A task waits
// on its queue at most once: republishing it keeps whichever due time is later.
// A delivery left unacknowledged past the visibility timeout is made ready
// again on the next Receive from its queue.
type MemoryBroker struct {
	mu         sync.Mutex
	queues     map[string]*memoryQueue
	inflight   map[string]inflightDelivery
	capacity   int
	visibility time.Duration
	closed     bool
	seq        uint64
	logger     *slog.Logger

	// wake is closed and replaced whenever a message is published
	wake chan struct{}
}

// DefaultVisibilityTimeout is how long a MemoryBroker delivery may stay
// unacknowledged before it is redelivered.
const DefaultVisibilityTimeout = 5 * time.Minute

type inflightDelivery struct {
	msg      Message
	deadline time.Time
}

// NewMemoryBroker creates a broker. A non-positive capacity means unbounded.
func NewMemoryBroker(capacity int, logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		queues:     make(map[string]*memoryQueue),
		inflight:   make(map[string]inflightDelivery),
		capacity:   capacity,
		visibility: DefaultVisibilityTimeout,
		logger:     logger.With("component", "memory_broker"),
		wake:       make(chan struct{}),
	}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, msg Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	q := b.queue(msg.Queue)
	now := time.Now()
	due := now.Add(delay)

	if existing, waiting := q.waiting[msg.TaskID]; waiting {
		if !due.After(existing.due) || (delay <= 0 && !existing.due.After(now)) {
			b.logger.Debug("task already waiting", "task_id", msg.TaskID, "queue", msg.Queue)
			return nil
		}
		existing.dead = true
	} else if b.capacity > 0 && q.len() >= b.capacity {
		return fmt.Errorf("%w: queue %s capacity %d reached", ErrQueueFull, msg.Queue, b.capacity)
	}

	b.seq++
	e := &brokerEntry{msg: msg, due: due, seq: b.seq}
	q.waiting[msg.TaskID] = e
	if delay > 0 {
		heap.Push(&q.delayed, e)
	} else {
		heap.Push(&q.ready, e)
	}

	b.logger.Debug("task published",
		"task_id", msg.TaskID,
		"queue", msg.Queue,
		"priority", msg.Priority,
		"delay", delay,
		"queue_len", q.len())

	close(b.wake)
	b.wake = make(chan struct{})
	return nil
}

// Receive implements Broker.
func (b *MemoryBroker) Receive(ctx context.Context, queue string) (Message, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Message{}, ErrBrokerClosed
		}

		q := b.queue(queue)
		now := time.Now()
		next := b.reclaim(queue, q, now)
		q.promote(now)

		if e := q.pop(); e != nil {
			b.seq++
			msg := e.msg
			msg.Receipt = fmt.Sprintf("%s#%d", msg.TaskID, b.seq)
			b.inflight[msg.Receipt] = inflightDelivery{msg: msg, deadline: now.Add(b.visibility)}
			b.mu.Unlock()
			return msg, nil
		}

		wake := b.wake
		if q.delayed.Len() > 0 && (next.IsZero() || q.delayed[0].due.Before(next)) {
			next = q.delayed[0].due
		}
		var timer *time.Timer
		var fire <-chan time.Time
		if !next.IsZero() {
			// dead entries may fire early; the loop just re-checks
			timer = time.NewTimer(next.Sub(now))
			fire = timer.C
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return Message{}, ctx.Err()
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// reclaim puts expired deliveries from queue back on its ready heap, unless
// the task is already waiting again. It returns the earliest deadline still
// pending, or the zero time.
func (b *MemoryBroker) reclaim(queue string, q *memoryQueue, now time.Time) time.Time {
	var next time.Time
	for receipt, d := range b.inflight {
		if d.msg.Queue != queue {
			continue
		}
		if d.deadline.After(now) {
			if next.IsZero() || d.deadline.Before(next) {
				next = d.deadline
			}
			continue
		}

		delete(b.inflight, receipt)
		if _, waiting := q.waiting[d.msg.TaskID]; waiting {
			continue
		}
		msg := d.msg
		msg.Receipt = ""
		b.seq++
		e := &brokerEntry{msg: msg, due: now, seq: b.seq}
		q.waiting[msg.TaskID] = e
		heap.Push(&q.ready, e)

		b.logger.Warn("redelivering unacknowledged task",
			"task_id", msg.TaskID,
			"queue", queue,
			"receipt", receipt)
	}
	return next
}

// Ack implements Broker. Acknowledging an unknown receipt is a no-op.
func (b *MemoryBroker) Ack(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, msg.Receipt)
	return nil
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.wake)
		b.logger.Info("task broker closed")
	}
	return nil
}

// Pending returns the number of ready and delayed messages on queue.
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue(queue).len()
}

// Inflight returns the number of unacknowledged deliveries.
func (b *MemoryBroker) Inflight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{waiting: make(map[uuid.UUID]*brokerEntry)}
		b.queues[name] = q
	}
	return q
}

type brokerEntry struct {
	msg  Message
	due  time.Time
	seq  uint64
	dead bool
}

type memoryQueue struct {
	ready   readyHeap
	delayed delayedHeap
	waiting map[uuid.UUID]*brokerEntry
}

func (q *memoryQueue) len() int {
	return len(q.waiting)
}

// pop removes the best live ready entry, discarding superseded ones.
func (q *memoryQueue) pop() *brokerEntry {
	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*brokerEntry)
		if e.dead {
			continue
		}
		delete(q.waiting, e.msg.TaskID)
		return e
	}
	return nil
}

func (q *memoryQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].due.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}

type readyHeap []*brokerEntry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	a, b := h[i].msg, h[j].msg
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*brokerEntry)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type delayedHeap []*brokerEntry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*brokerEntry)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
