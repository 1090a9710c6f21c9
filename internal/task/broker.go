package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is a "task is ready to run" signal. It carries only what the
// broker needs for ordering; the task itself is always re-read from the store.
type Message struct {
	TaskID    uuid.UUID
	Queue     string
	Priority  int
	CreatedAt time.Time

	// Receipt identifies one delivery and is set by Receive.
	Receipt string
}

// NewMessage builds the ready signal for t.
func NewMessage(t *GenerationTask) Message {
	return Message{
		TaskID:    t.ID,
		Queue:     t.QueueName,
		Priority:  t.Priority,
		CreatedAt: t.CreatedAt,
	}
}

// Broker delivers ready signals at least once per named queue, ordered by
// priority desc then created_at asc. A delivery that is never acknowledged may
// be redelivered.
type Broker interface {
	// Publish makes msg deliverable on msg.Queue after delay.
	Publish(ctx context.Context, msg Message, delay time.Duration) error

	// Receive blocks until a message is available on queue or ctx is done.
	Receive(ctx context.Context, queue string) (Message, error)

	// Ack confirms that a delivery was handled.
	Ack(ctx context.Context, msg Message) error

	// Close stops the broker. Blocked receivers return ErrBrokerClosed.
	Close() error
}
