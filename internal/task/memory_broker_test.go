package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brokerMessage(priority int, created time.Time) Message {
	return Message{
		TaskID:    uuid.New(),
		Queue:     "generation.image",
		Priority:  priority,
		CreatedAt: created,
	}
}

func receive(t *testing.T, b *MemoryBroker, queue string) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := b.Receive(ctx, queue)
	require.NoError(t, err)
	return msg
}

func TestMemoryBrokerPriorityOrder(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(0, testLogger())
	defer func() { _ = broker.Close() }()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	low := brokerMessage(3, base)
	high := brokerMessage(8, base.Add(time.Second))
	require.NoError(t, broker.Publish(ctx, low, 0))
	require.NoError(t, broker.Publish(ctx, high, 0))

	assert.Equal(t, high.TaskID, receive(t, broker, "generation.image").TaskID)
	assert.Equal(t, low.TaskID, receive(t, broker, "generation.image").TaskID)
}

func TestMemoryBrokerFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(0, testLogger())
	defer func() { _ = broker.Close() }()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		msg := brokerMessage(5, base.Add(time.Duration(i)*time.Millisecond))
		want = append(want, msg.TaskID)
		require.NoError(t, broker.Publish(ctx, msg, 0))
	}

	for _, id := range want {
		assert.Equal(t, id, receive(t, broker, "generation.image").TaskID)
	}
}

func TestMemoryBrokerQueuesAreIndependent(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(0, testLogger())
	defer func() { _ = broker.Close() }()

	msg := brokerMessage(5, time.Now())
	msg.Queue = "generation.video"
	require.NoError(t, broker.Publish(ctx, msg, 0))

	assert.Equal(t, 0, broker.Pending("generation.image"))
	assert.Equal(t, 1, broker.Pending("generation.video"))

	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := broker.Receive(rctx, "generation.image")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBrokerDelay(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(0, testLogger())
	defer func() { _ = broker.Close() }()

	delayed := brokerMessage(9, time.Now())
	ready := brokerMessage(1, time.Now())
	require.NoError(t, broker.Publish(ctx, delayed, 100*time.Millisecond))
	require.NoError(t, broker.Publish(ctx, ready, 0))

	// The delayed message outranks the ready one but is not yet due
	assert.Equal(t, ready.TaskID, receive(t, broker, "generation.image").TaskID)

	start := time.Now()
	got := receive(t, broker, "generation.image")
	assert.Equal(t, delayed.TaskID, got.TaskID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryBrokerDeduplicatesWaitingTask(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(0, testLogger())
	defer func() { _ = broker.Close() }()

	msg := brokerMessage(5, time.Now())
	require.NoError(t, broker.Publish(ctx, msg, 0))
	require.NoError(t, broker.Publish(ctx, msg, 0))
	assert.Equal(t, 1, broker.Pending("generation.image"))

	// A later due time replaces the waiting entry
	require.NoError(t, broker.Publish(ctx, msg, 80*time.Millisecond))
	assert.Equal(t, 1, broker.Pending("generation.image"))

	rctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := broker.Receive(rctx, "generation.image")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, msg.TaskID, receive(t, broker, "generation.image").TaskID)
	assert.Equal(t, 0, broker.Pending("generation.image"))

	// Once delivered the task may be published again
	require.NoError(t, broker.Publish(ctx, msg, 0))
	assert.Equal(t, 1, broker.Pending("generation.image"))
}

func TestMemoryBrokerCapacity(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(2, testLogger())
	defer func() { _ = broker.Close() }()

	require.NoError(t, broker.Publish(ctx, brokerMessage(5, time.Now()), 0))
	require.NoError(t, broker.Publish(ctx, brokerMessage(5, time.Now()), 0))

	err := broker.Publish(ctx, brokerMessage(5, time.Now()), 0)
	assert.ErrorIs(t, err, ErrQueueFull)

	receive(t, broker, "generation.image")
	assert.NoError(t, broker.Publish(ctx, brokerMessage(5, time.Now()), 0))
}

func TestMemoryBrokerAck(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(0, testLogger())
	defer func() { _ = broker.Close() }()

	require.NoError(t, broker.Publish(ctx, brokerMessage(5, time.Now()), 0))
	msg := receive(t, broker, "generation.image")
	assert.NotEmpty(t, msg.Receipt)
	assert.Equal(t, 1, broker.Inflight())

	require.NoError(t, broker.Ack(ctx, msg))
	assert.Equal(t, 0, broker.Inflight())

	// unknown receipts are ignored
	assert.NoError(t, broker.Ack(ctx, Message{Receipt: "nope"}))
}

func TestMemoryBrokerRedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(0, testLogger())
	broker.visibility = 50 * time.Millisecond
	defer func() { _ = broker.Close() }()

	lost := brokerMessage(5, time.Now())
	acked := brokerMessage(5, time.Now())
	require.NoError(t, broker.Publish(ctx, lost, 0))
	require.NoError(t, broker.Publish(ctx, acked, 0))

	first := receive(t, broker, "generation.image")
	second := receive(t, broker, "generation.image")
	require.Equal(t, lost.TaskID, first.TaskID)
	require.NoError(t, broker.Ack(ctx, second))

	// Receive blocks until the first delivery's visibility deadline passes
	again := receive(t, broker, "generation.image")
	assert.Equal(t, lost.TaskID, again.TaskID)
	assert.NotEqual(t, first.Receipt, again.Receipt)
	assert.Equal(t, 1, broker.Inflight())

	// the stale receipt no longer refers to anything
	require.NoError(t, broker.Ack(ctx, first))
	assert.Equal(t, 1, broker.Inflight())
	require.NoError(t, broker.Ack(ctx, again))
	assert.Equal(t, 0, broker.Pending("generation.image"))
	assert.Equal(t, 0, broker.Inflight())
}

func TestMemoryBrokerReceiveWakesOnPublish(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(0, testLogger())
	defer func() { _ = broker.Close() }()

	msg := brokerMessage(5, time.Now())
	var wg sync.WaitGroup
	var got Message
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		got, err = broker.Receive(rctx, "generation.image")
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, broker.Publish(ctx, msg, 0))
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, msg.TaskID, got.TaskID)
}

func TestMemoryBrokerClose(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker(0, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := broker.Receive(ctx, "generation.image")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, broker.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBrokerClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver was not released by Close")
	}

	assert.ErrorIs(t, broker.Publish(ctx, brokerMessage(5, time.Now()), 0), ErrBrokerClosed)
	assert.NoError(t, broker.Close())
}
