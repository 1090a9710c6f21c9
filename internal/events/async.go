package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrHandlerBusy is returned when an AsyncHandler's queue is full. The
	// event is dropped.
	ErrHandlerBusy = errors.New("event handler queue is full")

	// ErrHandlerClosed is returned for events handed to a closed AsyncHandler.
	ErrHandlerClosed = errors.New("event handler is closed")
)

const (
	defaultQueueSize    = 256
	defaultDrainTimeout = 15 * time.Second
)

// AsyncHandler queues events for a wrapped handler and delivers them, in
// order, on its own goroutine. HandleEvent never waits on the wrapped
// handler.
type AsyncHandler struct {
	next         EventHandler
	queue        chan queuedEvent
	drainTimeout time.Duration
	logger       *slog.Logger

	mu     sync.RWMutex
	closed bool

	// ctx is cancelled when Close gives up draining
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type queuedEvent struct {
	ctx   context.Context
	event *Event
}

var _ EventHandler = (*AsyncHandler)(nil)

// NewAsyncHandler starts delivering to next. queueSize bounds the number of
// undelivered events; drainTimeout bounds how long Close waits for them.
func NewAsyncHandler(next EventHandler, queueSize int, drainTimeout time.Duration, logger *slog.Logger) *AsyncHandler {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &AsyncHandler{
		next:         next,
		queue:        make(chan queuedEvent, queueSize),
		drainTimeout: drainTimeout,
		logger:       logger.With("component", "async_event_handler", "handler", handlerName(next)),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go h.run()
	return h
}

// HandleEvent implements EventHandler. It only enqueues.
func (h *AsyncHandler) HandleEvent(ctx context.Context, event *Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHandlerClosed
	}
	select {
	case h.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	default:
		h.logger.WarnContext(ctx, "dropping event, queue is full",
			"event_id", event.ID,
			"event_type", event.Type,
			"queue_size", cap(h.queue))
		return fmt.Errorf("%w: event %s", ErrHandlerBusy, event.ID)
	}
}

// Pending returns the number of events waiting for delivery.
func (h *AsyncHandler) Pending() int {
	return len(h.queue)
}

// Close stops accepting events and waits up to the drain timeout for the
// queue to empty. Deliveries still running after that are cancelled.
func (h *AsyncHandler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	timer := time.NewTimer(h.drainTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		h.cancel()
		return nil
	case <-timer.C:
	}

	left := len(h.queue)
	h.cancel()
	<-h.done
	return fmt.Errorf("event queue not drained within %s, %d events abandoned", h.drainTimeout, left)
}

func (h *AsyncHandler) run() {
	defer close(h.done)
	for q := range h.queue {
		h.deliver(q)
	}
}

func (h *AsyncHandler) deliver(q queuedEvent) {
	ctx, cancel := context.WithCancel(q.ctx)
	stop := context.AfterFunc(h.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	defer func() {
		if p := recover(); p != nil {
			h.logger.ErrorContext(ctx, "event handler panicked",
				"event_id", q.event.ID,
				"panic", p)
		}
	}()

	if err := h.next.HandleEvent(ctx, q.event); err != nil {
		h.logger.ErrorContext(ctx, "event delivery failed",
			"event_id", q.event.ID,
			"event_type", q.event.Type,
			"error", err)
	}
}
