package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// InMemoryEventEmitter fans each event out to its handlers in registration
// order, on the caller's goroutine. Slow handlers belong behind an
// AsyncHandler.
type InMemoryEventEmitter struct {
	mu       sync.RWMutex
	handlers []EventHandler
	logger   *slog.Logger
}

// NewInMemoryEventEmitter creates an emitter with no handlers.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		logger: logger.With("component", "event_emitter"),
	}
}

// RegisterHandler adds handler to the fan-out.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler) {
	e.mu.Lock()
	e.handlers = append(e.handlers, handler)
	count := len(e.handlers)
	e.mu.Unlock()

	e.logger.Debug("event handler registered",
		"handler", handlerName(handler),
		"handler_count", count)
}

// EmitEvent delivers event to every handler. A failing handler does not stop
// the rest; the returned error joins every failure.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *Event) error {
	e.mu.RLock()
	handlers := slices.Clone(e.handlers)
	e.mu.RUnlock()

	if len(handlers) == 0 {
		e.logger.WarnContext(ctx, "event has no handlers",
			"event_id", event.ID,
			"event_type", event.Type)
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h.HandleEvent(ctx, event); err != nil {
			e.logger.ErrorContext(ctx, "event handler failed",
				"handler", handlerName(h),
				"event_id", event.ID,
				"event_type", event.Type,
				"user_id", event.UserID,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func handlerName(h EventHandler) string {
	return fmt.Sprintf("%T", h)
}
