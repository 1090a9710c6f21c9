package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/events"
	"github.com/phrazzld/mediagen/internal/generation"
)

// Notifier turns terminal transitions into user-visible events. It is only
// called by the writer whose compare-and-set produced the terminal state,
// after that write committed, so each terminal transition is notified once.
type Notifier struct {
	emitter events.EventEmitter
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that publishes through emitter.
func NewNotifier(emitter events.EventEmitter, logger *slog.Logger) *Notifier {
	return &Notifier{
		emitter: emitter,
		logger:  logger.With("component", "notifier"),
	}
}

// NotificationPayload is the body of generation.* events.
type NotificationPayload struct {
	TaskID        uuid.UUID                `json:"task_id"`
	ItemID        string                   `json:"item_id"`
	TaskType      Type                     `json:"task_type"`
	Status        Status                   `json:"status"`
	AssetRef      string                   `json:"asset_ref,omitempty"`
	ErrorMessage  string                   `json:"error_message,omitempty"`
	FailureReason generation.FailureReason `json:"failure_reason,omitempty"`
	RetryCount    int                      `json:"retry_count"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
}

// TaskFinished emits the notification for a task that just reached a
// terminal state. Delivery failures are logged, never returned.
func (n *Notifier) TaskFinished(ctx context.Context, t *GenerationTask) {
	eventType, ok := notificationType(t.Status)
	if !ok {
		n.logger.Warn("refusing to notify non-terminal task",
			"task_id", t.ID,
			"status", t.Status)
		return
	}

	event, err := events.NewEvent(t.UserID, eventType, NotificationPayload{
		TaskID:        t.ID,
		ItemID:        t.ItemID,
		TaskType:      t.Type,
		Status:        t.Status,
		AssetRef:      t.AssetRef,
		ErrorMessage:  t.ErrorMessage,
		FailureReason: t.FailureReason,
		RetryCount:    t.RetryCount,
		CompletedAt:   t.CompletedAt,
	})
	if err != nil {
		n.logger.Error("failed to build notification", "task_id", t.ID, "error", err)
		return
	}

	if err := n.emitter.EmitEvent(ctx, event); err != nil {
		n.logger.Error("failed to deliver notification",
			"task_id", t.ID,
			"event_id", event.ID,
			"event_type", eventType,
			"error", err)
	}
}

func notificationType(s Status) (string, bool) {
	switch s {
	case StatusCompleted:
		return events.TypeGenerationCompleted, true
	case StatusFailed:
		return events.TypeGenerationFailed, true
	case StatusCancelled:
		return events.TypeGenerationCancelled, true
	}
	return "", false
}
