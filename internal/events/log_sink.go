package events

import (
	"context"
	"log/slog"
)

// LogSink writes every notification as a structured log record.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "notification_log_sink")}
}

// HandleEvent implements EventHandler.
func (s *LogSink) HandleEvent(ctx context.Context, event *Event) error {
	s.logger.InfoContext(ctx, "notification",
		"event_id", event.ID,
		"event_type", event.Type,
		"user_id", event.UserID,
		"payload", string(event.Payload))
	return nil
}
