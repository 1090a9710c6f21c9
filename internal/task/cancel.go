package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/redact"
)

// CancelResult reports what a cancellation request did.
type CancelResult string

// Cancellation results
const (
	CancelAccepted        CancelResult = "accepted"
	CancelAlreadyTerminal CancelResult = "already_terminal"
	CancelNotFound        CancelResult = "not_found"
)

// cancelAttempts bounds how often a cancellation re-reads after losing a race.
const cancelAttempts = 3

// Gateway applies cancellation requests to queued or in-flight tasks. The
// local transition never waits for the provider to acknowledge.
type Gateway struct {
	store     Store
	providers Providers
	tracker   Tracker
	finisher  *finisher
	timeout   time.Duration
	logger    *slog.Logger
}

// NewGateway creates a cancellation Gateway. cancelTimeout bounds the
// best-effort provider call.
func NewGateway(
	store Store,
	providers Providers,
	tracker Tracker,
	notifier *Notifier,
	cancelTimeout time.Duration,
	logger *slog.Logger,
) *Gateway {
	if cancelTimeout <= 0 {
		cancelTimeout = DefaultExecutorConfig().CancelTimeout
	}
	return &Gateway{
		store:     store,
		providers: providers,
		tracker:   tracker,
		finisher:  newFinisher(store, nil, notifier),
		timeout:   cancelTimeout,
		logger:    logger.With("component", "cancellation_gateway"),
	}
}

// Cancel moves a queued or processing task to cancelled. A task that was
// processing is dropped from polling and its provider job, if any, is asked
// to stop.
func (g *Gateway) Cancel(ctx context.Context, id uuid.UUID) (CancelResult, error) {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		cur, err := g.store.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			return CancelNotFound, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to load task: %w", err)
		}

		if cur.Status.Terminal() {
			return CancelAlreadyTerminal, nil
		}

		if _, err := g.finisher.cancel(ctx, cur); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				g.logger.Debug("task changed during cancellation, re-reading",
					"task_id", id,
					"attempt", attempt+1)
				continue
			}
			return "", fmt.Errorf("failed to cancel task: %w", err)
		}

		g.logger.Info("task cancelled", "task_id", id, "previous_status", cur.Status)

		if cur.Status == StatusProcessing {
			if g.tracker != nil {
				g.tracker.Forget(id)
			}
			if cur.ExternalHandle != "" {
				g.cancelAtProvider(ctx, cur)
			}
		}
		return CancelAccepted, nil
	}

	return "", fmt.Errorf("%w: task %s kept changing during cancellation", ErrStaleTransition, id)
}

func (g *Gateway) cancelAtProvider(ctx context.Context, t *GenerationTask) {
	provider, ok := g.providers[t.Type]
	if !ok {
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	confirmed, err := provider.Cancel(cctx, t.ExternalHandle)
	if err != nil {
		g.logger.Warn("provider cancel failed",
			"task_id", t.ID,
			"provider", provider.Name(),
			"error", redact.Error(err))
		return
	}
	g.logger.Debug("provider cancel requested",
		"task_id", t.ID,
		"provider", provider.Name(),
		"confirmed", confirmed)
}
