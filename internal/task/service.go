package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// ServiceConfig holds configuration for the producer-facing service
type ServiceConfig struct {
	// StatusCacheTTL is how long terminal task views are cached
	StatusCacheTTL time.Duration
}

// EnqueueRequest describes a new generation task.
type EnqueueRequest struct {
	UserID   string
	Type     Type
	ItemID   string
	Metadata json.RawMessage

	// Priority overrides the type baseline; clamped into [1,10]
	Priority *int

	// MaxRetries overrides the type default
	MaxRetries *int
}

// Service is the facade used by producers of work: the HTTP API and any
// in-process callers.
type Service struct {
	store   Store
	router  *QueueRouter
	broker  Broker
	gateway *Gateway
	views   *cache.Cache
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a Service.
func NewService(store Store, router *QueueRouter, broker Broker, gateway *Gateway, config ServiceConfig, logger *slog.Logger) *Service {
	ttl := config.StatusCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		store:   store,
		router:  router,
		broker:  broker,
		gateway: gateway,
		views:   cache.New(ttl, 2*ttl),
		logger:  logger.With("component", "task_service"),
		now:     time.Now,
	}
}

// Enqueue creates a queued task and signals its queue. If a live task already
// targets the same (item_id, task_type), it returns a *DuplicateTaskError
// carrying that task.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*GenerationTask, error) {
	if req.ItemID == "" {
		return nil, fmt.Errorf("%w: item id is required", ErrInvalidTask)
	}

	route, err := s.router.Route(req.Type, req.Priority)
	if err != nil {
		return nil, err
	}
	profile, _ := s.router.Profile(req.Type)

	maxRetries := profile.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max retries must not be negative", ErrInvalidTask)
		}
		maxRetries = *req.MaxRetries
	}

	metadata := req.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	if !json.Valid(metadata) {
		return nil, fmt.Errorf("%w: metadata must be valid JSON", ErrInvalidTask)
	}

	now := s.now().UTC()
	t := &GenerationTask{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Type:        req.Type,
		ItemID:      req.ItemID,
		Status:      StatusQueued,
		QueueName:   route.Queue,
		Priority:    route.Priority,
		Metadata:    metadata,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		AvailableAt: now,
	}

	if err := s.store.Create(ctx, t); err != nil {
		if errors.Is(err, ErrActiveTaskExists) {
			existing, findErr := s.store.FindActive(ctx, req.ItemID, req.Type)
			if findErr != nil {
				existing = nil
			}
			return nil, &DuplicateTaskError{Existing: existing}
		}
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	s.logger.Info("task enqueued",
		"task_id", t.ID,
		"task_type", t.Type,
		"item_id", t.ItemID,
		"queue", t.QueueName,
		"priority", t.Priority)

	if err := s.broker.Publish(ctx, NewMessage(t), 0); err != nil {
		// the task is durable; the requeue sweep publishes it later
		s.logger.Warn("failed to publish new task", "task_id", t.ID, "error", err)
	}

	return t, nil
}

// GetStatus returns the current view of a task. Terminal views never change
// and are served from cache.
func (s *Service) GetStatus(ctx context.Context, id uuid.UUID) (TaskView, error) {
	if v, ok := s.views.Get(id.String()); ok {
		return v.(TaskView), nil
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return TaskView{}, err
	}

	view := t.View()
	if t.Status.Terminal() {
		s.views.Set(id.String(), view, cache.DefaultExpiration)
	}
	return view, nil
}

// RequestCancel cancels a task through the gateway.
func (s *Service) RequestCancel(ctx context.Context, id uuid.UUID) (CancelResult, error) {
	return s.gateway.Cancel(ctx, id)
}
