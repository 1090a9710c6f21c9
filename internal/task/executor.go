package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/mediagen/internal/generation"
	"github.com/phrazzld/mediagen/internal/redact"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/phrazzld/mediagen/internal/task"

// ExecutorConfig holds configuration for the executor
type ExecutorConfig struct {
	// SubmitTimeout bounds a single provider Submit call
	SubmitTimeout time.Duration

	// CancelTimeout bounds best-effort provider cancellation
	CancelTimeout time.Duration
}

// DefaultExecutorConfig returns an ExecutorConfig with reasonable defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		SubmitTimeout: 2 * time.Minute,
		CancelTimeout: 10 * time.Second,
	}
}

// Executor runs one attempt of a task per broker delivery: claim, submit,
// then complete, hand off to the reconciler, retry, or fail.
type Executor struct {
	store     Store
	router    *QueueRouter
	broker    Broker
	providers Providers
	tracker   Tracker
	finisher  *finisher
	config    ExecutorConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewExecutor creates an Executor. tracker receives tasks whose provider
// returned a pending handle.
func NewExecutor(
	store Store,
	tx Transactor,
	router *QueueRouter,
	broker Broker,
	providers Providers,
	tracker Tracker,
	notifier *Notifier,
	config ExecutorConfig,
	logger *slog.Logger,
) *Executor {
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = DefaultExecutorConfig().SubmitTimeout
	}
	if config.CancelTimeout <= 0 {
		config.CancelTimeout = DefaultExecutorConfig().CancelTimeout
	}

	return &Executor{
		store:     store,
		router:    router,
		broker:    broker,
		providers: providers,
		tracker:   tracker,
		finisher:  newFinisher(store, tx, notifier),
		config:    config,
		logger:    logger.With("component", "executor"),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
}

// Run handles one delivery. Deliveries for tasks that are not queued, or not
// yet available, are dropped. Provider failures are recorded on the task; the
// returned error only reports store or broker trouble.
func (e *Executor) Run(ctx context.Context, msg Message) error {
	ctx, span := e.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", msg.TaskID.String()),
		attribute.String("task.queue", msg.Queue),
	))
	defer span.End()

	logger := e.logger.With("task_id", msg.TaskID, "queue", msg.Queue)

	cur, err := e.store.Get(ctx, msg.TaskID)
	if errors.Is(err, ErrTaskNotFound) {
		logger.Warn("dropping delivery for unknown task")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load task")
		return fmt.Errorf("failed to load task: %w", err)
	}

	if cur.Status != StatusQueued {
		logger.Debug("dropping delivery, task is not queued", "status", cur.Status)
		return nil
	}
	now := e.now().UTC()
	if cur.AvailableAt.After(now) {
		logger.Debug("dropping early delivery", "available_at", cur.AvailableAt)
		return nil
	}

	span.SetAttributes(
		attribute.String("task.type", string(cur.Type)),
		attribute.Int("task.retry_count", cur.RetryCount),
	)

	profile, ok := e.router.Profile(cur.Type)
	if !ok {
		_, err := e.finisher.fail(ctx, cur, generation.ReasonValidation,
			fmt.Sprintf("task type %q is not routable", cur.Type))
		return ignoreStale(err)
	}

	claimed := cur.Clone()
	claimed.Status = StatusProcessing
	claimed.StartedAt = timePtr(now)
	claimed.ExternalHandle = ""
	claimed.LastPolledAt = nil
	claimed.NextPollAt = nil
	if err := e.store.Transition(ctx, claimed, StatusQueued); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			logger.Debug("lost claim race")
			return nil
		}
		return fmt.Errorf("failed to claim task: %w", err)
	}

	provider, ok := e.providers[claimed.Type]
	if !ok {
		_, err := e.finisher.fail(ctx, claimed, generation.ReasonValidation,
			fmt.Sprintf("no provider configured for task type %q", claimed.Type))
		return ignoreStale(err)
	}

	logger.Info("submitting task",
		"provider", provider.Name(),
		"attempt", claimed.RetryCount+1)

	outcome := e.submit(ctx, provider, claimed)
	span.SetAttributes(attribute.String("provider.outcome", outcome.Kind().String()))

	switch outcome.Kind() {
	case generation.OutcomeSucceeded:
		if _, err := e.finisher.complete(ctx, claimed, outcome.AssetRef()); err != nil {
			return ignoreStale(err)
		}
		logger.Info("task completed", "asset_ref", outcome.AssetRef())
		return nil

	case generation.OutcomePending:
		return e.storeHandle(ctx, provider, claimed, outcome.Handle(), profile)

	default:
		perr := outcome.Failure()
		span.SetStatus(codes.Error, string(perr.Reason))
		return e.retryOrFail(ctx, claimed, profile, perr)
	}
}

// RecoverClaim handles a processing task whose attempt never recorded a
// handle, for example because the process died during Submit. The attempt
// counts as a failure with an unknown reason.
func (e *Executor) RecoverClaim(ctx context.Context, t *GenerationTask) error {
	profile, ok := e.router.Profile(t.Type)
	if !ok {
		_, err := e.finisher.fail(ctx, t, generation.ReasonValidation,
			fmt.Sprintf("task type %q is not routable", t.Type))
		return ignoreStale(err)
	}
	return e.retryOrFail(ctx, t, profile,
		generation.NewProviderError(generation.ReasonUnknown, "attempt interrupted before the provider accepted the job", nil))
}

// FailUnroutable fails a queued task whose type has no profile.
func (e *Executor) FailUnroutable(ctx context.Context, t *GenerationTask) error {
	_, err := e.finisher.fail(ctx, t, generation.ReasonValidation,
		fmt.Sprintf("task type %q is not routable", t.Type))
	return ignoreStale(err)
}

// submit calls the provider exactly once. Errors and panics become failed
// outcomes so a misbehaving adapter never takes the worker down.
func (e *Executor) submit(ctx context.Context, p generation.Provider, t *GenerationTask) (out generation.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("provider panicked during submit",
				"task_id", t.ID,
				"provider", p.Name(),
				"panic", r)
			out = generation.Failed(generation.ReasonUnknown, fmt.Sprintf("provider panic: %v", r))
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, e.config.SubmitTimeout)
	defer cancel()

	res, err := p.Submit(sctx, generation.Request{
		TaskID:   t.ID,
		ItemID:   t.ItemID,
		Kind:     string(t.Type),
		Attempt:  t.RetryCount + 1,
		Metadata: t.Metadata,
	})
	if err != nil {
		return generation.FailedWith(generation.Classify(err))
	}

	switch res.Kind() {
	case generation.OutcomeSucceeded:
		return res
	case generation.OutcomePending:
		if res.Handle() == "" {
			return generation.Failed(generation.ReasonUnknown, "provider returned an empty job handle")
		}
		return res
	case generation.OutcomeFailed:
		if res.Failure() == nil {
			return generation.Failed(generation.ReasonUnknown, "")
		}
		return res
	}
	return generation.Failed(generation.ReasonUnknown,
		fmt.Sprintf("provider returned %s outcome from submit", res.Kind()))
}

// storeHandle records the job handle of the current attempt and hands the
// task to the tracker. If the task was cancelled meanwhile the fresh job is
// cancelled at the provider.
func (e *Executor) storeHandle(ctx context.Context, p generation.Provider, cur *GenerationTask, handle string, profile TypeProfile) error {
	now := e.now().UTC()
	next := cur.Clone()
	next.ExternalHandle = handle
	next.NextPollAt = timePtr(now.Add(profile.PollInterval))

	if err := e.store.Transition(ctx, next, StatusProcessing); err != nil {
		e.cancelAtProvider(ctx, p, cur, handle)
		if errors.Is(err, ErrStaleTransition) {
			e.logger.Info("task changed during submit, cancelled provider job",
				"task_id", cur.ID,
				"handle", handle)
			return nil
		}
		return fmt.Errorf("failed to store provider handle: %w", err)
	}

	e.logger.Info("task pending at provider",
		"task_id", cur.ID,
		"handle", handle,
		"next_poll_at", next.NextPollAt)

	if e.tracker != nil {
		e.tracker.Track(next)
	}
	return nil
}

// retryOrFail requeues cur with backoff if its failure is retryable and
// retries remain, otherwise fails it.
func (e *Executor) retryOrFail(ctx context.Context, cur *GenerationTask, profile TypeProfile, perr *generation.ProviderError) error {
	logger := e.logger.With("task_id", cur.ID, "reason", perr.Reason)

	if !perr.Reason.Retryable() || cur.RetryCount >= cur.MaxRetries {
		if _, err := e.finisher.fail(ctx, cur, perr.Reason, failureMessage(perr)); err != nil {
			return ignoreStale(err)
		}
		logger.Warn("task failed",
			"retry_count", cur.RetryCount,
			"error", redact.Error(perr))
		return nil
	}

	now := e.now().UTC()
	next := cur.Clone()
	next.Status = StatusQueued
	next.RetryCount++
	next.ExternalHandle = ""
	next.StartedAt = nil
	next.LastPolledAt = nil
	next.NextPollAt = nil
	next.ErrorMessage = ""
	next.FailureReason = ""
	delay := profile.Backoff.Delay(next.RetryCount)
	next.AvailableAt = now.Add(delay)

	if err := e.store.Transition(ctx, next, cur.Status); err != nil {
		return ignoreStale(err)
	}

	logger.Info("task scheduled for retry",
		"retry_count", next.RetryCount,
		"max_retries", next.MaxRetries,
		"delay", delay,
		"error", redact.Error(perr))

	if err := e.broker.Publish(ctx, NewMessage(next), delay); err != nil {
		// the requeue sweep republishes queued tasks
		logger.Error("failed to publish retry", "error", err)
	}
	return nil
}

func (e *Executor) cancelAtProvider(ctx context.Context, p generation.Provider, t *GenerationTask, handle string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CancelTimeout)
	defer cancel()

	confirmed, err := p.Cancel(cctx, handle)
	if err != nil {
		e.logger.Warn("provider cancel failed",
			"task_id", t.ID,
			"handle", handle,
			"error", redact.Error(err))
		return
	}
	e.logger.Debug("provider cancel requested",
		"task_id", t.ID,
		"handle", handle,
		"confirmed", confirmed)
}

// ignoreStale drops ErrStaleTransition: the losing writer abandons silently.
func ignoreStale(err error) error {
	if errors.Is(err, ErrStaleTransition) {
		return nil
	}
	return err
}
