package task

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/generation"
	"github.com/phrazzld/mediagen/internal/redact"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// RateLimit is a token bucket for one provider's status endpoint.
type RateLimit struct {
	// PerSecond is the sustained request rate; zero or less means unlimited
	PerSecond float64

	// Burst is the bucket size
	Burst int
}

// ReconcilerConfig holds configuration for the status reconciliation loop
type ReconcilerConfig struct {
	// Shards is the number of independent polling goroutines
	Shards int

	// PollTimeout bounds a single provider Poll call
	PollTimeout time.Duration

	// RetryDelay is used when the store could not be read
	RetryDelay time.Duration

	// SweepBatch limits how many processing tasks one sweep loads
	SweepBatch int

	// DefaultRateLimit applies to providers without an explicit limit
	DefaultRateLimit RateLimit

	// ProviderRateLimits is keyed by provider name
	ProviderRateLimits map[string]RateLimit
}

// DefaultReconcilerConfig returns a ReconcilerConfig with reasonable defaults
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Shards:           4,
		PollTimeout:      30 * time.Second,
		RetryDelay:       5 * time.Second,
		SweepBatch:       1000,
		DefaultRateLimit: RateLimit{PerSecond: 5, Burst: 5},
	}
}

// Reconciler polls providers for tasks that hold a pending job handle and
// applies the resulting transitions. Tasks are spread across shards by id;
// each shard sleeps until its earliest due entry.
type Reconciler struct {
	store     Store
	router    *QueueRouter
	providers Providers
	finisher  *finisher
	config    ReconcilerConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	shards []*pollShard
	wg     sync.WaitGroup

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewReconciler creates a Reconciler. Call Start to begin polling.
func NewReconciler(
	store Store,
	tx Transactor,
	router *QueueRouter,
	providers Providers,
	notifier *Notifier,
	config ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	defaults := DefaultReconcilerConfig()
	if config.Shards <= 0 {
		config.Shards = defaults.Shards
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaults.PollTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}

	shards := make([]*pollShard, config.Shards)
	for i := range shards {
		shards[i] = newPollShard()
	}

	return &Reconciler{
		store:     store,
		router:    router,
		providers: providers,
		finisher:  newFinisher(store, tx, notifier),
		config:    config,
		logger:    logger.With("component", "reconciler"),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		shards:    shards,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Track implements Tracker. A task already tracked under the same handle
// keeps its schedule.
func (r *Reconciler) Track(t *GenerationTask) {
	if t.Status != StatusProcessing || t.ExternalHandle == "" {
		return
	}
	due := r.now()
	if t.NextPollAt != nil {
		due = *t.NextPollAt
	}
	r.shard(t.ID).schedule(t.ID, t.ExternalHandle, due, false)
}

// Forget implements Tracker.
func (r *Reconciler) Forget(id uuid.UUID) {
	r.shard(id).remove(id)
}

// Tracked returns the number of tasks scheduled for polling.
func (r *Reconciler) Tracked() int {
	n := 0
	for _, s := range r.shards {
		n += s.len()
	}
	return n
}

// Start launches one polling goroutine per shard. They stop when ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	for i, s := range r.shards {
		r.wg.Add(1)
		go r.runShard(ctx, i, s)
	}
}

// Wait blocks until every shard goroutine has stopped.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Sweep loads processing tasks with a handle from the store and tracks them.
// It recovers tasks after a restart or tasks submitted by other processes.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	tasks, err := r.store.ListProcessing(ctx, r.config.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing tasks: %w", err)
	}

	n := 0
	for _, t := range tasks {
		if t.ExternalHandle == "" {
			continue
		}
		r.Track(t)
		n++
	}

	r.logger.Debug("reconciler sweep finished", "tracked", n, "processing", len(tasks))
	return n, nil
}

func (r *Reconciler) runShard(ctx context.Context, id int, s *pollShard) {
	defer r.wg.Done()

	r.logger.Debug("starting reconciler shard", "shard", id)

	for {
		var timer *time.Timer
		var fire <-chan time.Time
		if due, ok := s.nextDue(); ok {
			timer = time.NewTimer(time.Until(due))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			r.logger.Debug("stopping reconciler shard", "shard", id)
			return
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}

		r.processDue(ctx, s)
	}
}

// processDue polls every due entry of s in order and reschedules the ones
// that are still running.
func (r *Reconciler) processDue(ctx context.Context, s *pollShard) {
	for _, e := range s.popDue(r.now()) {
		if ctx.Err() != nil {
			return
		}
		if next, keep := r.reconcile(ctx, e.taskID, e.handle); keep {
			s.schedule(e.taskID, e.handle, next, true)
		}
	}
}

// reconcile performs one poll of a task. It returns the next due time and
// whether the task should stay scheduled.
func (r *Reconciler) reconcile(ctx context.Context, id uuid.UUID, handle string) (time.Time, bool) {
	ctx, span := r.tracer.Start(ctx, "task.reconcile", trace.WithAttributes(
		attribute.String("task.id", id.String()),
	))
	defer span.End()

	logger := r.logger.With("task_id", id)

	cur, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		return time.Time{}, false
	}
	if err != nil {
		logger.Error("failed to load task for polling", "error", err)
		return r.now().Add(r.config.RetryDelay), true
	}

	if cur.Status != StatusProcessing || cur.ExternalHandle == "" || cur.ExternalHandle != handle {
		logger.Debug("dropping poll, task moved on",
			"status", cur.Status,
			"handle", cur.ExternalHandle)
		return time.Time{}, false
	}

	profile, ok := r.router.Profile(cur.Type)
	if !ok {
		_, err := r.finisher.fail(ctx, cur, generation.ReasonValidation,
			fmt.Sprintf("task type %q is not routable", cur.Type))
		r.logWriteErr(ctx, logger, err)
		return time.Time{}, false
	}
	provider, ok := r.providers[cur.Type]
	if !ok {
		_, err := r.finisher.fail(ctx, cur, generation.ReasonValidation,
			fmt.Sprintf("no provider configured for task type %q", cur.Type))
		r.logWriteErr(ctx, logger, err)
		return time.Time{}, false
	}

	deadline := waitDeadline(cur, profile)
	if !r.now().Before(deadline) {
		r.timeout(ctx, logger, provider, cur, profile)
		return time.Time{}, false
	}

	if err := r.limiter(provider.Name()).Wait(ctx); err != nil {
		return r.now().Add(profile.PollInterval), true
	}

	outcome, err := r.poll(ctx, provider, handle)
	now := r.now()
	span.SetAttributes(attribute.String("provider.name", provider.Name()))

	if err != nil {
		// transport errors only consume the wait budget
		logger.Warn("status poll failed",
			"provider", provider.Name(),
			"error", redact.Error(err))
		if !now.Before(deadline) {
			r.timeout(ctx, logger, provider, cur, profile)
			return time.Time{}, false
		}
		return r.touch(ctx, logger, cur, now, profile)
	}

	span.SetAttributes(attribute.String("provider.outcome", outcome.Kind().String()))

	switch outcome.Kind() {
	case generation.OutcomeSucceeded:
		if !now.Before(deadline) {
			logger.Warn("provider reported success after the wait budget, not applied",
				"asset_ref", outcome.AssetRef(),
				"deadline", deadline)
			r.timeout(ctx, logger, provider, cur, profile)
			return time.Time{}, false
		}
		if _, err := r.finisher.complete(ctx, cur, outcome.AssetRef()); err != nil {
			r.logWriteErr(ctx, logger, err)
			return time.Time{}, false
		}
		logger.Info("task completed", "asset_ref", outcome.AssetRef())
		return time.Time{}, false

	case generation.OutcomeFailed:
		perr := outcome.Failure()
		if perr == nil {
			perr = generation.NewProviderError(generation.ReasonUnknown, "", nil)
		}
		if _, err := r.finisher.fail(ctx, cur, perr.Reason, failureMessage(perr)); err != nil {
			r.logWriteErr(ctx, logger, err)
			return time.Time{}, false
		}
		logger.Warn("task failed at provider", "reason", perr.Reason)
		return time.Time{}, false

	default:
		if !now.Before(deadline) {
			r.timeout(ctx, logger, provider, cur, profile)
			return time.Time{}, false
		}
		return r.touch(ctx, logger, cur, now, profile)
	}
}

func (r *Reconciler) poll(ctx context.Context, p generation.Provider, handle string) (out generation.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider panic: %v", rec)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, r.config.PollTimeout)
	defer cancel()
	return p.Poll(pctx, handle)
}

// touch records the poll and returns the next due time.
func (r *Reconciler) touch(ctx context.Context, logger *slog.Logger, cur *GenerationTask, now time.Time, profile TypeProfile) (time.Time, bool) {
	due := now.Add(profile.PollInterval)

	next := cur.Clone()
	next.LastPolledAt = timePtr(now.UTC())
	next.NextPollAt = timePtr(due.UTC())
	if err := r.store.Transition(ctx, next, StatusProcessing); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return time.Time{}, false
		}
		logger.Error("failed to record poll", "error", err)
	}
	return due, true
}

func (r *Reconciler) timeout(ctx context.Context, logger *slog.Logger, p generation.Provider, cur *GenerationTask, profile TypeProfile) {
	_, err := r.finisher.fail(ctx, cur, generation.ReasonTimeout,
		fmt.Sprintf("generation exceeded maximum wait of %s", profile.MaxWait))
	if err != nil {
		r.logWriteErr(ctx, logger, err)
		return
	}
	logger.Warn("task timed out", "max_wait", profile.MaxWait)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.PollTimeout)
	defer cancel()
	if _, err := p.Cancel(cctx, cur.ExternalHandle); err != nil {
		logger.Debug("provider cancel after timeout failed", "error", redact.Error(err))
	}
}

// logWriteErr logs a failed terminal write. Stale transitions are expected.
func (r *Reconciler) logWriteErr(ctx context.Context, logger *slog.Logger, err error) {
	if err == nil || errors.Is(err, ErrStaleTransition) {
		return
	}
	logger.ErrorContext(ctx, "failed to write task transition", "error", err)
}

func (r *Reconciler) limiter(provider string) *rate.Limiter {
	r.limMu.Lock()
	defer r.limMu.Unlock()

	if l, ok := r.limiters[provider]; ok {
		return l
	}

	cfg, ok := r.config.ProviderRateLimits[provider]
	if !ok {
		cfg = r.config.DefaultRateLimit
	}
	limit := rate.Inf
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	l := rate.NewLimiter(limit, burst)
	r.limiters[provider] = l
	return l
}

func (r *Reconciler) shard(id uuid.UUID) *pollShard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// waitDeadline is when the current attempt runs out of wait budget.
func waitDeadline(t *GenerationTask, profile TypeProfile) time.Time {
	start := t.CreatedAt
	if t.StartedAt != nil {
		start = *t.StartedAt
	}
	return start.Add(profile.MaxWait)
}
