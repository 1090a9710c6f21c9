package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// farFuture selects every queued task regardless of backoff.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// TaskRunnerConfig holds configuration for the task runner
type TaskRunnerConfig struct {
	// StuckTaskAge defines how long a task can be processing without a
	// provider handle before its attempt is considered lost. It must exceed
	// the executor's submit timeout.
	StuckTaskAge time.Duration

	// RequeueGrace is how long a queued task may sit past its available_at
	// before the requeue sweep publishes it again
	RequeueGrace time.Duration

	// SweepSchedule is the cron spec of the maintenance sweeps
	SweepSchedule string

	// SweepBatch limits how many tasks one sweep loads
	SweepBatch int

	// ReceiveErrorDelay is how long a worker waits after a broker error
	ReceiveErrorDelay time.Duration
}

// DefaultTaskRunnerConfig returns a TaskRunnerConfig with reasonable defaults
func DefaultTaskRunnerConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		StuckTaskAge:      10 * time.Minute,
		RequeueGrace:      2 * time.Minute,
		SweepSchedule:     "@every 1m",
		SweepBatch:        1000,
		ReceiveErrorDelay: time.Second,
	}
}

// TaskRunner owns the background side of the core: executor worker pools
// per queue, the reconciler, startup recovery and periodic sweeps.
type TaskRunner struct {
	store      Store
	broker     Broker
	router     *QueueRouter
	executor   *Executor
	reconciler *Reconciler
	scheduler  *cron.Cron
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	config     TaskRunnerConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewTaskRunner creates a new TaskRunner
func NewTaskRunner(
	store Store,
	broker Broker,
	router *QueueRouter,
	executor *Executor,
	reconciler *Reconciler,
	config TaskRunnerConfig,
	logger *slog.Logger,
) *TaskRunner {
	defaults := DefaultTaskRunnerConfig()
	if config.StuckTaskAge <= 0 {
		config.StuckTaskAge = defaults.StuckTaskAge
	}
	if config.RequeueGrace <= 0 {
		config.RequeueGrace = defaults.RequeueGrace
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = defaults.SweepSchedule
	}
	if config.ReceiveErrorDelay <= 0 {
		config.ReceiveErrorDelay = defaults.ReceiveErrorDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With("component", "task_runner")
	cronLogger := cronLogAdapter{logger: logger}

	return &TaskRunner{
		store:      store,
		broker:     broker,
		router:     router,
		executor:   executor,
		reconciler: reconciler,
		scheduler: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		ctx:        ctx,
		cancelFunc: cancel,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// Start recovers unfinished tasks, then starts the workers, the reconciler
// and the sweep schedule.
func (r *TaskRunner) Start() error {
	if err := r.Recover(r.ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	for _, typ := range r.router.Types() {
		profile, _ := r.router.Profile(typ)
		queue := QueueName(typ)
		for i := 0; i < profile.Workers; i++ {
			r.wg.Add(1)
			go r.worker(queue, i)
		}
	}

	r.reconciler.Start(r.ctx)

	if _, err := r.scheduler.AddFunc(r.config.SweepSchedule, func() { r.RequeueSweep(r.ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.config.SweepSchedule, err)
	}
	if _, err := r.scheduler.AddFunc(r.config.SweepSchedule, func() { r.StuckClaimSweep(r.ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.config.SweepSchedule, err)
	}
	if _, err := r.scheduler.AddFunc(r.config.SweepSchedule, func() {
		if _, err := r.reconciler.Sweep(r.ctx); err != nil {
			r.logger.Error("reconciler sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.config.SweepSchedule, err)
	}
	r.scheduler.Start()

	r.logger.Info("task runner started", "queues", len(r.router.Types()))
	return nil
}

// Stop gracefully shuts down the task runner. In-flight executions finish
// their current attempt.
func (r *TaskRunner) Stop() {
	r.cancelFunc()
	<-r.scheduler.Stop().Done()
	r.wg.Wait()
	r.reconciler.Wait()
	r.logger.Info("task runner stopped")
}

// Recover republishes queued tasks and re-attaches processing tasks after a
// restart. Processing tasks that never recorded a handle within StuckTaskAge
// lost their attempt and are retried or failed. Younger claims may belong to
// another live process and are left to StuckClaimSweep.
func (r *TaskRunner) Recover(ctx context.Context) error {
	queued, err := r.store.ListQueued(ctx, farFuture, 0)
	if err != nil {
		return fmt.Errorf("failed to get queued tasks: %w", err)
	}

	processing, err := r.store.ListProcessing(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get processing tasks: %w", err)
	}

	r.logger.Info("recovering unfinished tasks",
		"queued_count", len(queued),
		"processing_count", len(processing))

	for _, t := range queued {
		r.republish(ctx, t)
	}

	cutoff := r.now().Add(-r.config.StuckTaskAge)
	for _, t := range processing {
		if t.ExternalHandle != "" {
			r.reconciler.Track(t)
			continue
		}
		if !claimExpired(t, cutoff) {
			continue
		}
		if err := r.executor.RecoverClaim(ctx, t); err != nil {
			r.logger.Error("failed to recover interrupted attempt",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", err)
		}
	}

	return nil
}

// RequeueSweep republishes queued tasks that have been available for longer
// than the grace period, covering lost broker messages.
func (r *TaskRunner) RequeueSweep(ctx context.Context) {
	cutoff := r.now().UTC().Add(-r.config.RequeueGrace)
	tasks, err := r.store.ListQueued(ctx, cutoff, r.config.SweepBatch)
	if err != nil {
		r.logger.Error("failed to list queued tasks", "error", err)
		return
	}

	for _, t := range tasks {
		r.republish(ctx, t)
	}
	if len(tasks) > 0 {
		r.logger.Info("requeued overdue tasks", "count", len(tasks))
	}
}

// StuckClaimSweep retries or fails processing tasks that never recorded a
// provider handle within StuckTaskAge.
func (r *TaskRunner) StuckClaimSweep(ctx context.Context) {
	tasks, err := r.store.ListProcessing(ctx, r.config.SweepBatch)
	if err != nil {
		r.logger.Error("failed to check for stuck tasks", "error", err)
		return
	}

	cutoff := r.now().Add(-r.config.StuckTaskAge)
	stuck := 0
	for _, t := range tasks {
		if t.ExternalHandle != "" || !claimExpired(t, cutoff) {
			continue
		}
		stuck++
		if err := r.executor.RecoverClaim(ctx, t); err != nil {
			r.logger.Error("failed to reset stuck task",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", err)
		}
	}
	if stuck > 0 {
		r.logger.Info("found stuck tasks", "count", stuck)
	}
}

// claimExpired reports whether a handle-less claim started before cutoff.
func claimExpired(t *GenerationTask, cutoff time.Time) bool {
	return t.StartedAt != nil && !t.StartedAt.After(cutoff)
}

func (r *TaskRunner) republish(ctx context.Context, t *GenerationTask) {
	if _, ok := r.router.Profile(t.Type); !ok {
		if err := r.executor.FailUnroutable(ctx, t); err != nil {
			r.logger.Error("failed to fail unroutable task", "task_id", t.ID, "error", err)
		}
		return
	}

	delay := t.AvailableAt.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	if err := r.broker.Publish(ctx, NewMessage(t), delay); err != nil {
		r.logger.Error("failed to requeue task",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
	}
}

// worker pulls deliveries from one queue until the runner stops.
func (r *TaskRunner) worker(queue string, id int) {
	defer r.wg.Done()

	logger := r.logger.With("queue", queue, "worker_id", id)
	logger.Debug("starting worker")

	for {
		msg, err := r.broker.Receive(r.ctx, queue)
		if err != nil {
			if r.ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
				logger.Debug("stopping worker")
				return
			}
			logger.Error("failed to receive task", "error", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(r.config.ReceiveErrorDelay):
			}
			continue
		}

		r.processTask(msg, logger)
	}
}

// processTask runs one delivery and always acknowledges it. Task state lives
// in the store, so a redelivery would only be dropped by the executor.
func (r *TaskRunner) processTask(msg Message, logger *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("task execution panicked", "task_id", msg.TaskID, "panic", p)
		}
		ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.broker.Ack(ackCtx, msg); err != nil {
			logger.Error("failed to ack delivery", "task_id", msg.TaskID, "error", err)
		}
	}()

	if err := r.executor.Run(context.WithoutCancel(r.ctx), msg); err != nil {
		logger.Error("task execution failed", "task_id", msg.TaskID, "error", err)
	}
}

// cronLogAdapter routes cron's logging through slog.
type cronLogAdapter struct {
	logger *slog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
