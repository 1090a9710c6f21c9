package task

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/generation"
	"github.com/phrazzld/mediagen/internal/redact"
)

// Providers maps each task type to the adapter that serves it. It is built
// once at startup and shared by the executor, reconciler and gateway.
type Providers map[Type]generation.Provider

// Tracker receives tasks that hold a pending provider handle.
type Tracker interface {
	// Track schedules status polling for t.
	Track(t *GenerationTask)

	// Forget stops polling the task.
	Forget(id uuid.UUID)
}

// finisher performs terminal writes and notifies after each successful commit.
type finisher struct {
	store    Store
	tx       Transactor
	notifier *Notifier
	now      func() time.Time
}

func newFinisher(store Store, tx Transactor, notifier *Notifier) *finisher {
	return &finisher{store: store, tx: tx, notifier: notifier, now: time.Now}
}

// complete marks cur completed and writes the asset onto the target item in
// one transaction.
func (f *finisher) complete(ctx context.Context, cur *GenerationTask, assetRef string) (*GenerationTask, error) {
	next := cur.Clone()
	next.Status = StatusCompleted
	next.AssetRef = assetRef
	next.ErrorMessage = ""
	next.FailureReason = ""
	next.NextPollAt = nil
	next.CompletedAt = timePtr(f.now().UTC())

	err := f.tx.WithinTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		if err := uow.Tasks.Transition(ctx, next, cur.Status); err != nil {
			return err
		}
		return uow.Items.ApplyResult(ctx, next.ItemID, next.Type, next.ID, assetRef)
	})
	if err != nil {
		return nil, err
	}

	f.notify(ctx, next)
	return next, nil
}

// fail marks cur failed with a redacted message.
func (f *finisher) fail(ctx context.Context, cur *GenerationTask, reason generation.FailureReason, message string) (*GenerationTask, error) {
	next := cur.Clone()
	next.Status = StatusFailed
	next.FailureReason = reason
	next.ErrorMessage = redact.Message(message)
	if next.ErrorMessage == "" {
		next.ErrorMessage = string(reason)
	}
	next.NextPollAt = nil
	next.CompletedAt = timePtr(f.now().UTC())

	if err := f.store.Transition(ctx, next, cur.Status); err != nil {
		return nil, err
	}

	f.notify(ctx, next)
	return next, nil
}

// cancel marks cur cancelled.
func (f *finisher) cancel(ctx context.Context, cur *GenerationTask) (*GenerationTask, error) {
	next := cur.Clone()
	next.Status = StatusCancelled
	next.ErrorMessage = "cancelled by request"
	next.FailureReason = ""
	next.NextPollAt = nil
	next.CompletedAt = timePtr(f.now().UTC())

	if err := f.store.Transition(ctx, next, cur.Status); err != nil {
		return nil, err
	}

	f.notify(ctx, next)
	return next, nil
}

// notify outlives the caller's cancellation; the write already committed.
func (f *finisher) notify(ctx context.Context, t *GenerationTask) {
	if f.notifier == nil {
		return
	}
	f.notifier.TaskFinished(context.WithoutCancel(ctx), t)
}

// failureMessage picks the most useful text of a provider error.
func failureMessage(perr *generation.ProviderError) string {
	switch {
	case perr.Message != "":
		return perr.Message
	case perr.Err != nil:
		return perr.Err.Error()
	}
	return string(perr.Reason)
}
