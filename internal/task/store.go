package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists GenerationTask records. It is the single source of truth for
// lifecycle state.
type Store interface {
	// Create inserts a new queued task. It returns ErrActiveTaskExists when a
	// non-terminal task already targets the same (item_id, task_type).
	Create(ctx context.Context, t *GenerationTask) error

	// Get returns the task with the given id or ErrTaskNotFound.
	Get(ctx context.Context, id uuid.UUID) (*GenerationTask, error)

	// FindActive returns the non-terminal task for (itemID, typ), or ErrTaskNotFound.
	FindActive(ctx context.Context, itemID string, typ Type) (*GenerationTask, error)

	// Transition writes next only if the stored task is currently in status
	// from and on the attempt given by PriorRetryCount(next, from). It
	// returns ErrStaleTransition when the precondition fails and
	// ErrIllegalTransition when from -> next.Status is not an allowed edge.
	Transition(ctx context.Context, next *GenerationTask, from Status) error

	// ListQueued returns queued tasks whose available_at is at or before the
	// given time, ordered by priority desc, created_at asc.
	ListQueued(ctx context.Context, availableBefore time.Time, limit int) ([]*GenerationTask, error)

	// ListProcessing returns processing tasks ordered by started_at.
	ListProcessing(ctx context.Context, limit int) ([]*GenerationTask, error)
}

// ItemStore writes finished artifacts onto the domain objects tasks populate.
type ItemStore interface {
	// ApplyResult records assetRef as the produced artifact of (itemID, typ).
	ApplyResult(ctx context.Context, itemID string, typ Type, taskID uuid.UUID, assetRef string) error
}

// UnitOfWork groups the stores bound to one transaction.
type UnitOfWork struct {
	Tasks Store
	Items ItemStore
}

// Transactor runs fn inside a transaction. If fn returns an error the whole
// unit of work is rolled back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// CheckTransition validates an edge and the resulting record. Store
// implementations call it before writing.
func CheckTransition(next *GenerationTask, from Status) error {
	if !CanTransition(from, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next.Status)
	}
	return next.Validate()
}

// PriorRetryCount is the retry_count the stored task must carry for next to
// apply. Only the retry edge (processing -> queued) advances it, by one, so a
// write from a superseded attempt never matches.
func PriorRetryCount(next *GenerationTask, from Status) int {
	if from == StatusProcessing && next.Status == StatusQueued {
		return next.RetryCount - 1
	}
	return next.RetryCount
}
