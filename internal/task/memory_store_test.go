package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	task := newQueuedTask()

	require.NoError(t, store.Create(ctx, task))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, got)

	// the store hands out copies
	got.Priority = 1
	again, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, again.Priority)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryStoreCreateRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	processing := newQueuedTask()
	processing.Status = StatusProcessing
	assert.ErrorIs(t, store.Create(ctx, processing), ErrInvalidTask)

	badType := newQueuedTask()
	badType.Type = "hologram"
	assert.ErrorIs(t, store.Create(ctx, badType), ErrUnknownTaskType)

	task := newQueuedTask()
	require.NoError(t, store.Create(ctx, task))
	assert.ErrorIs(t, store.Create(ctx, task), ErrInvalidTask)
}

func TestMemoryStoreActiveUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := newQueuedTask()
	require.NoError(t, store.Create(ctx, first))

	// Same item and type while the first is live
	second := newQueuedTask()
	assert.ErrorIs(t, store.Create(ctx, second), ErrActiveTaskExists)

	// A different type for the same item is fine
	video := newQueuedTask()
	video.Type = TypeVideo
	video.QueueName = QueueName(TypeVideo)
	require.NoError(t, store.Create(ctx, video))

	active, err := store.FindActive(ctx, "item-1", TypeImage)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	// Once the first task is terminal a new one may be created
	done := first.Clone()
	done.Status = StatusCancelled
	done.CompletedAt = timePtr(time.Now())
	require.NoError(t, store.Transition(ctx, done, StatusQueued))

	_, err = store.FindActive(ctx, "item-1", TypeImage)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.NoError(t, store.Create(ctx, second))
}

func TestMemoryStoreConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Create(ctx, newQueuedTask())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if errors.Is(err, ErrActiveTaskExists) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 19, rejected)
}

func TestMemoryStoreTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	task := newQueuedTask()
	require.NoError(t, store.Create(ctx, task))

	claimed := task.Clone()
	claimed.Status = StatusProcessing
	claimed.StartedAt = timePtr(time.Now())
	require.NoError(t, store.Transition(ctx, claimed, StatusQueued))

	// A second writer that still believes the task is queued loses
	assert.ErrorIs(t, store.Transition(ctx, claimed, StatusQueued), ErrStaleTransition)

	// Illegal edges are rejected before the stored status is checked
	illegal := claimed.Clone()
	illegal.Status = StatusCompleted
	assert.ErrorIs(t, store.Transition(ctx, illegal, StatusQueued), ErrIllegalTransition)

	missing := claimed.Clone()
	missing.ID = uuid.New()
	assert.ErrorIs(t, store.Transition(ctx, missing, StatusProcessing), ErrTaskNotFound)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestMemoryStoreTransitionIsAttemptScoped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	task := newQueuedTask()
	require.NoError(t, store.Create(ctx, task))

	first := task.Clone()
	first.Status = StatusProcessing
	first.StartedAt = timePtr(time.Now())
	require.NoError(t, store.Transition(ctx, first, StatusQueued))

	// The retry edge advances retry_count by exactly one
	skipped := first.Clone()
	skipped.Status = StatusQueued
	skipped.StartedAt = nil
	skipped.RetryCount = 2
	assert.ErrorIs(t, store.Transition(ctx, skipped, StatusProcessing), ErrStaleTransition)

	retried := first.Clone()
	retried.Status = StatusQueued
	retried.StartedAt = nil
	retried.RetryCount = 1
	require.NoError(t, store.Transition(ctx, retried, StatusProcessing))

	second := retried.Clone()
	second.Status = StatusProcessing
	second.StartedAt = timePtr(time.Now())
	require.NoError(t, store.Transition(ctx, second, StatusQueued))

	// A late write from the first attempt matches the status but not the attempt
	late := first.Clone()
	late.ExternalHandle = "operations/stale"
	assert.ErrorIs(t, store.Transition(ctx, late, StatusProcessing), ErrStaleTransition)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ExternalHandle)
}

func TestMemoryStoreTransitionKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	task := newQueuedTask()
	require.NoError(t, store.Create(ctx, task))

	next := task.Clone()
	next.Status = StatusProcessing
	next.StartedAt = timePtr(time.Now())
	next.UserID = "someone-else"
	next.ItemID = "item-2"
	next.MaxRetries = 3
	next.Metadata = []byte(`{}`)
	require.NoError(t, store.Transition(ctx, next, StatusQueued))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "item-1", got.ItemID)
	assert.JSONEq(t, `{"prompt":"a cat"}`, string(got.Metadata))
}

func TestMemoryStoreTerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	task := newQueuedTask()
	require.NoError(t, store.Create(ctx, task))

	failed := task.Clone()
	failed.Status = StatusFailed
	failed.CompletedAt = timePtr(time.Now())
	require.NoError(t, store.Transition(ctx, failed, StatusQueued))

	for _, to := range []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusCancelled} {
		next := failed.Clone()
		next.Status = to
		assert.ErrorIs(t, store.Transition(ctx, next, StatusFailed), ErrIllegalTransition, to)
	}
}

func TestMemoryStoreListQueued(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(item string, priority int, created, available time.Duration) *GenerationTask {
		task := newQueuedTask()
		task.ItemID = item
		task.Priority = priority
		task.CreatedAt = base.Add(created)
		task.AvailableAt = base.Add(available)
		require.NoError(t, store.Create(ctx, task))
		return task
	}

	low := mk("low", 3, 0, 0)
	highLate := mk("high-late", 8, 2*time.Second, 0)
	highEarly := mk("high-early", 8, time.Second, 0)
	mk("backing-off", 9, 0, time.Minute)

	tasks, err := store.ListQueued(ctx, base.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, highEarly.ID, tasks[0].ID)
	assert.Equal(t, highLate.ID, tasks[1].ID)
	assert.Equal(t, low.ID, tasks[2].ID)

	limited, err := store.ListQueued(ctx, base.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStoreListProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i, item := range []string{"b", "a", "c"} {
		task := newQueuedTask()
		task.ItemID = item
		require.NoError(t, store.Create(ctx, task))

		claimed := task.Clone()
		claimed.Status = StatusProcessing
		claimed.StartedAt = timePtr(base.Add(time.Duration(3-i) * time.Minute))
		require.NoError(t, store.Transition(ctx, claimed, StatusQueued))
		ids = append(ids, task.ID)
	}
	require.NoError(t, store.Create(ctx, newQueuedTask()))

	tasks, err := store.ListProcessing(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, ids[2], tasks[0].ID)
	assert.Equal(t, ids[1], tasks[1].ID)
	assert.Equal(t, ids[0], tasks[2].ID)
}

func TestMemoryStoreWithinTx(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	task := newQueuedTask()
	require.NoError(t, store.Create(ctx, task))

	claimed := task.Clone()
	claimed.Status = StatusProcessing
	claimed.StartedAt = timePtr(time.Now())
	require.NoError(t, store.Transition(ctx, claimed, StatusQueued))

	completed := claimed.Clone()
	completed.Status = StatusCompleted
	completed.AssetRef = "gs://bucket/a.png"
	completed.CompletedAt = timePtr(time.Now())

	t.Run("rolls back on error", func(t *testing.T) {
		store.state.itemErr = errors.New("item row locked")
		defer func() { store.state.itemErr = nil }()

		err := store.WithinTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
			if err := uow.Tasks.Transition(ctx, completed, StatusProcessing); err != nil {
				return err
			}
			return uow.Items.ApplyResult(ctx, completed.ItemID, completed.Type, completed.ID, completed.AssetRef)
		})
		require.Error(t, err)

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, got.Status)
		_, ok := store.Item("item-1", TypeImage)
		assert.False(t, ok)
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_ = store.WithinTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
				require.NoError(t, uow.Tasks.Transition(ctx, completed, StatusProcessing))
				panic("boom")
			})
		})

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, got.Status)
	})

	t.Run("commits", func(t *testing.T) {
		err := store.WithinTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
			if err := uow.Tasks.Transition(ctx, completed, StatusProcessing); err != nil {
				return err
			}
			return uow.Items.ApplyResult(ctx, completed.ItemID, completed.Type, completed.ID, completed.AssetRef)
		})
		require.NoError(t, err)

		got, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)

		item, ok := store.Item("item-1", TypeImage)
		require.True(t, ok)
		assert.Equal(t, task.ID, item.TaskID)
		assert.Equal(t, "gs://bucket/a.png", item.AssetRef)
	})
}
