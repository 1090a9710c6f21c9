package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ItemResult is the artifact recorded for a domain item.
type ItemResult struct {
	ItemID    string
	Type      Type
	TaskID    uuid.UUID
	AssetRef  string
	UpdatedAt time.Time
}

type itemKey struct {
	itemID string
	typ    Type
}

// MemoryStore is an in-process implementation of Store, ItemStore and
// Transactor. It is used in tests and for local development.
//
// A single mutex serializes every operation, so each Transition is a true
// compare-and-set. Stores passed to a WithinTx callback must be used instead
// of the MemoryStore itself for the duration of the callback.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			tasks: make(map[uuid.UUID]*GenerationTask),
			items: make(map[itemKey]ItemResult),
			now:   time.Now,
		},
	}
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, t *GenerationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.create(t)
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.get(id)
}

// FindActive implements Store.
func (m *MemoryStore) FindActive(ctx context.Context, itemID string, typ Type) (*GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.findActive(itemID, typ)
}

// Transition implements Store.
func (m *MemoryStore) Transition(ctx context.Context, next *GenerationTask, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.transition(next, from)
}

// ListQueued implements Store.
func (m *MemoryStore) ListQueued(ctx context.Context, availableBefore time.Time, limit int) ([]*GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listQueued(availableBefore, limit), nil
}

// ListProcessing implements Store.
func (m *MemoryStore) ListProcessing(ctx context.Context, limit int) ([]*GenerationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listProcessing(limit), nil
}

// ApplyResult implements ItemStore.
func (m *MemoryStore) ApplyResult(ctx context.Context, itemID string, typ Type, taskID uuid.UUID, assetRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.applyResult(itemID, typ, taskID, assetRef)
}

// Item returns the artifact recorded for (itemID, typ).
func (m *MemoryStore) Item(itemID string, typ Type) (ItemResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.items[itemKey{itemID, typ}]
	return r, ok
}

// All returns a copy of every stored task.
func (m *MemoryStore) All() []*GenerationTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*GenerationTask, 0, len(m.state.tasks))
	for _, t := range m.state.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// WithinTx implements Transactor. Writes made through uow are undone when fn
// returns an error or panics.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.undo = make([]func(), 0, 4)
	defer func() {
		if p := recover(); p != nil {
			m.state.rollback()
			panic(p)
		}
		if err != nil {
			m.state.rollback()
		}
		m.state.undo = nil
	}()

	tx := memoryTx{state: m.state}
	return fn(ctx, UnitOfWork{Tasks: tx, Items: tx})
}

// memoryState holds the data. Callers must hold MemoryStore.mu.
type memoryState struct {
	tasks map[uuid.UUID]*GenerationTask
	items map[itemKey]ItemResult
	now   func() time.Time

	// undo is non-nil while a transaction is open
	undo []func()

	// itemErr, when set, is returned by applyResult
	itemErr error
}

func (s *memoryState) record(fn func()) {
	if s.undo != nil {
		s.undo = append(s.undo, fn)
	}
}

func (s *memoryState) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
}

func (s *memoryState) create(t *GenerationTask) error {
	if t.Status != StatusQueued {
		return fmt.Errorf("%w: new tasks must be queued", ErrInvalidTask)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidTask, t.ID)
	}
	if _, err := s.findActive(t.ItemID, t.Type); err == nil {
		return ErrActiveTaskExists
	}

	id := t.ID
	s.tasks[id] = t.Clone()
	s.record(func() { delete(s.tasks, id) })
	return nil
}

func (s *memoryState) get(id uuid.UUID) (*GenerationTask, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (s *memoryState) findActive(itemID string, typ Type) (*GenerationTask, error) {
	for _, t := range s.tasks {
		if t.ItemID == itemID && t.Type == typ && !t.Status.Terminal() {
			return t.Clone(), nil
		}
	}
	return nil, ErrTaskNotFound
}

func (s *memoryState) transition(next *GenerationTask, from Status) error {
	if err := CheckTransition(next, from); err != nil {
		return err
	}

	current, ok := s.tasks[next.ID]
	if !ok {
		return ErrTaskNotFound
	}
	if current.Status != from || current.RetryCount != PriorRetryCount(next, from) {
		return ErrStaleTransition
	}

	// identity and creation fields are immutable
	updated := next.Clone()
	updated.UserID = current.UserID
	updated.Type = current.Type
	updated.ItemID = current.ItemID
	updated.CreatedAt = current.CreatedAt
	updated.Metadata = current.Metadata
	updated.MaxRetries = current.MaxRetries

	s.tasks[next.ID] = updated
	s.record(func() { s.tasks[current.ID] = current })
	return nil
}

func (s *memoryState) listQueued(availableBefore time.Time, limit int) []*GenerationTask {
	var out []*GenerationTask
	for _, t := range s.tasks {
		if t.Status == StatusQueued && !t.AvailableAt.After(availableBefore) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return truncate(out, limit)
}

func (s *memoryState) listProcessing(limit int) []*GenerationTask {
	var out []*GenerationTask
	for _, t := range s.tasks {
		if t.Status == StatusProcessing {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	return truncate(out, limit)
}

func (s *memoryState) applyResult(itemID string, typ Type, taskID uuid.UUID, assetRef string) error {
	if s.itemErr != nil {
		return s.itemErr
	}

	key := itemKey{itemID, typ}
	prev, existed := s.items[key]
	s.items[key] = ItemResult{
		ItemID:    itemID,
		Type:      typ,
		TaskID:    taskID,
		AssetRef:  assetRef,
		UpdatedAt: s.now().UTC(),
	}
	s.record(func() {
		if existed {
			s.items[key] = prev
		} else {
			delete(s.items, key)
		}
	})
	return nil
}

func truncate(tasks []*GenerationTask, limit int) []*GenerationTask {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}

// memoryTx exposes memoryState to a transaction callback without re-locking.
type memoryTx struct {
	state *memoryState
}

func (t memoryTx) Create(ctx context.Context, task *GenerationTask) error {
	return t.state.create(task)
}

func (t memoryTx) Get(ctx context.Context, id uuid.UUID) (*GenerationTask, error) {
	return t.state.get(id)
}

func (t memoryTx) FindActive(ctx context.Context, itemID string, typ Type) (*GenerationTask, error) {
	return t.state.findActive(itemID, typ)
}

func (t memoryTx) Transition(ctx context.Context, next *GenerationTask, from Status) error {
	return t.state.transition(next, from)
}

func (t memoryTx) ListQueued(ctx context.Context, availableBefore time.Time, limit int) ([]*GenerationTask, error) {
	return t.state.listQueued(availableBefore, limit), nil
}

func (t memoryTx) ListProcessing(ctx context.Context, limit int) ([]*GenerationTask, error) {
	return t.state.listProcessing(limit), nil
}

func (t memoryTx) ApplyResult(ctx context.Context, itemID string, typ Type, taskID uuid.UUID, assetRef string) error {
	return t.state.applyResult(itemID, typ, taskID, assetRef)
}
