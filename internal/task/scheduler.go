package task

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pollEntry is one task waiting for its next status poll.
type pollEntry struct {
	taskID uuid.UUID
	handle string
	due    time.Time
	index  int
}

// pollHeap is a min-heap of poll entries keyed by due time.
type pollHeap []*pollEntry

func (h pollHeap) Len() int           { return len(h) }
func (h pollHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h pollHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pollHeap) Push(x any) {
	e := x.(*pollEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// pollShard owns the due-time heap of a subset of tasks. Only the shard's
// goroutine pops entries, so polls within a shard never overlap.
type pollShard struct {
	mu      sync.Mutex
	heap    pollHeap
	entries map[uuid.UUID]*pollEntry

	// wake is signalled when an entry may now be due earlier than before
	wake chan struct{}
}

func newPollShard() *pollShard {
	return &pollShard{
		entries: make(map[uuid.UUID]*pollEntry),
		wake:    make(chan struct{}, 1),
	}
}

// schedule adds or updates the entry of id. Unless replace is set, an
// existing entry for the same handle keeps its due time.
func (s *pollShard) schedule(id uuid.UUID, handle string, due time.Time, replace bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		if !replace && e.handle == handle {
			return
		}
		e.handle = handle
		e.due = due
		heap.Fix(&s.heap, e.index)
	} else {
		e := &pollEntry{taskID: id, handle: handle, due: due}
		heap.Push(&s.heap, e)
		s.entries[id] = e
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *pollShard) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.entries, id)
	}
}

// popDue removes and returns every entry due at or before now.
func (s *pollShard) popDue(now time.Time) []pollEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []pollEntry
	for s.heap.Len() > 0 && !s.heap[0].due.After(now) {
		e := heap.Pop(&s.heap).(*pollEntry)
		delete(s.entries, e.taskID)
		due = append(due, *e)
	}
	return due
}

// nextDue returns the earliest due time.
func (s *pollShard) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heap.Len() == 0 {
		return time.Time{}, false
	}
	return s.heap[0].due, true
}

func (s *pollShard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
