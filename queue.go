package coopsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ============================================================================
// Sync Queue
// ============================================================================

// SyncQueue is the durable log of mutations awaiting replay. Enqueue must be
// durable before it returns.
type SyncQueue interface {
	Enqueue(ctx context.Context, e *QueueEntry) error
	// DequeuePending returns replayable entries in replay order. It does not
	// remove them; MarkResolved does.
	DequeuePending(ctx context.Context) ([]*QueueEntry, error)
	MarkResolved(ctx context.Context, id string) error
	// MarkFailed spends one retry. Once the budget is exhausted the entry
	// turns terminal failed and stays for inspection.
	MarkFailed(ctx context.Context, id string, cause error) (*QueueEntry, error)

	Get(ctx context.Context, id string) (*QueueEntry, error)
	// EntriesFor returns every entry of one entity, pending or failed, in
	// submission order.
	EntriesFor(ctx context.Context, t EntityType, id EntityID) ([]*QueueEntry, error)
	Failed(ctx context.Context) ([]*QueueEntry, error)
	Retry(ctx context.Context, id string) error
	Discard(ctx context.Context, id string) error
	RewriteEntityID(ctx context.Context, t EntityType, from, to EntityID) error
	DropEntity(ctx context.Context, t EntityType, id EntityID) (int, error)
	Stats(ctx context.Context) (QueueStats, error)
	Close() error
}

// NewEntryID returns a queue entry id that sorts by creation time.
func NewEntryID() string {
	return ulid.Make().String()
}

func entityKey(t EntityType, id EntityID) string {
	return string(t) + "/" + id.Key()
}

// OrderEntries sorts entries by (priority, created_at) and then restores
// submission order within each entity, so a create always precedes later
// mutations of the same entity even when their priorities differ.
func OrderEntries(entries []*QueueEntry) []*QueueEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return submittedBefore(a, b)
	})

	positions := make(map[string][]int)
	var order []string
	for i, e := range entries {
		k := entityKey(e.EntityType, e.EntityID)
		if _, ok := positions[k]; !ok {
			order = append(order, k)
		}
		positions[k] = append(positions[k], i)
	}

	out := make([]*QueueEntry, len(entries))
	for _, k := range order {
		pos := positions[k]
		members := make([]*QueueEntry, len(pos))
		for n, p := range pos {
			members[n] = entries[p]
		}
		sort.SliceStable(members, func(i, j int) bool { return submittedBefore(members[i], members[j]) })
		for n, p := range pos {
			out[p] = members[n]
		}
	}
	return out
}

func submittedBefore(a, b *QueueEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ============================================================================
// MemoryQueue
// ============================================================================

// MemoryQueue is a goroutine-safe in-memory SyncQueue.
type MemoryQueue struct {
	mu      sync.RWMutex
	entries map[string]*QueueEntry
	closed  bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*QueueEntry)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e *QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.entries[e.ID] = e.Clone()
	return nil
}

func (q *MemoryQueue) DequeuePending(_ context.Context) ([]*QueueEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}
	var ready []*QueueEntry
	for _, e := range q.entries {
		if e.Status == EntryPending && !e.Exhausted() {
			ready = append(ready, e.Clone())
		}
	}
	return OrderEntries(ready), nil
}

func (q *MemoryQueue) MarkResolved(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id string, cause error) (*QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	e, ok := q.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	ApplyFailure(e, cause, time.Now().UTC())
	return e.Clone(), nil
}

// ApplyFailure records one failed replay on e.
func ApplyFailure(e *QueueEntry, cause error, now time.Time) {
	e.RetryCount++
	if cause != nil {
		e.LastError = cause.Error()
	}
	if e.Exhausted() {
		e.Status = EntryFailed
	}
	e.UpdatedAt = now
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*QueueEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}
	e, ok := q.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (q *MemoryQueue) EntriesFor(_ context.Context, t EntityType, id EntityID) ([]*QueueEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}
	var out []*QueueEntry
	for _, e := range q.entries {
		if e.EntityType == t && e.EntityID == id {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return submittedBefore(out[i], out[j]) })
	return out, nil
}

func (q *MemoryQueue) Failed(_ context.Context) ([]*QueueEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}
	var failed []*QueueEntry
	for _, e := range q.entries {
		if e.Status == EntryFailed {
			failed = append(failed, e.Clone())
		}
	}
	sort.Slice(failed, func(i, j int) bool { return submittedBefore(failed[i], failed[j]) })
	return failed, nil
}

func (q *MemoryQueue) Retry(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	e, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.RetryCount = 0
	e.Status = EntryPending
	e.LastError = ""
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *MemoryQueue) Discard(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.entries[id]; !ok {
		return ErrNotFound
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) RewriteEntityID(_ context.Context, t EntityType, from, to EntityID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for _, e := range q.entries {
		if e.EntityType == t && e.EntityID == from {
			e.EntityID = to
		}
	}
	return nil
}

func (q *MemoryQueue) DropEntity(_ context.Context, t EntityType, id EntityID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	n := 0
	for k, e := range q.entries {
		if e.EntityType == t && e.EntityID == id {
			delete(q.entries, k)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return QueueStats{}, ErrClosed
	}
	var st QueueStats
	for _, e := range q.entries {
		switch e.Status {
		case EntryPending:
			st.Pending++
		case EntryFailed:
			st.Failed++
		}
	}
	return st, nil
}

// Close releases the queue. Further calls fail with ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
