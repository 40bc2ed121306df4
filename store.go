package coopsync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Local Store
// ============================================================================

// LocalStore is a keyed record store per entity type. Get and GetAll never
// fail on missing data; Delete of a missing id is a no-op.
type LocalStore interface {
	Get(ctx context.Context, t EntityType, id EntityID) (*Record, error)
	GetAll(ctx context.Context, t EntityType) ([]*Record, error)
	GetByIndex(ctx context.Context, t EntityType, field string, value any) ([]*Record, error)
	Put(ctx context.Context, r *Record) error
	Delete(ctx context.Context, t EntityType, id EntityID) error
	// ReplaceAll replaces the synced records of t with a server snapshot.
	// Records with local changes survive and are never overwritten.
	ReplaceAll(ctx context.Context, t EntityType, records []*Record) error
	Close() error
}

// Record-level fields accepted by GetByIndex. Any other field is a path into
// the payload.
const (
	IndexSyncStatus   = "sync_status"
	IndexLocalChanges = "local_changes"
)

// IndexValue is the string form used to compare index values.
func IndexValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case SyncStatus:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// MatchIndex reports whether r has field equal to value.
func MatchIndex(r *Record, field string, value any) bool {
	want := IndexValue(value)
	switch field {
	case IndexSyncStatus:
		return string(r.SyncStatus) == want
	case IndexLocalChanges:
		return strconv.FormatBool(r.LocalChanges) == want
	}
	res := gjson.GetBytes(r.Payload, field)
	return res.Exists() && res.String() == want
}

// MergeSnapshot computes the writes that replace the synced view of a
// collection with incoming. Existing records carrying local state are kept
// untouched.
func MergeSnapshot(existing, incoming []*Record) (puts []*Record, deletes []EntityID) {
	local := make(map[string]bool, len(existing))
	for _, r := range existing {
		if r.HasLocalState() {
			local[r.ID.Key()] = true
		}
	}
	seen := make(map[string]bool, len(incoming))
	for _, r := range incoming {
		k := r.ID.Key()
		seen[k] = true
		if local[k] {
			continue
		}
		puts = append(puts, r)
	}
	for _, r := range existing {
		if !seen[r.ID.Key()] && !r.HasLocalState() {
			deletes = append(deletes, r.ID)
		}
	}
	return puts, deletes
}

// SortRecords orders records by key so listings are stable.
func SortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID.Key() < records[j].ID.Key() })
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory LocalStore. It does not survive
// restarts; use sqlitestore or badgerstore for durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[EntityType]map[string]*Record
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[EntityType]map[string]*Record)}
}

func (s *MemoryStore) Get(_ context.Context, t EntityType, id EntityID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.records[t][id.Key()].Clone(), nil
}

func (s *MemoryStore) GetAll(_ context.Context, t EntityType) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*Record, 0, len(s.records[t]))
	for _, r := range s.records[t] {
		out = append(out, r.Clone())
	}
	SortRecords(out)
	return out, nil
}

func (s *MemoryStore) GetByIndex(_ context.Context, t EntityType, field string, value any) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := []*Record{}
	for _, r := range s.records[t] {
		if MatchIndex(r, field, value) {
			out = append(out, r.Clone())
		}
	}
	SortRecords(out)
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.put(r)
	return nil
}

func (s *MemoryStore) put(r *Record) {
	coll := s.records[r.Type]
	if coll == nil {
		coll = make(map[string]*Record)
		s.records[r.Type] = coll
	}
	coll[r.ID.Key()] = r.Clone()
}

func (s *MemoryStore) Delete(_ context.Context, t EntityType, id EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.records[t], id.Key())
	return nil
}

func (s *MemoryStore) ReplaceAll(_ context.Context, t EntityType, records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	existing := make([]*Record, 0, len(s.records[t]))
	for _, r := range s.records[t] {
		existing = append(existing, r)
	}
	puts, deletes := MergeSnapshot(existing, records)
	for _, id := range deletes {
		delete(s.records[t], id.Key())
	}
	for _, r := range puts {
		s.put(r)
	}
	return nil
}

// Close releases the store. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
