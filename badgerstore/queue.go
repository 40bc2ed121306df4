package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/Prismer-AI/coopsync"
)

// Queue implements coopsync.SyncQueue.
type Queue struct {
	db     *DB
	closed atomic.Bool
}

var _ coopsync.SyncQueue = (*Queue)(nil)

func entryKey(id string) []byte {
	return []byte(queuePrefix + id)
}

func (q *Queue) Enqueue(_ context.Context, e *coopsync.QueueEntry) error {
	if q.closed.Load() {
		return coopsync.ErrClosed
	}
	if e == nil || e.ID == "" {
		return fmt.Errorf("provide entry id")
	}
	return q.db.bdb.Update(func(txn *badger.Txn) error {
		return set(txn, entryKey(e.ID), e)
	})
}

// entries returns every entry accepted by keep, in submission order.
func (q *Queue) entries(keep func(*coopsync.QueueEntry) bool) ([]*coopsync.QueueEntry, error) {
	if q.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	var out []*coopsync.QueueEntry
	err := q.db.bdb.View(func(txn *badger.Txn) error {
		return scan(txn, []byte(queuePrefix), func(_, val []byte) error {
			var e coopsync.QueueEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			if keep(&e) {
				out = append(out, &e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (q *Queue) DequeuePending(_ context.Context) ([]*coopsync.QueueEntry, error) {
	ready, err := q.entries(func(e *coopsync.QueueEntry) bool {
		return e.Status == coopsync.EntryPending && !e.Exhausted()
	})
	if err != nil {
		return nil, err
	}
	return coopsync.OrderEntries(ready), nil
}

func (q *Queue) MarkResolved(_ context.Context, id string) error {
	if q.closed.Load() {
		return coopsync.ErrClosed
	}
	return q.db.bdb.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(id))
	})
}

// update loads entry id, applies fn and writes it back in one transaction.
func (q *Queue) update(id string, fn func(e *coopsync.QueueEntry)) (*coopsync.QueueEntry, error) {
	if q.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	var e coopsync.QueueEntry
	err := q.db.bdb.Update(func(txn *badger.Txn) error {
		found, err := get(txn, entryKey(id), &e)
		if err != nil {
			return err
		}
		if !found {
			return coopsync.ErrNotFound
		}
		fn(&e)
		return set(txn, entryKey(id), &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *Queue) MarkFailed(_ context.Context, id string, cause error) (*coopsync.QueueEntry, error) {
	return q.update(id, func(e *coopsync.QueueEntry) {
		coopsync.ApplyFailure(e, cause, time.Now().UTC())
	})
}

func (q *Queue) Get(_ context.Context, id string) (*coopsync.QueueEntry, error) {
	if q.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	var e coopsync.QueueEntry
	var found bool
	err := q.db.bdb.View(func(txn *badger.Txn) error {
		var err error
		found, err = get(txn, entryKey(id), &e)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, coopsync.ErrNotFound
	}
	return &e, nil
}

func (q *Queue) EntriesFor(_ context.Context, t coopsync.EntityType, id coopsync.EntityID) ([]*coopsync.QueueEntry, error) {
	return q.entries(func(e *coopsync.QueueEntry) bool {
		return e.EntityType == t && e.EntityID == id
	})
}

func (q *Queue) Failed(_ context.Context) ([]*coopsync.QueueEntry, error) {
	return q.entries(func(e *coopsync.QueueEntry) bool { return e.Status == coopsync.EntryFailed })
}

func (q *Queue) Retry(_ context.Context, id string) error {
	_, err := q.update(id, func(e *coopsync.QueueEntry) {
		e.RetryCount = 0
		e.Status = coopsync.EntryPending
		e.LastError = ""
		e.UpdatedAt = time.Now().UTC()
	})
	return err
}

func (q *Queue) Discard(_ context.Context, id string) error {
	if q.closed.Load() {
		return coopsync.ErrClosed
	}
	return q.db.bdb.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entryKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return coopsync.ErrNotFound
			}
			return err
		}
		return txn.Delete(entryKey(id))
	})
}

// rewrite applies fn to every entry of one entity in one transaction and
// returns how many matched.
func (q *Queue) rewrite(t coopsync.EntityType, id coopsync.EntityID, fn func(txn *badger.Txn, key []byte, e *coopsync.QueueEntry) error) (int, error) {
	if q.closed.Load() {
		return 0, coopsync.ErrClosed
	}
	n := 0
	err := q.db.bdb.Update(func(txn *badger.Txn) error {
		type match struct {
			key   []byte
			entry *coopsync.QueueEntry
		}
		var matches []match
		err := scan(txn, []byte(queuePrefix), func(key, val []byte) error {
			var e coopsync.QueueEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			if e.EntityType == t && e.EntityID == id {
				matches = append(matches, match{key: key, entry: &e})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := fn(txn, m.key, m.entry); err != nil {
				return err
			}
		}
		n = len(matches)
		return nil
	})
	return n, err
}

func (q *Queue) RewriteEntityID(_ context.Context, t coopsync.EntityType, from, to coopsync.EntityID) error {
	_, err := q.rewrite(t, from, func(txn *badger.Txn, key []byte, e *coopsync.QueueEntry) error {
		e.EntityID = to
		return set(txn, key, e)
	})
	return err
}

func (q *Queue) DropEntity(_ context.Context, t coopsync.EntityType, id coopsync.EntityID) (int, error) {
	return q.rewrite(t, id, func(txn *badger.Txn, key []byte, _ *coopsync.QueueEntry) error {
		return txn.Delete(key)
	})
}

func (q *Queue) Stats(_ context.Context) (coopsync.QueueStats, error) {
	all, err := q.entries(func(*coopsync.QueueEntry) bool { return true })
	if err != nil {
		return coopsync.QueueStats{}, err
	}
	var st coopsync.QueueStats
	for _, e := range all {
		switch e.Status {
		case coopsync.EntryPending:
			st.Pending++
		case coopsync.EntryFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	return q.db.release()
}
