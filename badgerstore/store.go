package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"

	"github.com/Prismer-AI/coopsync"
)

// Store implements coopsync.LocalStore. Index lookups scan the collection
// and match with gjson.
type Store struct {
	db     *DB
	closed atomic.Bool
}

var _ coopsync.LocalStore = (*Store)(nil)

func collectionPrefix(t coopsync.EntityType) []byte {
	return []byte(recordPrefix + string(t) + "/")
}

func recordKey(t coopsync.EntityType, id coopsync.EntityID) []byte {
	return append(collectionPrefix(t), id.Key()...)
}

func (s *Store) Get(_ context.Context, t coopsync.EntityType, id coopsync.EntityID) (*coopsync.Record, error) {
	if s.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	var r coopsync.Record
	var found bool
	err := s.db.bdb.View(func(txn *badger.Txn) error {
		var err error
		found, err = get(txn, recordKey(t, id), &r)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetAll(_ context.Context, t coopsync.EntityType) ([]*coopsync.Record, error) {
	return s.filter(t, func(*coopsync.Record) bool { return true })
}

func (s *Store) GetByIndex(_ context.Context, t coopsync.EntityType, field string, value any) ([]*coopsync.Record, error) {
	return s.filter(t, func(r *coopsync.Record) bool { return coopsync.MatchIndex(r, field, value) })
}

func (s *Store) filter(t coopsync.EntityType, keep func(*coopsync.Record) bool) ([]*coopsync.Record, error) {
	if s.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	var out []*coopsync.Record
	err := s.db.bdb.View(func(txn *badger.Txn) error {
		var err error
		out, err = readCollection(txn, t, keep)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readCollection(txn *badger.Txn, t coopsync.EntityType, keep func(*coopsync.Record) bool) ([]*coopsync.Record, error) {
	out := []*coopsync.Record{}
	err := scan(txn, collectionPrefix(t), func(_, val []byte) error {
		var r coopsync.Record
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if keep(&r) {
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func (s *Store) Put(_ context.Context, r *coopsync.Record) error {
	if s.closed.Load() {
		return coopsync.ErrClosed
	}
	if r == nil || r.ID.IsZero() {
		return fmt.Errorf("provide record id")
	}
	return s.db.bdb.Update(func(txn *badger.Txn) error {
		return set(txn, recordKey(r.Type, r.ID), r)
	})
}

func (s *Store) Delete(_ context.Context, t coopsync.EntityType, id coopsync.EntityID) error {
	if s.closed.Load() {
		return coopsync.ErrClosed
	}
	return s.db.bdb.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(t, id))
	})
}

// ReplaceAll applies the snapshot in one transaction.
func (s *Store) ReplaceAll(_ context.Context, t coopsync.EntityType, records []*coopsync.Record) error {
	if s.closed.Load() {
		return coopsync.ErrClosed
	}
	return s.db.bdb.Update(func(txn *badger.Txn) error {
		existing, err := readCollection(txn, t, func(*coopsync.Record) bool { return true })
		if err != nil {
			return err
		}
		puts, deletes := coopsync.MergeSnapshot(existing, records)
		for _, id := range deletes {
			if err := txn.Delete(recordKey(t, id)); err != nil {
				return err
			}
		}
		for _, r := range puts {
			if err := set(txn, recordKey(t, r.ID), r); err != nil {
				return err
			}
		}
		s.db.debug("replaced snapshot", "type", t, "puts", len(puts), "deletes", len(deletes))
		return nil
	})
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.release()
}
