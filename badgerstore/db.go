// Package badgerstore implements coopsync's LocalStore and SyncQueue on an
// embedded BadgerDB.
//
// Keys:
//
//	rec/<entity type>/<entity id key>  JSON coopsync.Record
//	queue/<entry id>                    JSON coopsync.QueueEntry
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"

	"github.com/Prismer-AI/coopsync"
)

const (
	recordPrefix = "rec/"
	queuePrefix  = "queue/"
)

// Options configures Open.
type Options struct {
	// Dir holds the database files. Empty with InMemory set keeps
	// everything in memory.
	Dir      string
	InMemory bool
	Logger   coopsync.Logger
}

// DB is one Badger database holding records and queue entries.
type DB struct {
	bdb *badger.DB
	log coopsync.Logger

	refs      atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// Open opens the database described by opts.
func Open(opts Options) (*DB, error) {
	if opts.Dir == "" && !opts.InMemory {
		return nil, fmt.Errorf("provide a directory or set InMemory")
	}
	bopts := badger.DefaultOptions(opts.Dir).
		WithLogger(nil).
		WithSyncWrites(!opts.InMemory)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true)
	}
	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &DB{bdb: bdb, log: opts.Logger}, nil
}

// Store returns a LocalStore view of db. Once every view is closed, db is
// closed too.
func (db *DB) Store() *Store {
	db.refs.Add(1)
	return &Store{db: db}
}

// Queue returns a SyncQueue view of db.
func (db *DB) Queue() *Queue {
	db.refs.Add(1)
	return &Queue{db: db}
}

// Backend returns a Store and Queue sharing db.
func (db *DB) Backend() coopsync.Backend {
	return coopsync.Backend{Store: db.Store(), Queue: db.Queue()}
}

func (db *DB) release() error {
	if db.refs.Add(-1) > 0 {
		return nil
	}
	return db.Close()
}

// Close closes the database regardless of outstanding views.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closeErr = db.bdb.Close()
	})
	return db.closeErr
}

func (db *DB) debug(msg string, keyvals ...any) {
	if db.log != nil {
		db.log.Debug(msg, keyvals...)
	}
}

// get decodes the value at key into v. found is false when key is absent.
func get(txn *badger.Txn, key []byte, v any) (found bool, err error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func set(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

// scan calls fn with the value of every key under prefix, in key order.
func scan(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return err
		}
	}
	return nil
}
