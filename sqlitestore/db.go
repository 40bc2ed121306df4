// Package sqlitestore implements coopsync's LocalStore and SyncQueue on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	txStdLib "github.com/Thiht/transactor/stdlib"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/Prismer-AI/coopsync"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type transactor interface {
	WithinTransaction(ctx context.Context, fn func(context.Context) error) error
}

// DB is one SQLite database holding both the records and the queue.
type DB struct {
	conn     *sql.DB
	tx       transactor
	dbGetter txStdLib.DBGetter
	log      coopsync.Logger

	refs      atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, logger coopsync.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; serialize on one connection.
	conn.SetMaxOpenConns(1)

	if err := migrateUp(conn); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}

	tx, dbGetter := txStdLib.NewTransactor(conn, txStdLib.NestedTransactionsSavepoints)
	return &DB{conn: conn, tx: tx, dbGetter: dbGetter, log: logger}, nil
}

func dsn(path string) string {
	pragmas := "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	if strings.Contains(path, "?") {
		return "file:" + path + "&" + pragmas
	}
	return "file:" + path + "?" + pragmas
}

func migrateUp(conn *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	d, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", d)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
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

// release drops the reference held by a closed view.
func (db *DB) release() error {
	if db.refs.Add(-1) > 0 {
		return nil
	}
	return db.Close()
}

// Close closes the connection regardless of outstanding views.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closeErr = db.conn.Close()
	})
	return db.closeErr
}

type scannable interface {
	Scan(...any) error
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (db *DB) debug(msg string, keyvals ...any) {
	if db.log != nil {
		db.log.Debug(msg, keyvals...)
	}
}

// Timestamps are stored as unix nanoseconds; 0 is the zero time.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
