package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Prismer-AI/coopsync"
)

const selectEntries = "SELECT id, operation, entity_type, entity_id, data, idempotency_key, retry_count, max_retries, priority, status, last_error, created_at, updated_at FROM queue_entries"

// Queue implements coopsync.SyncQueue.
type Queue struct {
	db     *DB
	closed atomic.Bool
}

var _ coopsync.SyncQueue = (*Queue)(nil)

func (q *Queue) Enqueue(ctx context.Context, e *coopsync.QueueEntry) error {
	if q.closed.Load() {
		return coopsync.ErrClosed
	}
	if e == nil || e.ID == "" {
		return fmt.Errorf("provide entry id")
	}
	var data sql.NullString
	if e.Data != nil {
		data = sql.NullString{String: string(e.Data), Valid: true}
	}
	_, err := q.db.dbGetter(ctx).ExecContext(ctx, `
		INSERT INTO queue_entries (id, operation, entity_type, entity_id, data, idempotency_key, retry_count, max_retries, priority, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Operation), string(e.EntityType), e.EntityID.Key(), data, e.IdempotencyKey,
		e.RetryCount, e.MaxRetries, e.Priority, string(e.Status), e.LastError,
		toNanos(e.CreatedAt), toNanos(e.UpdatedAt),
	)
	return err
}

func (q *Queue) DequeuePending(ctx context.Context) ([]*coopsync.QueueEntry, error) {
	if q.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	rows, err := q.db.dbGetter(ctx).QueryContext(ctx,
		selectEntries+" WHERE status=? AND retry_count < max_retries ORDER BY priority, created_at, id",
		string(coopsync.EntryPending))
	if err != nil {
		return nil, err
	}
	entries, err := extractEntries(rows)
	if err != nil {
		return nil, err
	}
	return coopsync.OrderEntries(entries), nil
}

func (q *Queue) MarkResolved(ctx context.Context, id string) error {
	if q.closed.Load() {
		return coopsync.ErrClosed
	}
	_, err := q.db.dbGetter(ctx).ExecContext(ctx, "DELETE FROM queue_entries WHERE id=?", id)
	return err
}

func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (*coopsync.QueueEntry, error) {
	if q.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	var updated *coopsync.QueueEntry
	err := q.db.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		e, err := q.get(ctx, id)
		if err != nil {
			return err
		}
		coopsync.ApplyFailure(e, cause, time.Now().UTC())
		_, err = q.db.dbGetter(ctx).ExecContext(ctx,
			"UPDATE queue_entries SET retry_count=?, status=?, last_error=?, updated_at=? WHERE id=?",
			e.RetryCount, string(e.Status), e.LastError, toNanos(e.UpdatedAt), id)
		updated = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*coopsync.QueueEntry, error) {
	if q.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	return q.get(ctx, id)
}

func (q *Queue) get(ctx context.Context, id string) (*coopsync.QueueEntry, error) {
	row := q.db.dbGetter(ctx).QueryRowContext(ctx, selectEntries+" WHERE id=?", id)
	e, err := extractEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coopsync.ErrNotFound
	}
	return e, err
}

func (q *Queue) EntriesFor(ctx context.Context, t coopsync.EntityType, id coopsync.EntityID) ([]*coopsync.QueueEntry, error) {
	if q.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	rows, err := q.db.dbGetter(ctx).QueryContext(ctx,
		selectEntries+" WHERE entity_type=? AND entity_id=? ORDER BY created_at, id", string(t), id.Key())
	if err != nil {
		return nil, err
	}
	return extractEntries(rows)
}

func (q *Queue) Failed(ctx context.Context) ([]*coopsync.QueueEntry, error) {
	if q.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	rows, err := q.db.dbGetter(ctx).QueryContext(ctx,
		selectEntries+" WHERE status=? ORDER BY created_at, id", string(coopsync.EntryFailed))
	if err != nil {
		return nil, err
	}
	return extractEntries(rows)
}

func (q *Queue) Retry(ctx context.Context, id string) error {
	if q.closed.Load() {
		return coopsync.ErrClosed
	}
	res, err := q.db.dbGetter(ctx).ExecContext(ctx,
		"UPDATE queue_entries SET retry_count=0, status=?, last_error='', updated_at=? WHERE id=?",
		string(coopsync.EntryPending), toNanos(time.Now().UTC()), id)
	return affectedOne(res, err)
}

func (q *Queue) Discard(ctx context.Context, id string) error {
	if q.closed.Load() {
		return coopsync.ErrClosed
	}
	res, err := q.db.dbGetter(ctx).ExecContext(ctx, "DELETE FROM queue_entries WHERE id=?", id)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return coopsync.ErrNotFound
	}
	return nil
}

func (q *Queue) RewriteEntityID(ctx context.Context, t coopsync.EntityType, from, to coopsync.EntityID) error {
	if q.closed.Load() {
		return coopsync.ErrClosed
	}
	_, err := q.db.dbGetter(ctx).ExecContext(ctx,
		"UPDATE queue_entries SET entity_id=? WHERE entity_type=? AND entity_id=?", to.Key(), string(t), from.Key())
	return err
}

func (q *Queue) DropEntity(ctx context.Context, t coopsync.EntityType, id coopsync.EntityID) (int, error) {
	if q.closed.Load() {
		return 0, coopsync.ErrClosed
	}
	res, err := q.db.dbGetter(ctx).ExecContext(ctx,
		"DELETE FROM queue_entries WHERE entity_type=? AND entity_id=?", string(t), id.Key())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *Queue) Stats(ctx context.Context) (coopsync.QueueStats, error) {
	if q.closed.Load() {
		return coopsync.QueueStats{}, coopsync.ErrClosed
	}
	rows, err := q.db.dbGetter(ctx).QueryContext(ctx, "SELECT status, COUNT(*) FROM queue_entries GROUP BY status")
	if err != nil {
		return coopsync.QueueStats{}, err
	}
	defer rows.Close() //nolint:errcheck

	var st coopsync.QueueStats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return coopsync.QueueStats{}, err
		}
		switch coopsync.EntryStatus(status) {
		case coopsync.EntryPending:
			st.Pending = n
		case coopsync.EntryFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	return q.db.release()
}

type entryEntity struct {
	ID             string
	Operation      string
	EntityType     string
	EntityID       string
	Data           sql.NullString
	IdempotencyKey string
	RetryCount     int
	MaxRetries     int
	Priority       int
	Status         string
	LastError      string
	CreatedAt      int64
	UpdatedAt      int64
}

func extractEntry(row scannable) (*coopsync.QueueEntry, error) {
	var e entryEntity
	if err := row.Scan(
		&e.ID, &e.Operation, &e.EntityType, &e.EntityID, &e.Data, &e.IdempotencyKey, &e.RetryCount,
		&e.MaxRetries, &e.Priority, &e.Status, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	entry := &coopsync.QueueEntry{
		ID:             e.ID,
		Operation:      coopsync.Operation(e.Operation),
		EntityType:     coopsync.EntityType(e.EntityType),
		EntityID:       coopsync.ParseEntityID(e.EntityID),
		IdempotencyKey: e.IdempotencyKey,
		RetryCount:     e.RetryCount,
		MaxRetries:     e.MaxRetries,
		Priority:       e.Priority,
		Status:         coopsync.EntryStatus(e.Status),
		LastError:      e.LastError,
		CreatedAt:      fromNanos(e.CreatedAt),
		UpdatedAt:      fromNanos(e.UpdatedAt),
	}
	if e.Data.Valid {
		entry.Data = []byte(e.Data.String)
	}
	return entry, nil
}

func extractEntries(rows *sql.Rows) ([]*coopsync.QueueEntry, error) {
	defer rows.Close() //nolint:errcheck
	var out []*coopsync.QueueEntry
	for rows.Next() {
		e, err := extractEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
