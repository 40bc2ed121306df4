package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/Prismer-AI/coopsync"
)

const selectRecords = "SELECT entity_type, id, payload, sync_status, local_changes, deleted, last_error, updated_at, last_synced FROM records"

// jsonField matches payload paths that translate directly to a JSON path.
var jsonField = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// Store implements coopsync.LocalStore.
type Store struct {
	db     *DB
	closed atomic.Bool
}

var _ coopsync.LocalStore = (*Store)(nil)

func (s *Store) Get(ctx context.Context, t coopsync.EntityType, id coopsync.EntityID) (*coopsync.Record, error) {
	if s.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	row := s.db.dbGetter(ctx).QueryRowContext(ctx,
		selectRecords+" WHERE entity_type=? AND id=?", string(t), id.Key())
	r, err := extractRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *Store) GetAll(ctx context.Context, t coopsync.EntityType) ([]*coopsync.Record, error) {
	if s.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	rows, err := s.db.dbGetter(ctx).QueryContext(ctx,
		selectRecords+" WHERE entity_type=? ORDER BY id", string(t))
	if err != nil {
		return nil, err
	}
	return extractRecords(rows)
}

// GetByIndex filters on the record columns directly. Payload fields are
// narrowed with json_type and then matched in Go so comparison semantics
// match the other stores.
func (s *Store) GetByIndex(ctx context.Context, t coopsync.EntityType, field string, value any) ([]*coopsync.Record, error) {
	if s.closed.Load() {
		return nil, coopsync.ErrClosed
	}
	db := s.db.dbGetter(ctx)
	want := coopsync.IndexValue(value)

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case field == coopsync.IndexSyncStatus:
		rows, err = db.QueryContext(ctx,
			selectRecords+" WHERE entity_type=? AND sync_status=? ORDER BY id", string(t), want)
	case field == coopsync.IndexLocalChanges:
		rows, err = db.QueryContext(ctx,
			selectRecords+" WHERE entity_type=? AND local_changes=? ORDER BY id", string(t), boolInt(want == "true"))
	case jsonField.MatchString(field):
		rows, err = db.QueryContext(ctx,
			selectRecords+" WHERE entity_type=? AND json_valid(payload) AND json_type(payload, ?) IS NOT NULL ORDER BY id",
			string(t), "$."+field)
	default:
		rows, err = db.QueryContext(ctx, selectRecords+" WHERE entity_type=? ORDER BY id", string(t))
	}
	if err != nil {
		return nil, err
	}
	all, err := extractRecords(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*coopsync.Record, 0, len(all))
	for _, r := range all {
		if coopsync.MatchIndex(r, field, value) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, r *coopsync.Record) error {
	if s.closed.Load() {
		return coopsync.ErrClosed
	}
	return putRecord(ctx, s.db.dbGetter(ctx), r)
}

func putRecord(ctx context.Context, db execer, r *coopsync.Record) error {
	if r == nil || r.ID.IsZero() {
		return fmt.Errorf("provide record id")
	}
	var payload sql.NullString
	if r.Payload != nil {
		payload = sql.NullString{String: string(r.Payload), Valid: true}
	}
	var lastSynced sql.NullInt64
	if r.LastSynced != nil {
		lastSynced = sql.NullInt64{Int64: toNanos(*r.LastSynced), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, payload, sync_status, local_changes, deleted, last_error, updated_at, last_synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET
			payload=excluded.payload,
			sync_status=excluded.sync_status,
			local_changes=excluded.local_changes,
			deleted=excluded.deleted,
			last_error=excluded.last_error,
			updated_at=excluded.updated_at,
			last_synced=excluded.last_synced`,
		string(r.Type), r.ID.Key(), payload, string(r.SyncStatus),
		boolInt(r.LocalChanges), boolInt(r.Deleted), r.LastError, toNanos(r.UpdatedAt), lastSynced,
	)
	return err
}

func (s *Store) Delete(ctx context.Context, t coopsync.EntityType, id coopsync.EntityID) error {
	if s.closed.Load() {
		return coopsync.ErrClosed
	}
	_, err := s.db.dbGetter(ctx).ExecContext(ctx,
		"DELETE FROM records WHERE entity_type=? AND id=?", string(t), id.Key())
	return err
}

// ReplaceAll applies the snapshot in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, t coopsync.EntityType, records []*coopsync.Record) error {
	if s.closed.Load() {
		return coopsync.ErrClosed
	}
	return s.db.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		existing, err := s.GetAll(ctx, t)
		if err != nil {
			return err
		}
		puts, deletes := coopsync.MergeSnapshot(existing, records)
		db := s.db.dbGetter(ctx)
		for _, id := range deletes {
			if _, err := db.ExecContext(ctx,
				"DELETE FROM records WHERE entity_type=? AND id=?", string(t), id.Key()); err != nil {
				return err
			}
		}
		for _, r := range puts {
			if err := putRecord(ctx, db, r); err != nil {
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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type recordEntity struct {
	EntityType   string
	ID           string
	Payload      sql.NullString
	SyncStatus   string
	LocalChanges int
	Deleted      int
	LastError    string
	UpdatedAt    int64
	LastSynced   sql.NullInt64
}

func extractRecord(row scannable) (*coopsync.Record, error) {
	var e recordEntity
	if err := row.Scan(
		&e.EntityType, &e.ID, &e.Payload, &e.SyncStatus, &e.LocalChanges,
		&e.Deleted, &e.LastError, &e.UpdatedAt, &e.LastSynced,
	); err != nil {
		return nil, err
	}
	r := &coopsync.Record{
		Type:         coopsync.EntityType(e.EntityType),
		ID:           coopsync.ParseEntityID(e.ID),
		SyncStatus:   coopsync.SyncStatus(e.SyncStatus),
		LocalChanges: e.LocalChanges != 0,
		Deleted:      e.Deleted != 0,
		LastError:    e.LastError,
		UpdatedAt:    fromNanos(e.UpdatedAt),
	}
	if e.Payload.Valid {
		r.Payload = []byte(e.Payload.String)
	}
	if e.LastSynced.Valid {
		ts := fromNanos(e.LastSynced.Int64)
		r.LastSynced = &ts
	}
	return r, nil
}

func extractRecords(rows *sql.Rows) ([]*coopsync.Record, error) {
	defer rows.Close() //nolint:errcheck
	out := []*coopsync.Record{}
	for rows.Next() {
		r, err := extractRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
