// Package storetest holds conformance tests shared by every LocalStore and
// SyncQueue implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/coopsync"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Record builds a record of type questions.
func Record(id coopsync.EntityID, payload string, status coopsync.SyncStatus) *coopsync.Record {
	return &coopsync.Record{
		Type:         coopsync.EntityQuestions,
		ID:           id,
		Payload:      json.RawMessage(payload),
		SyncStatus:   status,
		LocalChanges: status != coopsync.StatusSynced,
		UpdatedAt:    base,
	}
}

// Entry builds a pending entry created n seconds after a fixed base time.
func Entry(op coopsync.Operation, id coopsync.EntityID, priority, n int) *coopsync.QueueEntry {
	at := base.Add(time.Duration(n) * time.Second)
	return &coopsync.QueueEntry{
		ID:         coopsync.NewEntryID(),
		Operation:  op,
		EntityType: coopsync.EntityQuestions,
		EntityID:   id,
		Data:       json.RawMessage(`{"n":1}`),
		MaxRetries: coopsync.DefaultMaxRetries,
		Priority:   priority,
		Status:     coopsync.EntryPending,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func ids(records []*coopsync.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID.Key()
	}
	return out
}

func entryIDs(entries []*coopsync.QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// ============================================================================
// LocalStore
// ============================================================================

// RunStoreTests runs the LocalStore conformance suite. newStore must return
// an empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) coopsync.LocalStore) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		r, err := s.Get(ctx, coopsync.EntityQuestions, coopsync.ConfirmedID("nope"))
		require.NoError(t, err)
		assert.Nil(t, r)

		all, err := s.GetAll(ctx, coopsync.EntityQuestions)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		synced := base.Add(time.Minute)
		in := Record(coopsync.ConfirmedID("17"), `{"id":"17","text":"Do members vote?"}`, coopsync.StatusSynced)
		in.LastSynced = &synced
		require.NoError(t, s.Put(ctx, in))

		got, err := s.Get(ctx, coopsync.EntityQuestions, coopsync.ConfirmedID("17"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, in.ID, got.ID)
		assert.Equal(t, in.Type, got.Type)
		assert.JSONEq(t, string(in.Payload), string(got.Payload))
		assert.Equal(t, coopsync.StatusSynced, got.SyncStatus)
		assert.False(t, got.LocalChanges)
		assert.True(t, in.UpdatedAt.Equal(got.UpdatedAt))
		require.NotNil(t, got.LastSynced)
		assert.True(t, synced.Equal(*got.LastSynced))
	})

	t.Run("put overwrites", func(t *testing.T) {
		s := newStore(t)
		id := coopsync.ConfirmedID("1")
		require.NoError(t, s.Put(ctx, Record(id, `{"v":1}`, coopsync.StatusSynced)))
		next := Record(id, `{"v":2}`, coopsync.StatusFailed)
		next.LastError = "rejected"
		require.NoError(t, s.Put(ctx, next))

		got, err := s.Get(ctx, coopsync.EntityQuestions, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got.Payload))
		assert.Equal(t, coopsync.StatusFailed, got.SyncStatus)
		assert.Equal(t, "rejected", got.LastError)
	})

	t.Run("temporary and confirmed ids are distinct", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, Record(coopsync.ConfirmedID("abc"), `{"v":"server"}`, coopsync.StatusSynced)))
		require.NoError(t, s.Put(ctx, Record(coopsync.TemporaryID("abc"), `{"v":"local"}`, coopsync.StatusPending)))

		got, err := s.Get(ctx, coopsync.EntityQuestions, coopsync.TemporaryID("abc"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.ID.IsTemporary())
		assert.JSONEq(t, `{"v":"local"}`, string(got.Payload))

		all, err := s.GetAll(ctx, coopsync.EntityQuestions)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("get all is scoped and sorted", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"3", "1", "2"} {
			require.NoError(t, s.Put(ctx, Record(coopsync.ConfirmedID(id), `{}`, coopsync.StatusSynced)))
		}
		other := Record(coopsync.ConfirmedID("9"), `{}`, coopsync.StatusSynced)
		other.Type = coopsync.EntityCategories
		require.NoError(t, s.Put(ctx, other))

		all, err := s.GetAll(ctx, coopsync.EntityQuestions)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "3"}, ids(all))
	})

	t.Run("get by index", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, Record(coopsync.ConfirmedID("1"), `{"category_id":"c1","weight":3,"meta":{"lang":"en"}}`, coopsync.StatusSynced)))
		require.NoError(t, s.Put(ctx, Record(coopsync.ConfirmedID("2"), `{"category_id":"c2","weight":5,"meta":{"lang":"fr"}}`, coopsync.StatusSynced)))
		require.NoError(t, s.Put(ctx, Record(coopsync.TemporaryID("t1"), `{"category_id":"c1"}`, coopsync.StatusPending)))

		got, err := s.GetByIndex(ctx, coopsync.EntityQuestions, "category_id", "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "temp_t1"}, ids(got))

		got, err = s.GetByIndex(ctx, coopsync.EntityQuestions, "weight", 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, ids(got))

		got, err = s.GetByIndex(ctx, coopsync.EntityQuestions, "meta.lang", "fr")
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, ids(got))

		got, err = s.GetByIndex(ctx, coopsync.EntityQuestions, coopsync.IndexSyncStatus, coopsync.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, []string{"temp_t1"}, ids(got))

		got, err = s.GetByIndex(ctx, coopsync.EntityQuestions, coopsync.IndexLocalChanges, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, ids(got))

		got, err = s.GetByIndex(ctx, coopsync.EntityQuestions, "missing", "x")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		id := coopsync.ConfirmedID("1")
		require.NoError(t, s.Delete(ctx, coopsync.EntityQuestions, id), "missing id is a no-op")
		require.NoError(t, s.Put(ctx, Record(id, `{}`, coopsync.StatusSynced)))
		require.NoError(t, s.Delete(ctx, coopsync.EntityQuestions, id))

		got, err := s.Get(ctx, coopsync.EntityQuestions, id)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("replace all keeps local state", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, Record(coopsync.ConfirmedID("stale"), `{"v":"old"}`, coopsync.StatusSynced)))
		require.NoError(t, s.Put(ctx, Record(coopsync.ConfirmedID("edited"), `{"v":"mine"}`, coopsync.StatusPending)))
		require.NoError(t, s.Put(ctx, Record(coopsync.TemporaryID("new"), `{"v":"draft"}`, coopsync.StatusPending)))
		require.NoError(t, s.Put(ctx, Record(coopsync.ConfirmedID("kept"), `{"v":"old"}`, coopsync.StatusSynced)))

		err := s.ReplaceAll(ctx, coopsync.EntityQuestions, []*coopsync.Record{
			Record(coopsync.ConfirmedID("edited"), `{"v":"theirs"}`, coopsync.StatusSynced),
			Record(coopsync.ConfirmedID("kept"), `{"v":"fresh"}`, coopsync.StatusSynced),
			Record(coopsync.ConfirmedID("added"), `{"v":"fresh"}`, coopsync.StatusSynced),
		})
		require.NoError(t, err)

		all, err := s.GetAll(ctx, coopsync.EntityQuestions)
		require.NoError(t, err)
		assert.Equal(t, []string{"added", "edited", "kept", "temp_new"}, ids(all))

		edited, err := s.Get(ctx, coopsync.EntityQuestions, coopsync.ConfirmedID("edited"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"mine"}`, string(edited.Payload))
		assert.Equal(t, coopsync.StatusPending, edited.SyncStatus)

		kept, err := s.Get(ctx, coopsync.EntityQuestions, coopsync.ConfirmedID("kept"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"fresh"}`, string(kept.Payload))
	})

	t.Run("closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		_, err := s.GetAll(ctx, coopsync.EntityQuestions)
		assert.ErrorIs(t, err, coopsync.ErrClosed)
		assert.ErrorIs(t, s.Put(ctx, Record(coopsync.ConfirmedID("1"), `{}`, coopsync.StatusSynced)), coopsync.ErrClosed)
		assert.NoError(t, s.Close(), "close is idempotent")
	})
}

// ============================================================================
// SyncQueue
// ============================================================================

// RunQueueTests runs the SyncQueue conformance suite. newQueue must return
// an empty queue.
func RunQueueTests(t *testing.T, newQueue func(t *testing.T) coopsync.SyncQueue) {
	ctx := context.Background()

	t.Run("enqueue and get", func(t *testing.T) {
		q := newQueue(t)
		e := Entry(coopsync.OpCreate, coopsync.TemporaryID("a"), 0, 1)
		e.IdempotencyKey = "a"
		require.NoError(t, q.Enqueue(ctx, e))

		got, err := q.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, "a", got.IdempotencyKey)
		assert.Equal(t, coopsync.OpCreate, got.Operation)
		assert.Equal(t, e.EntityID, got.EntityID)
		assert.True(t, got.EntityID.IsTemporary())
		assert.JSONEq(t, string(e.Data), string(got.Data))
		assert.Equal(t, coopsync.DefaultMaxRetries, got.MaxRetries)
		assert.True(t, e.CreatedAt.Equal(got.CreatedAt))

		_, err = q.Get(ctx, "missing")
		assert.ErrorIs(t, err, coopsync.ErrNotFound)
	})

	t.Run("dequeue orders by priority then age", func(t *testing.T) {
		q := newQueue(t)
		late := Entry(coopsync.OpUpdate, coopsync.ConfirmedID("1"), 0, 3)
		early := Entry(coopsync.OpUpdate, coopsync.ConfirmedID("2"), 0, 1)
		urgent := Entry(coopsync.OpUpdate, coopsync.ConfirmedID("3"), -1, 5)
		lazy := Entry(coopsync.OpUpdate, coopsync.ConfirmedID("4"), 2, 0)
		for _, e := range []*coopsync.QueueEntry{late, early, urgent, lazy} {
			require.NoError(t, q.Enqueue(ctx, e))
		}

		got, err := q.DequeuePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{urgent.ID, early.ID, late.ID, lazy.ID}, entryIDs(got))

		again, err := q.DequeuePending(ctx)
		require.NoError(t, err)
		assert.Len(t, again, 4, "dequeue does not remove")
	})

	t.Run("dequeue keeps entity order across priorities", func(t *testing.T) {
		q := newQueue(t)
		id := coopsync.TemporaryID("x")
		create := Entry(coopsync.OpCreate, id, 5, 1)
		update := Entry(coopsync.OpUpdate, id, 0, 2)
		other := Entry(coopsync.OpCreate, coopsync.TemporaryID("y"), 1, 0)
		for _, e := range []*coopsync.QueueEntry{create, update, other} {
			require.NoError(t, q.Enqueue(ctx, e))
		}

		got, err := q.DequeuePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{create.ID, other.ID, update.ID}, entryIDs(got))
	})

	t.Run("resolve removes", func(t *testing.T) {
		q := newQueue(t)
		e := Entry(coopsync.OpDelete, coopsync.ConfirmedID("1"), 0, 0)
		require.NoError(t, q.Enqueue(ctx, e))
		require.NoError(t, q.MarkResolved(ctx, e.ID))

		_, err := q.Get(ctx, e.ID)
		assert.ErrorIs(t, err, coopsync.ErrNotFound)
		require.NoError(t, q.MarkResolved(ctx, e.ID), "resolving twice is a no-op")
	})

	t.Run("failures exhaust the budget", func(t *testing.T) {
		q := newQueue(t)
		e := Entry(coopsync.OpCreate, coopsync.TemporaryID("a"), 0, 0)
		require.NoError(t, q.Enqueue(ctx, e))

		cause := errors.New("status 500")
		for i := 1; i < coopsync.DefaultMaxRetries; i++ {
			got, err := q.MarkFailed(ctx, e.ID, cause)
			require.NoError(t, err)
			assert.Equal(t, i, got.RetryCount)
			assert.Equal(t, coopsync.EntryPending, got.Status)
		}
		got, err := q.MarkFailed(ctx, e.ID, cause)
		require.NoError(t, err)
		assert.Equal(t, coopsync.DefaultMaxRetries, got.RetryCount)
		assert.Equal(t, coopsync.EntryFailed, got.Status)
		assert.Equal(t, "status 500", got.LastError)

		pending, err := q.DequeuePending(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		failed, err := q.Failed(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{e.ID}, entryIDs(failed))

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, coopsync.QueueStats{Pending: 0, Failed: 1}, st)

		_, err = q.MarkFailed(ctx, "missing", cause)
		assert.ErrorIs(t, err, coopsync.ErrNotFound)
	})

	t.Run("retry rearms", func(t *testing.T) {
		q := newQueue(t)
		e := Entry(coopsync.OpUpdate, coopsync.ConfirmedID("1"), 0, 0)
		e.MaxRetries = 1
		require.NoError(t, q.Enqueue(ctx, e))
		_, err := q.MarkFailed(ctx, e.ID, errors.New("boom"))
		require.NoError(t, err)

		require.NoError(t, q.Retry(ctx, e.ID))
		got, err := q.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.RetryCount)
		assert.Equal(t, coopsync.EntryPending, got.Status)
		assert.Empty(t, got.LastError)

		assert.ErrorIs(t, q.Retry(ctx, "missing"), coopsync.ErrNotFound)
	})

	t.Run("discard", func(t *testing.T) {
		q := newQueue(t)
		e := Entry(coopsync.OpUpdate, coopsync.ConfirmedID("1"), 0, 0)
		require.NoError(t, q.Enqueue(ctx, e))
		require.NoError(t, q.Discard(ctx, e.ID))
		assert.ErrorIs(t, q.Discard(ctx, e.ID), coopsync.ErrNotFound)
	})

	t.Run("entries for an entity", func(t *testing.T) {
		q := newQueue(t)
		id := coopsync.ConfirmedID("1")
		first := Entry(coopsync.OpUpdate, id, 3, 1)
		second := Entry(coopsync.OpDelete, id, 0, 2)
		first.MaxRetries = 1
		require.NoError(t, q.Enqueue(ctx, second))
		require.NoError(t, q.Enqueue(ctx, first))
		require.NoError(t, q.Enqueue(ctx, Entry(coopsync.OpUpdate, coopsync.ConfirmedID("2"), 0, 0)))
		_, err := q.MarkFailed(ctx, first.ID, errors.New("rejected"))
		require.NoError(t, err)

		got, err := q.EntriesFor(ctx, coopsync.EntityQuestions, id)
		require.NoError(t, err)
		assert.Equal(t, []string{first.ID, second.ID}, entryIDs(got))
		assert.Equal(t, coopsync.EntryFailed, got[0].Status)
	})

	t.Run("rewrite entity id", func(t *testing.T) {
		q := newQueue(t)
		tmp := coopsync.TemporaryID("a")
		create := Entry(coopsync.OpCreate, tmp, 0, 0)
		create.IdempotencyKey = tmp.Value()
		update := Entry(coopsync.OpUpdate, tmp, 0, 1)
		require.NoError(t, q.Enqueue(ctx, create))
		require.NoError(t, q.Enqueue(ctx, update))

		require.NoError(t, q.RewriteEntityID(ctx, coopsync.EntityQuestions, tmp, coopsync.ConfirmedID("42")))

		got, err := q.Get(ctx, update.ID)
		require.NoError(t, err)
		assert.Equal(t, coopsync.ConfirmedID("42"), got.EntityID)
		got, err = q.Get(ctx, create.ID)
		require.NoError(t, err)
		assert.Equal(t, create.IdempotencyKey, got.IdempotencyKey, "the key does not follow the id")
		left, err := q.EntriesFor(ctx, coopsync.EntityQuestions, tmp)
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("drop entity", func(t *testing.T) {
		q := newQueue(t)
		tmp := coopsync.TemporaryID("a")
		require.NoError(t, q.Enqueue(ctx, Entry(coopsync.OpCreate, tmp, 0, 0)))
		require.NoError(t, q.Enqueue(ctx, Entry(coopsync.OpUpdate, tmp, 0, 1)))
		keep := Entry(coopsync.OpCreate, coopsync.TemporaryID("b"), 0, 2)
		require.NoError(t, q.Enqueue(ctx, keep))

		n, err := q.DropEntity(ctx, coopsync.EntityQuestions, tmp)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Pending)
	})

	t.Run("closed", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Close())
		_, err := q.DequeuePending(ctx)
		assert.ErrorIs(t, err, coopsync.ErrClosed)
		assert.ErrorIs(t, q.Enqueue(ctx, Entry(coopsync.OpCreate, coopsync.TemporaryID("a"), 0, 0)), coopsync.ErrClosed)
		assert.NoError(t, q.Close(), "close is idempotent")
	})
}
