package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/coopsync"
	"github.com/Prismer-AI/coopsync/storetest"
)

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tempPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "coopsync.db")
}

func TestStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) coopsync.LocalStore {
		return openTestDB(t, tempPath(t)).Store()
	})
}

func TestQueue(t *testing.T) {
	storetest.RunQueueTests(t, func(t *testing.T) coopsync.SyncQueue {
		return openTestDB(t, tempPath(t)).Queue()
	})
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := tempPath(t)

	db, err := Open(path, nil)
	require.NoError(t, err)
	b := db.Backend()
	rec := storetest.Record(coopsync.TemporaryID("a"), `{"text":"offline"}`, coopsync.StatusPending)
	entry := storetest.Entry(coopsync.OpCreate, rec.ID, 0, 0)
	require.NoError(t, b.Store.Put(ctx, rec))
	require.NoError(t, b.Queue.Enqueue(ctx, entry))
	require.NoError(t, b.Queue.Close())
	require.NoError(t, b.Store.Close())

	reopened := openTestDB(t, path)
	got, err := reopened.Store().Get(ctx, coopsync.EntityQuestions, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"text":"offline"}`, string(got.Payload))

	pending, err := reopened.Queue().DequeuePending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.ID, pending[0].ID)
}

func TestViewsShareConnection(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, tempPath(t))
	b := db.Backend()

	require.NoError(t, b.Queue.Close())
	_, err := b.Store.GetAll(ctx, coopsync.EntityQuestions)
	assert.NoError(t, err, "store stays usable while another view is open")

	require.NoError(t, b.Store.Close())
	assert.Error(t, db.conn.PingContext(ctx), "last view closes the connection")
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := tempPath(t)
	first := openTestDB(t, path)
	require.NoError(t, first.Close())
	openTestDB(t, path)
}
