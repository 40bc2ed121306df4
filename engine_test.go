package coopsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineCreateThenReconnect(t *testing.T) {
	remote := newFakeRemote()
	signal := NewManualSignal(false)
	m := startManager(t, remote, signal)
	questions := m.Resource(EntityQuestions)

	rec, res, err := questions.Create(ctx, map[string]any{"text": "Do members vote?"})
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.JSONEq(t, `{"text":"Do members vote?"}`, string(res.Data))
	assert.True(t, rec.ID.IsTemporary())
	assert.Equal(t, StatusPending, rec.SyncStatus)
	assert.True(t, rec.LocalChanges)
	assert.Empty(t, remote.callLog(), "offline writes never reach the remote")

	listed, err := questions.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1, "the optimistic record is visible while offline")
	assert.Equal(t, rec.ID, listed[0].ID)

	signal.Set(true)
	drain, err := m.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, drain.Failed)

	assert.Nil(t, mustGet(t, m.backend.Store, EntityQuestions, rec.ID), "temporary record is gone")
	confirmed := mustGet(t, m.backend.Store, EntityQuestions, ConfirmedID("1"))
	require.NotNil(t, confirmed)
	assert.Equal(t, StatusSynced, confirmed.SyncStatus)
	assert.False(t, confirmed.LocalChanges)
	assert.NotNil(t, confirmed.LastSynced)

	st, err := m.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{}, st)
	assert.Equal(t, 1, remote.count(EntityQuestions))
}

func TestTransientFailuresExhaustBudget(t *testing.T) {
	remote := newFakeRemote()
	remote.failAll = &APIError{StatusCode: 500, Message: "boom"}
	m := startManager(t, remote, nil)
	failed := eventRecorder(m, EventSyncFailed)
	retried := eventRecorder(m, EventEntryRetry)

	rec, res, err := m.Resource(EntityQuestions).Create(ctx, map[string]any{"text": "q"})
	require.NoError(t, err, "transient failures are absorbed")
	require.True(t, res.Queued)

	drainUntilFailed(t, m, 1)

	assert.Len(t, retried(), DefaultMaxRetries-1)
	require.Len(t, failed(), 1, "exhaustion is surfaced once")
	assert.Equal(t, rec.ID, failed()[0].EntityID)

	entries, err := m.FailedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DefaultMaxRetries, entries[0].RetryCount)
	assert.Equal(t, EntryFailed, entries[0].Status)

	r := mustGet(t, m.backend.Store, EntityQuestions, rec.ID)
	require.NotNil(t, r, "a failed record is kept")
	assert.Equal(t, StatusFailed, r.SyncStatus)
	assert.Contains(t, r.LastError, "500")

	calls := len(remote.callLog())
	drain, err := m.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, drain.Resolved+drain.Failed+drain.Exhausted)
	assert.Len(t, remote.callLog(), calls, "terminal entries are not retried")
}

// drainUntilFailed drains until n entries are terminal failed.
func drainUntilFailed(t *testing.T, m *Manager, n int) {
	t.Helper()
	for i := 0; i < 10; i++ {
		_, err := m.SyncNow(ctx)
		require.NoError(t, err)
		failed, err := m.FailedEntries(ctx)
		require.NoError(t, err)
		if len(failed) >= n {
			return
		}
	}
	t.Fatalf("fewer than %d entries failed", n)
}

func TestPermanentRejectionOnReplay(t *testing.T) {
	remote := newFakeRemote()
	signal := NewManualSignal(false)
	m := startManager(t, remote, signal)
	failed := eventRecorder(m, EventSyncFailed)

	rec, _, err := m.Resource(EntityQuestions).Create(ctx, map[string]any{"text": ""})
	require.NoError(t, err)

	remote.failAll = &APIError{StatusCode: 422, Code: "invalid", Message: "text is required"}
	signal.Set(true)
	drainUntilFailed(t, m, 1)
	require.Len(t, failed(), 1)
	assert.True(t, IsPermanent(failed()[0].Err))
	assert.Equal(t, StatusFailed, mustGet(t, m.backend.Store, EntityQuestions, rec.ID).SyncStatus)
}

func TestReplayOrderAndIDReconciliation(t *testing.T) {
	remote := newFakeRemote()
	signal := NewManualSignal(false)
	m := startManager(t, remote, signal)
	questions := m.Resource(EntityQuestions)

	a, _, err := questions.Create(ctx, map[string]any{"text": "a"})
	require.NoError(t, err)
	_, res, err := questions.Update(ctx, a.ID, map[string]any{"text": "a2"})
	require.NoError(t, err)
	require.True(t, res.Queued)
	b, _, err := questions.Create(ctx, map[string]any{"text": "b"})
	require.NoError(t, err)

	signal.Set(true)
	_, err = m.SyncNow(ctx)
	require.NoError(t, err)

	var writes []string
	for _, c := range remote.callLog() {
		if c != "list "+string(EntityQuestions) {
			writes = append(writes, c)
		}
	}
	assert.Equal(t, []string{"create questions", "update questions 1", "create questions"}, writes)

	final := mustGet(t, m.backend.Store, EntityQuestions, ConfirmedID("1"))
	require.NotNil(t, final)
	assert.Equal(t, StatusSynced, final.SyncStatus)
	assert.JSONEq(t, `{"id":"1","text":"a2","revision":"server"}`, string(final.Payload), "server wins on replay")
	assert.Nil(t, mustGet(t, m.backend.Store, EntityQuestions, a.ID))
	assert.Nil(t, mustGet(t, m.backend.Store, EntityQuestions, b.ID))
	assert.NotNil(t, mustGet(t, m.backend.Store, EntityQuestions, ConfirmedID("2")))
}

func TestCreateReplayIsIdempotent(t *testing.T) {
	remote := newFakeRemote()
	remote.lostResponse = true
	m := startManager(t, remote, nil)

	rec, res, err := m.Resource(EntityQuestions).Create(ctx, map[string]any{"text": "q"})
	require.NoError(t, err)
	require.True(t, res.Queued, "a lost response looks like a network failure")
	assert.True(t, rec.ID.IsTemporary())

	_, err = m.SyncNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, remote.count(EntityQuestions), "replay did not create a duplicate")
	all, err := m.backend.Store.GetAll(ctx, EntityQuestions)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ConfirmedID("1"), all[0].ID)
}

// resolveOnceFails loses the first MarkResolved, as a crash between the
// reconcile and the queue commit would.
type resolveOnceFails struct {
	*MemoryQueue
	failed bool
}

func (q *resolveOnceFails) MarkResolved(ctx context.Context, id string) error {
	if !q.failed {
		q.failed = true
		return errors.New("disk full")
	}
	return q.MemoryQueue.MarkResolved(ctx, id)
}

func TestCreateReplayAfterLostResolve(t *testing.T) {
	remote := newFakeRemote()
	b := Backend{Store: NewMemoryStore(), Queue: &resolveOnceFails{MemoryQueue: NewMemoryQueue()}}
	e := NewEngine(b, remote, nil, testOptions())

	tmp := NewTemporaryID()
	_, err := e.ic.InterceptMutation(ctx,
		Mutation{Operation: OpCreate, EntityType: EntityQuestions, EntityID: tmp, Data: []byte(`{"text":"q"}`)},
		nil, e.ic.PersistCreate(EntityQuestions, tmp, []byte(`{"text":"q"}`)))
	require.NoError(t, err)

	_, err = e.Drain(ctx)
	var se *StoreError
	require.ErrorAs(t, err, &se)

	left, err := b.Queue.DequeuePending(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, ConfirmedID("1"), left[0].EntityID)
	assert.Equal(t, tmp.Value(), left[0].IdempotencyKey)

	_, err = e.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, remote.count(EntityQuestions), "replay did not create a duplicate")
	all, err := b.Store.GetAll(ctx, EntityQuestions)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ConfirmedID("1"), all[0].ID)
	assert.Equal(t, StatusSynced, all[0].SyncStatus)
	st, err := b.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
}

func TestEditAfterRejectedCreateResubmits(t *testing.T) {
	remote := newFakeRemote()
	remote.errs = []error{&APIError{StatusCode: 422, Message: "text is required"}}
	m := startManager(t, remote, nil)
	questions := m.Resource(EntityQuestions)

	_, _, err := questions.Create(ctx, map[string]any{"text": ""})
	require.True(t, IsPermanent(err))
	all, err := m.backend.Store.GetAll(ctx, EntityQuestions)
	require.NoError(t, err)
	require.Len(t, all, 1)
	tmp := all[0].ID
	assert.Equal(t, StatusFailed, all[0].SyncStatus)

	_, res, err := questions.Update(ctx, tmp, map[string]any{"text": "fixed"})
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.Equal(t, OpCreate, res.Entry.Operation)
	assert.NotEqual(t, tmp.Value(), res.Entry.IdempotencyKey, "a rejected attempt is not replayed")

	_, err = m.SyncNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, remote.count(EntityQuestions))
	rec := mustGet(t, m.backend.Store, EntityQuestions, ConfirmedID("1"))
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"id":"1","text":"fixed"}`, string(rec.Payload))
	assert.Equal(t, StatusSynced, rec.SyncStatus)
	assert.Nil(t, mustGet(t, m.backend.Store, EntityQuestions, tmp))
}

func TestDrainJoinedAfterLastPassRunsAgain(t *testing.T) {
	remote := newFakeRemote()
	b := memoryBackend()
	e := NewEngine(b, remote, nil, testOptions())
	create := func(text string) {
		tmp := NewTemporaryID()
		data := []byte(`{"text":"` + text + `"}`)
		_, err := e.ic.InterceptMutation(ctx,
			Mutation{Operation: OpCreate, EntityType: EntityQuestions, EntityID: tmp, Data: data},
			nil, e.ic.PersistCreate(EntityQuestions, tmp, data))
		require.NoError(t, err)
	}
	pending := func() int {
		st, err := b.Queue.Stats(ctx)
		if err != nil {
			return -1
		}
		return st.Pending
	}

	create("first")
	// Holding mu parks the leader in afterDrain, past its last pass check.
	e.mu.Lock()
	leader := make(chan error, 1)
	go func() {
		_, err := e.Drain(ctx)
		leader <- err
	}()
	require.Eventually(t, func() bool { return pending() == 0 }, testWait, testTick)

	create("second")
	follower := make(chan error, 1)
	go func() {
		_, err := e.Drain(ctx)
		follower <- err
	}()
	time.Sleep(50 * time.Millisecond)
	e.mu.Unlock()

	require.NoError(t, <-leader)
	require.NoError(t, <-follower)
	assert.Zero(t, pending())
	assert.Equal(t, 2, remote.count(EntityQuestions))
}

func TestConfirmCreateTwiceLeavesOneRecord(t *testing.T) {
	b := memoryBackend()
	ic := NewInterceptor(b, testOptions())
	tmp := NewTemporaryID()
	require.NoError(t, ic.PersistCreate(EntityQuestions, tmp, []byte(`{"text":"q"}`))(ctx))

	obj := []byte(`{"id":"9","text":"q"}`)
	_, err := ic.ConfirmCreate(ctx, EntityQuestions, tmp, obj, false)
	require.NoError(t, err)
	_, err = ic.ConfirmCreate(ctx, EntityQuestions, tmp, obj, false)
	require.NoError(t, err)

	all, err := b.Store.GetAll(ctx, EntityQuestions)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ConfirmedID("9"), all[0].ID)
}

func TestDrainsCoalesce(t *testing.T) {
	remote := newFakeRemote()
	signal := NewManualSignal(false)
	m := startManager(t, remote, signal)

	_, _, err := m.Resource(EntityQuestions).Create(ctx, map[string]any{"text": "q"})
	require.NoError(t, err)

	remote.mu.Lock()
	remote.gate = make(chan struct{})
	remote.entered = make(chan struct{}, 1)
	gate, entered := remote.gate, remote.entered
	remote.mu.Unlock()

	signal.Set(true) // triggers a background drain

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never reached the remote")
	}

	var wg sync.WaitGroup
	results := make([]*DrainResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = m.SyncNow(ctx)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	remote.mu.Lock()
	maxIn := remote.maxIn
	remote.mu.Unlock()
	assert.Equal(t, 1, maxIn, "replays never overlap")
	assert.Equal(t, 1, remote.count(EntityQuestions), "the entry was replayed once")
	for _, r := range results {
		require.NotNil(t, r)
	}

	st, err := m.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
}

func TestDrainOfflineBurnsNoRetries(t *testing.T) {
	remote := newFakeRemote()
	m := startManager(t, remote, NewManualSignal(false))

	_, res, err := m.Resource(EntityQuestions).Create(ctx, map[string]any{"text": "q"})
	require.NoError(t, err)

	_, err = m.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrOffline)

	e, err := m.backend.Queue.Get(ctx, res.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, e.RetryCount)
}

func TestCancelledDrainKeepsEntries(t *testing.T) {
	remote := newFakeRemote()
	signal := NewManualSignal(false)
	m := startManager(t, remote, signal)
	_, res, err := m.Resource(EntityQuestions).Create(ctx, map[string]any{"text": "q"})
	require.NoError(t, err)

	require.NoError(t, m.Engine().Close()) // no background drain on reconnect
	signal.Set(true)

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	drain, err := m.engine.Drain(cctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, drain)
	assert.Equal(t, 1, drain.Deferred)

	e, err := m.backend.Queue.Get(ctx, res.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, e.RetryCount)
}

func TestEntriesBehindTerminalFailureAreDeferred(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(EntityQuestions, "5", map[string]any{"text": "server"})
	b := memoryBackend()
	e := NewEngine(b, remote, nil, testOptions())

	now := time.Now().UTC()
	first := &QueueEntry{
		ID: NewEntryID(), Operation: OpUpdate, EntityType: EntityQuestions, EntityID: ConfirmedID("5"),
		Data: []byte(`{"text":"one"}`), RetryCount: 3, MaxRetries: 3, Status: EntryFailed,
		CreatedAt: now, UpdatedAt: now,
	}
	second := &QueueEntry{
		ID: NewEntryID(), Operation: OpUpdate, EntityType: EntityQuestions, EntityID: ConfirmedID("5"),
		Data: []byte(`{"text":"two"}`), MaxRetries: 3, Status: EntryPending,
		CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second),
	}
	require.NoError(t, b.Queue.Enqueue(ctx, first))
	require.NoError(t, b.Queue.Enqueue(ctx, second))

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Empty(t, remote.callLog(), "nothing is sent ahead of the failed edit")
}

func TestFailureBlocksLaterEntriesInSamePass(t *testing.T) {
	remote := newFakeRemote()
	remote.seed(EntityQuestions, "5", map[string]any{"text": "server"})
	remote.errs = []error{&APIError{StatusCode: 503}}
	b := memoryBackend()
	e := NewEngine(b, remote, nil, testOptions())
	ic := e.ic

	for _, text := range []string{"one", "two"} {
		_, err := ic.InterceptMutation(ctx,
			Mutation{Operation: OpUpdate, EntityType: EntityQuestions, EntityID: ConfirmedID("5"), Data: []byte(`{"text":"` + text + `"}`)},
			nil, ic.PersistUpdate(EntityQuestions, ConfirmedID("5"), []byte(`{"text":"`+text+`"}`)))
		require.NoError(t, err)
	}

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, []string{"update questions 5"}, remote.callLog())

	res, err = e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Resolved)

	r := mustGet(t, b.Store, EntityQuestions, ConfirmedID("5"))
	assert.JSONEq(t, `{"id":"5","text":"two","revision":"server"}`, string(r.Payload))
	assert.Equal(t, StatusSynced, r.SyncStatus)
}

func TestOrphanedUpdateFails(t *testing.T) {
	remote := newFakeRemote()
	b := memoryBackend()
	e := NewEngine(b, remote, nil, &Options{RetryInterval: -1, MaxRetries: 1, Logger: quietLogger()})

	tmp := NewTemporaryID()
	now := time.Now()
	require.NoError(t, b.Queue.Enqueue(ctx, &QueueEntry{
		ID: NewEntryID(), Operation: OpUpdate, EntityType: EntityQuestions, EntityID: tmp,
		Data: []byte(`{}`), MaxRetries: 1, Status: EntryPending, CreatedAt: now, UpdatedAt: now,
	}))

	res, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exhausted)

	failed, err := b.Queue.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ErrOrphaned.Error(), failed[0].LastError)
	assert.Empty(t, remote.callLog())
}

func TestDeleteReplayTreatsNotFoundAsDone(t *testing.T) {
	remote := newFakeRemote()
	signal := NewManualSignal(true)
	m := startManager(t, remote, signal)
	require.NoError(t, m.backend.Store.Put(ctx, &Record{Type: EntityQuestions, ID: ConfirmedID("7"), Payload: []byte(`{"id":"7"}`), SyncStatus: StatusSynced}))

	signal.Set(false)
	res, err := m.Resource(EntityQuestions).Delete(ctx, ConfirmedID("7"))
	require.NoError(t, err)
	require.True(t, res.Queued)

	signal.Set(true)
	drain, err := m.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, drain.Failed)
	assert.Nil(t, mustGet(t, m.backend.Store, EntityQuestions, ConfirmedID("7")))
}

func TestStoreFailureAbortsDrain(t *testing.T) {
	remote := newFakeRemote()
	b := memoryBackend()
	e := NewEngine(b, remote, nil, testOptions())
	_, err := e.ic.InterceptMutation(ctx,
		Mutation{Operation: OpCreate, EntityType: EntityQuestions, EntityID: NewTemporaryID(), Data: []byte(`{}`)},
		nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.Store.Close())
	_, err = e.Drain(ctx)
	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRetryTimerRedrains(t *testing.T) {
	remote := newFakeRemote()
	remote.errs = []error{&APIError{StatusCode: 503}, &APIError{StatusCode: 503}}
	m := NewManager(memoryBackend(), remote, nil, &Options{
		RetryInterval:    10 * time.Millisecond,
		RetryMaxInterval: 20 * time.Millisecond,
		Logger:           quietLogger(),
	})
	m.Start(ctx)
	t.Cleanup(func() { _ = m.Close() })

	_, res, err := m.Resource(EntityQuestions).Create(ctx, map[string]any{"text": "q"})
	require.NoError(t, err)
	require.True(t, res.Queued)

	assert.Eventually(t, func() bool {
		st, err := m.QueueStats(ctx)
		return err == nil && st.Pending == 0 && st.Failed == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, remote.count(EntityQuestions))
}
