package coopsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// API Interceptor
// ============================================================================

// ListCall fetches a collection from the remote API.
type ListCall func(ctx context.Context) ([]json.RawMessage, error)

// RemoteCall performs one remote request and returns the server object.
type RemoteCall func(ctx context.Context) (json.RawMessage, error)

// LocalFallback reads from the Local Store when the remote is unreachable.
type LocalFallback func(ctx context.Context) ([]*Record, error)

// LocalPersist applies an optimistic write to the Local Store.
type LocalPersist func(ctx context.Context) error

// Mutation describes one write issued by the UI.
type Mutation struct {
	Operation  Operation
	EntityType EntityType
	EntityID   EntityID
	Data       json.RawMessage
	Priority   int
}

// MutationResult distinguishes a write confirmed by the server from one
// queued for replay. When Queued is true Data is the request data.
type MutationResult struct {
	Data   json.RawMessage
	Queued bool
	Entry  *QueueEntry
}

// Interceptor wraps remote calls with Local Store fallback for reads and
// optimistic write plus queueing for mutations.
type Interceptor struct {
	store      LocalStore
	queue      SyncQueue
	events     *emitter
	log        Logger
	now        func() time.Time
	maxRetries int
	idField    string
}

// NewInterceptor creates an interceptor over backend.
func NewInterceptor(backend Backend, opts *Options) *Interceptor {
	o := opts.withDefaults()
	return newInterceptor(backend, o, newEmitter(o.Logger))
}

func newInterceptor(backend Backend, o Options, events *emitter) *Interceptor {
	return &Interceptor{
		store:      backend.Store,
		queue:      backend.Queue,
		events:     events,
		log:        o.Logger,
		now:        o.Now,
		maxRetries: o.MaxRetries,
		idField:    o.IDField,
	}
}

// On registers an event handler.
func (i *Interceptor) On(name EventName, h EventHandler) { i.events.On(name, h) }

// InterceptGet attempts remote. On success the result replaces the synced
// snapshot of t and is returned. On any remote failure it returns fallback
// instead, or an empty collection when there is nothing local. Only local
// store failures and caller cancellation are returned as errors.
func (i *Interceptor) InterceptGet(ctx context.Context, t EntityType, remote ListCall, fallback LocalFallback) ([]*Record, error) {
	if fallback == nil {
		fallback = func(ctx context.Context) ([]*Record, error) { return i.store.GetAll(ctx, t) }
	}

	var objs []json.RawMessage
	err := errNoRemote
	if remote != nil {
		objs, err = remote(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != errNoRemote {
			i.log.Debug("remote read failed, serving local snapshot", "type", t, "err", err)
		}
		records, ferr := fallback(ctx)
		if ferr != nil {
			return nil, storeErr("read "+string(t), ferr)
		}
		if records == nil {
			records = []*Record{}
		}
		return records, nil
	}

	now := i.now()
	records := make([]*Record, 0, len(objs))
	for _, obj := range objs {
		r, ok := i.canonical(t, obj, now)
		if !ok {
			i.log.Warn("remote object without id skipped", "type", t, "field", i.idField)
			continue
		}
		records = append(records, r)
	}
	if err := i.store.ReplaceAll(ctx, t, records); err != nil {
		return nil, storeErr("replace "+string(t), err)
	}
	return records, nil
}

// InterceptGetOne is the single-entity form of InterceptGet. It returns nil
// without error when the entity exists neither remotely nor locally.
func (i *Interceptor) InterceptGetOne(ctx context.Context, t EntityType, id EntityID, remote RemoteCall) (*Record, error) {
	local, err := i.store.Get(ctx, t, id)
	if err != nil {
		return nil, storeErr("get "+string(t), err)
	}
	if remote == nil || id.IsTemporary() || (local != nil && local.HasLocalState()) {
		return local, nil
	}
	obj, err := remote(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsNotFound(err) && local == nil {
			return nil, nil
		}
		return local, nil
	}
	r, ok := i.canonical(t, obj, i.now())
	if !ok {
		return local, nil
	}
	if err := i.store.Put(ctx, r); err != nil {
		return nil, storeErr("put "+string(t), err)
	}
	return r, nil
}

var errNoRemote = errors.New("no remote call")

// InterceptMutation runs persist (the optimistic write), then remote. A
// transient remote failure queues the mutation and returns the request data
// with Queued set. The remote call is skipped, and the mutation queued, when
// remote is nil, when the entity still has queued entries (replay order is
// per entity FIFO), or when an update or delete targets a temporary id. An
// update of a temporary entity with no queued create is queued as a create
// of the edited payload. A permanent rejection marks the record failed and
// is returned.
func (i *Interceptor) InterceptMutation(ctx context.Context, m Mutation, remote RemoteCall, persist LocalPersist) (*MutationResult, error) {
	if persist != nil {
		if err := persist(ctx); err != nil {
			return nil, storeErr("persist "+string(m.EntityType), err)
		}
	}

	prior, err := i.queue.EntriesFor(ctx, m.EntityType, m.EntityID)
	if err != nil {
		return nil, storeErr("queue lookup", err)
	}
	if m.Operation == OpUpdate && m.EntityID.IsTemporary() && !queuedCreate(prior) {
		return i.resubmitCreate(ctx, m)
	}
	if len(prior) > 0 {
		if err := i.rearm(ctx, prior); err != nil {
			return nil, err
		}
		return i.enqueue(ctx, m, "")
	}
	if remote == nil || (m.EntityID.IsTemporary() && m.Operation != OpCreate) {
		return i.enqueue(ctx, m, "")
	}

	obj, err := remote(ctx)
	switch {
	case err == nil:
		return &MutationResult{Data: obj}, nil
	case IsPermanent(err):
		if ferr := i.MarkRecordFailed(ctx, m.EntityType, m.EntityID, err); ferr != nil {
			return nil, ferr
		}
		i.events.emit(Event{Name: EventSyncFailed, EntityType: m.EntityType, EntityID: m.EntityID, Err: err})
		return nil, err
	default:
		// Cancellation by the caller still preserves the write for replay.
		i.log.Debug("remote write failed, queued", "type", m.EntityType, "id", m.EntityID, "op", m.Operation, "err", err)
		return i.enqueue(context.WithoutCancel(ctx), m, "")
	}
}

func queuedCreate(entries []*QueueEntry) bool {
	for _, e := range entries {
		if e.Operation == OpCreate {
			return true
		}
	}
	return false
}

// resubmitCreate queues a create for a temporary entity the server never
// accepted. Older queued edits are superseded by the full payload. The key is
// fresh so a server that remembers the rejected attempt does not replay it.
func (i *Interceptor) resubmitCreate(ctx context.Context, m Mutation) (*MutationResult, error) {
	if _, err := i.queue.DropEntity(ctx, m.EntityType, m.EntityID); err != nil {
		return nil, storeErr("queue drop", err)
	}
	m.Operation = OpCreate
	return i.enqueue(ctx, m, resubmitKey(m.EntityID))
}

func resubmitKey(id EntityID) string {
	return id.Value() + "-" + NewEntryID()
}

// rearm puts terminally failed history of an entity back into the pending
// set so a resubmitted edit replays after it.
func (i *Interceptor) rearm(ctx context.Context, entries []*QueueEntry) error {
	for _, e := range entries {
		if e.Status != EntryFailed {
			continue
		}
		if err := i.queue.Retry(ctx, e.ID); err != nil {
			return storeErr("queue retry", err)
		}
	}
	return nil
}

// enqueue queues m. Creates of a temporary entity default to its id as the
// idempotency key, matching a direct create that may have reached the server.
func (i *Interceptor) enqueue(ctx context.Context, m Mutation, key string) (*MutationResult, error) {
	if key == "" && m.Operation == OpCreate && m.EntityID.IsTemporary() {
		key = m.EntityID.Value()
	}
	now := i.now()
	e := &QueueEntry{
		ID:             NewEntryID(),
		Operation:      m.Operation,
		EntityType:     m.EntityType,
		EntityID:       m.EntityID,
		Data:           m.Data,
		IdempotencyKey: key,
		MaxRetries:     i.maxRetries,
		Priority:       m.Priority,
		Status:         EntryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := i.queue.Enqueue(ctx, e); err != nil {
		return nil, storeErr("enqueue", err)
	}
	i.events.emit(Event{Name: EventEntryQueued, EntityType: m.EntityType, EntityID: m.EntityID, Entry: e.Clone()})
	return &MutationResult{Data: m.Data, Queued: true, Entry: e}, nil
}

// ============================================================================
// Optimistic writes
// ============================================================================

// PersistCreate writes a pending record under a temporary id.
func (i *Interceptor) PersistCreate(t EntityType, id EntityID, payload json.RawMessage) LocalPersist {
	return func(ctx context.Context) error {
		r := &Record{
			Type:         t,
			ID:           id,
			Payload:      payload,
			SyncStatus:   StatusPending,
			LocalChanges: true,
			UpdatedAt:    i.now(),
		}
		if err := i.store.Put(ctx, r); err != nil {
			return err
		}
		i.events.emit(Event{Name: EventRecordLocal, EntityType: t, EntityID: id, Record: r.Clone()})
		return nil
	}
}

// PersistUpdate replaces the payload of a record and marks it pending.
func (i *Interceptor) PersistUpdate(t EntityType, id EntityID, payload json.RawMessage) LocalPersist {
	return func(ctx context.Context) error {
		r, err := i.store.Get(ctx, t, id)
		if err != nil {
			return err
		}
		if r == nil {
			r = &Record{Type: t, ID: id}
		}
		r.Payload = payload
		r.SyncStatus = StatusPending
		r.LocalChanges = true
		r.LastError = ""
		r.UpdatedAt = i.now()
		if err := i.store.Put(ctx, r); err != nil {
			return err
		}
		i.events.emit(Event{Name: EventRecordLocal, EntityType: t, EntityID: id, Record: r.Clone()})
		return nil
	}
}

// PersistDelete tombstones a record until the server confirms the delete.
func (i *Interceptor) PersistDelete(t EntityType, id EntityID) LocalPersist {
	return func(ctx context.Context) error {
		r, err := i.store.Get(ctx, t, id)
		if err != nil {
			return err
		}
		if r == nil {
			r = &Record{Type: t, ID: id}
		}
		r.Deleted = true
		r.SyncStatus = StatusPending
		r.LocalChanges = true
		r.UpdatedAt = i.now()
		if err := i.store.Put(ctx, r); err != nil {
			return err
		}
		i.events.emit(Event{Name: EventRecordLocal, EntityType: t, EntityID: id, Record: r.Clone()})
		return nil
	}
}

// ============================================================================
// Reconciliation
// ============================================================================

// ConfirmCreate replaces the temporary record tempID with the canonical
// record built from the server object. It is idempotent: a repeated call
// with the same server object leaves exactly one record. With keepLocal the
// local payload survives because later queued edits still apply to it.
func (i *Interceptor) ConfirmCreate(ctx context.Context, t EntityType, tempID EntityID, obj json.RawMessage, keepLocal bool) (*Record, error) {
	now := i.now()
	r, ok := i.canonical(t, obj, now)
	if !ok {
		return nil, fmt.Errorf("create %s: server object has no %q field", t, i.idField)
	}
	temp, err := i.store.Get(ctx, t, tempID)
	if err != nil {
		return nil, storeErr("get "+string(t), err)
	}
	if keepLocal && temp != nil {
		r.Payload = temp.Payload
		r.SyncStatus = StatusPending
		r.LocalChanges = true
		r.Deleted = temp.Deleted
	}
	if err := i.store.Put(ctx, r); err != nil {
		return nil, storeErr("put "+string(t), err)
	}
	if tempID != r.ID {
		if err := i.store.Delete(ctx, t, tempID); err != nil {
			return nil, storeErr("delete "+string(t), err)
		}
	}
	i.events.emit(Event{Name: EventRecordConfirmed, EntityType: t, EntityID: r.ID, Record: r.Clone()})
	return r, nil
}

// ConfirmUpdate records a server-confirmed update. The server object wins
// unless keepLocal says newer local edits are still queued.
func (i *Interceptor) ConfirmUpdate(ctx context.Context, t EntityType, id EntityID, obj json.RawMessage, keepLocal bool) (*Record, error) {
	now := i.now()
	r, err := i.store.Get(ctx, t, id)
	if err != nil {
		return nil, storeErr("get "+string(t), err)
	}
	if r == nil {
		r = &Record{Type: t, ID: id}
	}
	if keepLocal {
		r.SyncStatus = StatusPending
	} else {
		if len(obj) > 0 {
			r.Payload = obj
		}
		r.SyncStatus = StatusSynced
		r.LocalChanges = false
		r.LastError = ""
		r.LastSynced = &now
	}
	r.UpdatedAt = now
	if err := i.store.Put(ctx, r); err != nil {
		return nil, storeErr("put "+string(t), err)
	}
	i.events.emit(Event{Name: EventRecordConfirmed, EntityType: t, EntityID: id, Record: r.Clone()})
	return r, nil
}

// ConfirmDelete removes a record whose delete the server confirmed.
func (i *Interceptor) ConfirmDelete(ctx context.Context, t EntityType, id EntityID) error {
	if err := i.store.Delete(ctx, t, id); err != nil {
		return storeErr("delete "+string(t), err)
	}
	i.events.emit(Event{Name: EventRecordConfirmed, EntityType: t, EntityID: id})
	return nil
}

// MarkRecordFailed flags a record whose sync was rejected.
func (i *Interceptor) MarkRecordFailed(ctx context.Context, t EntityType, id EntityID, cause error) error {
	r, err := i.store.Get(ctx, t, id)
	if err != nil {
		return storeErr("get "+string(t), err)
	}
	if r == nil {
		return nil
	}
	r.SyncStatus = StatusFailed
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.UpdatedAt = i.now()
	if err := i.store.Put(ctx, r); err != nil {
		return storeErr("put "+string(t), err)
	}
	return nil
}

func (i *Interceptor) canonical(t EntityType, obj json.RawMessage, now time.Time) (*Record, bool) {
	sid, ok := ServerID(obj, i.idField)
	if !ok {
		return nil, false
	}
	synced := now
	return &Record{
		Type:       t,
		ID:         ConfirmedID(sid),
		Payload:    obj,
		SyncStatus: StatusSynced,
		UpdatedAt:  now,
		LastSynced: &synced,
	}, true
}
