package coopsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Resource
// ============================================================================

// Resource is the read and write API of one entity type. All writes go
// through the interceptor so the optimistic-write-then-reconcile order holds.
type Resource struct {
	m *Manager
	t EntityType
}

// Type returns the entity type.
func (r *Resource) Type() EntityType { return r.t }

// List returns the merged view: the server snapshot when reachable, the
// local snapshot otherwise, with unconfirmed local records overlaid and
// pending deletes hidden.
func (r *Resource) List(ctx context.Context) ([]*Record, error) {
	var remote ListCall
	if r.m.IsOnline() {
		remote = func(ctx context.Context) ([]json.RawMessage, error) { return r.m.remote.List(ctx, r.t) }
	}
	if _, err := r.m.ic.InterceptGet(ctx, r.t, remote, r.visible); err != nil {
		return nil, err
	}
	// ReplaceAll keeps local state, so the store now holds the merged view.
	return r.visible(ctx)
}

// Get returns one entity, or nil when it is unknown.
func (r *Resource) Get(ctx context.Context, id EntityID) (*Record, error) {
	var remote RemoteCall
	if r.m.IsOnline() {
		remote = func(ctx context.Context) (json.RawMessage, error) { return r.m.remote.Get(ctx, r.t, id.Value()) }
	}
	rec, err := r.m.ic.InterceptGetOne(ctx, r.t, id, remote)
	if err != nil || rec == nil || rec.Deleted {
		return nil, err
	}
	return rec, nil
}

// Where returns visible local records whose field equals value.
func (r *Resource) Where(ctx context.Context, field string, value any) ([]*Record, error) {
	records, err := r.m.backend.Store.GetByIndex(ctx, r.t, field, value)
	if err != nil {
		return nil, storeErr("index "+string(r.t), err)
	}
	return hideDeleted(records), nil
}

func (r *Resource) visible(ctx context.Context) ([]*Record, error) {
	records, err := r.m.backend.Store.GetAll(ctx, r.t)
	if err != nil {
		return nil, err
	}
	return hideDeleted(records), nil
}

func hideDeleted(records []*Record) []*Record {
	out := records[:0]
	for _, rec := range records {
		if !rec.Deleted {
			out = append(out, rec)
		}
	}
	return out
}

// Create writes payload under a temporary id and sends it. The returned
// record is canonical and synced when the server answered, or temporary and
// pending when the write was queued.
func (r *Resource) Create(ctx context.Context, payload any) (*Record, *MutationResult, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, nil, err
	}
	id := NewTemporaryID()
	m := Mutation{Operation: OpCreate, EntityType: r.t, EntityID: id, Data: data}

	var remote RemoteCall
	if r.m.IsOnline() {
		remote = func(ctx context.Context) (json.RawMessage, error) {
			return r.m.remote.Create(ctx, r.t, data, id.Value())
		}
	}
	res, err := r.m.ic.InterceptMutation(ctx, m, remote, r.m.ic.PersistCreate(r.t, id, data))
	if err != nil {
		return nil, nil, err
	}
	if res.Queued {
		return r.afterQueued(ctx, id, res)
	}
	rec, err := r.m.ic.ConfirmCreate(ctx, r.t, id, res.Data, false)
	return rec, res, err
}

// Update replaces the payload of id.
func (r *Resource) Update(ctx context.Context, id EntityID, payload any) (*Record, *MutationResult, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return nil, nil, err
	}
	m := Mutation{Operation: OpUpdate, EntityType: r.t, EntityID: id, Data: data}

	var remote RemoteCall
	if r.m.IsOnline() {
		remote = func(ctx context.Context) (json.RawMessage, error) {
			return r.m.remote.Update(ctx, r.t, id.Value(), data)
		}
	}
	res, err := r.m.ic.InterceptMutation(ctx, m, remote, r.m.ic.PersistUpdate(r.t, id, data))
	if err != nil {
		return nil, nil, err
	}
	if res.Queued {
		return r.afterQueued(ctx, id, res)
	}
	rec, err := r.m.ic.ConfirmUpdate(ctx, r.t, id, res.Data, false)
	return rec, res, err
}

// Delete removes id. Deleting an entity the server never saw cancels its
// queued mutations instead of sending anything.
func (r *Resource) Delete(ctx context.Context, id EntityID) (*MutationResult, error) {
	if id.IsTemporary() {
		if _, err := r.m.backend.Queue.DropEntity(ctx, r.t, id); err != nil {
			return nil, storeErr("queue drop", err)
		}
		if err := r.m.ic.ConfirmDelete(ctx, r.t, id); err != nil {
			return nil, err
		}
		return &MutationResult{}, nil
	}

	m := Mutation{Operation: OpDelete, EntityType: r.t, EntityID: id}
	var remote RemoteCall
	if r.m.IsOnline() {
		remote = func(ctx context.Context) (json.RawMessage, error) {
			if err := r.m.remote.Delete(ctx, r.t, id.Value()); err != nil && !IsNotFound(err) {
				return nil, err
			}
			return nil, nil
		}
	}
	res, err := r.m.ic.InterceptMutation(ctx, m, remote, r.m.ic.PersistDelete(r.t, id))
	if err != nil {
		return nil, err
	}
	if res.Queued {
		if r.m.IsOnline() {
			r.m.engine.ScheduleRetry()
		}
		return res, nil
	}
	return res, r.m.ic.ConfirmDelete(ctx, r.t, id)
}

func (r *Resource) afterQueued(ctx context.Context, id EntityID, res *MutationResult) (*Record, *MutationResult, error) {
	if r.m.IsOnline() {
		r.m.engine.ScheduleRetry()
	}
	rec, err := r.m.backend.Store.Get(ctx, r.t, id)
	if err != nil {
		return nil, nil, storeErr("get "+string(r.t), err)
	}
	return rec, res, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &result, nil
}

// ============================================================================
// UI hooks
// ============================================================================

// Query is the read hook shape: Data, IsLoading, Err and Refetch. It is safe
// for concurrent use.
type Query struct {
	res *Resource

	mu      sync.Mutex
	data    []*Record
	loading bool
	err     error
}

// Query returns an unloaded query; call Refetch to load it.
func (r *Resource) Query() *Query {
	return &Query{res: r}
}

// Refetch loads the merged view. Errors are local store failures only.
func (q *Query) Refetch(ctx context.Context) error {
	q.mu.Lock()
	q.loading = true
	q.mu.Unlock()

	data, err := q.res.List(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.loading = false
	q.err = err
	if err == nil {
		q.data = data
	}
	return err
}

func (q *Query) Data() []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.data
}

func (q *Query) IsLoading() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loading
}

func (q *Query) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// MutateArgs are the arguments of one Mutate call. ID is ignored for creates.
type MutateArgs struct {
	ID      EntityID
	Payload any
}

// MutateCallbacks are invoked after Mutate finishes.
type MutateCallbacks struct {
	OnSuccess func(rec *Record, res *MutationResult)
	OnError   func(err error)
}

// MutationHook is the write hook shape: Mutate and IsPending.
type MutationHook struct {
	res     *Resource
	op      Operation
	pending atomic.Int32
}

// Mutation returns a write hook for op.
func (r *Resource) Mutation(op Operation) *MutationHook {
	return &MutationHook{res: r, op: op}
}

// IsPending reports whether a Mutate call is in flight.
func (h *MutationHook) IsPending() bool { return h.pending.Load() > 0 }

// Mutate runs the write. A queued write counts as success.
func (h *MutationHook) Mutate(ctx context.Context, args MutateArgs, cb *MutateCallbacks) (*Record, error) {
	h.pending.Add(1)
	defer h.pending.Add(-1)

	var (
		rec *Record
		res *MutationResult
		err error
	)
	switch h.op {
	case OpCreate:
		rec, res, err = h.res.Create(ctx, args.Payload)
	case OpUpdate:
		rec, res, err = h.res.Update(ctx, args.ID, args.Payload)
	case OpDelete:
		res, err = h.res.Delete(ctx, args.ID)
	default:
		err = fmt.Errorf("unknown operation %q", h.op)
	}

	if cb != nil {
		if err != nil && cb.OnError != nil {
			cb.OnError(err)
		}
		if err == nil && cb.OnSuccess != nil {
			cb.OnSuccess(rec, res)
		}
	}
	return rec, err
}
