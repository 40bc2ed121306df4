// Package coopsync is the offline-first synchronization core of the
// cooperative assessment client.
//
// Reads go through the API Interceptor, which falls back to the Local Store
// when the server is unreachable. Writes are applied to the Local Store
// first and queued in the Sync Queue on failure; the Sync Engine replays the
// queue when connectivity returns.
//
// Usage:
//
//	backend := coopsync.Backend{Store: coopsync.NewMemoryStore(), Queue: coopsync.NewMemoryQueue()}
//	remote := coopsync.NewHTTPRemote("https://assess.example.org", coopsync.WithToken(token))
//	m := coopsync.NewManager(backend, remote, coopsync.NewHTTPProbe(remote), nil)
//	m.Start(ctx)
//	defer m.Close()
//
//	questions := m.Resource(coopsync.EntityQuestions)
//	rec, res, err := questions.Create(ctx, map[string]any{"text": "Do members vote?"})
package coopsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ============================================================================
// Manager
// ============================================================================

// Manager owns one client's Local Store, Sync Queue, connectivity monitor,
// interceptor and sync engine.
type Manager struct {
	backend Backend
	remote  RemoteAPI
	signal  Signal
	monitor *Monitor
	ic      *Interceptor
	engine  *Engine
	events  *emitter
	log     Logger

	mu        sync.Mutex
	resources map[EntityType]*Resource
	stops     []func()
	started   bool
	closed    bool

	cleanupFailures atomic.Int64
}

// ManagerStats counts failures that were handled without surfacing.
type ManagerStats struct {
	HandlerPanics   int64 `json:"handlerPanics" yaml:"handlerPanics"`
	CleanupFailures int64 `json:"cleanupFailures" yaml:"cleanupFailures"`
}

// StartStopper is implemented by signals with their own background work,
// like *RealtimeSignal.
type StartStopper interface {
	Start(ctx context.Context)
	Close() error
}

// NewManager wires the components together. A nil signal means always online.
func NewManager(backend Backend, remote RemoteAPI, signal Signal, opts *Options) *Manager {
	o := opts.withDefaults()
	if signal == nil {
		signal = NewManualSignal(true)
	}
	events := newEmitter(o.Logger)
	monitor := NewMonitor(signal, &MonitorOptions{PollInterval: o.PollInterval, Logger: o.Logger})
	ic := newInterceptor(backend, o, events)
	return &Manager{
		backend:   backend,
		remote:    remote,
		signal:    signal,
		monitor:   monitor,
		ic:        ic,
		engine:    newEngine(backend, remote, monitor, ic, o, events),
		events:    events,
		log:       o.Logger,
		resources: make(map[EntityType]*Resource),
	}
}

// Start begins monitoring connectivity and draining on reconnect. Entries
// left from a previous session are drained right away when online.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if rt, ok := m.signal.(*RealtimeSignal); ok {
		rt.OnMessage(m.handleEnvelope)
	}
	if s, ok := m.signal.(StartStopper); ok {
		s.Start(ctx)
	}

	unsubscribe := m.monitor.Subscribe(func(s State) {
		if s == StateOnline {
			m.events.emit(Event{Name: EventOnline})
		} else {
			m.events.emit(Event{Name: EventOffline})
		}
	})
	m.mu.Lock()
	m.stops = append(m.stops, unsubscribe)
	m.mu.Unlock()

	m.engine.Start(ctx)
	m.monitor.Start(ctx)
	if m.monitor.IsOnline() {
		m.engine.Trigger()
	}
}

func (m *Manager) handleEnvelope(env RealtimeEnvelope) {
	if env.Type != envelopeEntityChanged {
		return
	}
	p, err := decodeJSON[EntityChangedPayload](env.Payload)
	if err != nil {
		m.log.Warn("bad entity.changed payload", "err", err)
		return
	}
	m.events.emit(Event{Name: EventRemoteChanged, EntityType: p.EntityType, EntityID: ConfirmedID(p.ID)})
}

// Close stops background work and closes the signal, store and queue. Every
// failure is logged, counted and returned joined.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stops := m.stops
	m.stops = nil
	m.mu.Unlock()

	for _, stop := range stops {
		stop()
	}

	var errs []error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		m.cleanupFailures.Add(1)
		m.log.Error("cleanup failed", "component", what, "err", err)
		errs = append(errs, fmt.Errorf("close %s: %w", what, err))
	}

	record("engine", m.engine.Close())
	m.monitor.Stop()
	if c, ok := m.signal.(io.Closer); ok {
		record("signal", c.Close())
	}
	record("queue", m.backend.Queue.Close())
	if m.backend.Store != nil {
		record("store", m.backend.Store.Close())
	}
	m.events.removeAll()
	return errors.Join(errs...)
}

// On registers an event handler.
func (m *Manager) On(name EventName, h EventHandler) { m.events.On(name, h) }

// Resource returns the read and write API of one entity type.
func (m *Manager) Resource(t EntityType) *Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[t]
	if !ok {
		r = &Resource{m: m, t: t}
		m.resources[t] = r
	}
	return r
}

// SyncNow drains the queue, joining a drain already in flight.
func (m *Manager) SyncNow(ctx context.Context) (*DrainResult, error) {
	return m.engine.Drain(ctx)
}

func (m *Manager) IsOnline() bool { return m.monitor.IsOnline() }

func (m *Manager) Monitor() *Monitor { return m.monitor }

func (m *Manager) Interceptor() *Interceptor { return m.ic }

func (m *Manager) Engine() *Engine { return m.engine }

// Stats returns the handled-failure counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		HandlerPanics:   m.events.panics.Load(),
		CleanupFailures: m.cleanupFailures.Load(),
	}
}

// QueueStats reports pending and failed entry counts.
func (m *Manager) QueueStats(ctx context.Context) (QueueStats, error) {
	st, err := m.backend.Queue.Stats(ctx)
	return st, storeErr("queue stats", err)
}

// PendingEntries lists replayable entries in replay order.
func (m *Manager) PendingEntries(ctx context.Context) ([]*QueueEntry, error) {
	entries, err := m.backend.Queue.DequeuePending(ctx)
	return entries, storeErr("dequeue", err)
}

// FailedEntries lists entries that exhausted their retry budget.
func (m *Manager) FailedEntries(ctx context.Context) ([]*QueueEntry, error) {
	entries, err := m.backend.Queue.Failed(ctx)
	return entries, storeErr("failed entries", err)
}

// RetryFailed re-arms a failed entry together with the rest of its entity's
// failed history and drains when online.
func (m *Manager) RetryFailed(ctx context.Context, entryID string) error {
	entry, err := m.backend.Queue.Get(ctx, entryID)
	if err != nil {
		return storeErr("queue get", err)
	}
	all, err := m.backend.Queue.EntriesFor(ctx, entry.EntityType, entry.EntityID)
	if err != nil {
		return storeErr("queue lookup", err)
	}
	if err := m.ic.rearm(ctx, all); err != nil {
		return err
	}
	return m.retried(ctx, entry.EntityType, entry.EntityID)
}

// Resubmit sends a record with unconfirmed local state again. Its failed
// queue entries are re-armed; a record rejected on the direct call has none,
// so a new entry is queued from the record itself. Synced records are left
// alone.
func (m *Manager) Resubmit(ctx context.Context, t EntityType, id EntityID) error {
	rec, err := m.backend.Store.Get(ctx, t, id)
	if err != nil {
		return storeErr("get", err)
	}
	if rec == nil {
		return ErrNotFound
	}
	entries, err := m.backend.Queue.EntriesFor(ctx, t, id)
	if err != nil {
		return storeErr("queue lookup", err)
	}
	switch {
	case len(entries) > 0:
		if err := m.ic.rearm(ctx, entries); err != nil {
			return err
		}
	case !rec.HasLocalState():
		return nil
	default:
		mut := Mutation{Operation: OpUpdate, EntityType: t, EntityID: id, Data: rec.Payload}
		var key string
		switch {
		case rec.Deleted:
			mut.Operation, mut.Data = OpDelete, nil
		case id.IsTemporary():
			mut.Operation, key = OpCreate, resubmitKey(id)
		}
		if _, err := m.ic.enqueue(ctx, mut, key); err != nil {
			return err
		}
	}
	return m.retried(ctx, t, id)
}

// retried marks a failed record pending again and drains when online.
func (m *Manager) retried(ctx context.Context, t EntityType, id EntityID) error {
	rec, err := m.backend.Store.Get(ctx, t, id)
	if err != nil {
		return storeErr("get", err)
	}
	if rec != nil && rec.SyncStatus == StatusFailed {
		rec.SyncStatus = StatusPending
		rec.LastError = ""
		if err := m.backend.Store.Put(ctx, rec); err != nil {
			return storeErr("put", err)
		}
	}
	if m.IsOnline() {
		m.engine.Trigger()
	}
	return nil
}

// Discard drops a queued entry. When it was the entity's last entry the local
// change is abandoned: a never-created entity disappears, any other record
// reverts to the server view at the next refresh.
func (m *Manager) Discard(ctx context.Context, entryID string) error {
	entry, err := m.backend.Queue.Get(ctx, entryID)
	if err != nil {
		return storeErr("queue get", err)
	}
	if err := m.backend.Queue.Discard(ctx, entryID); err != nil {
		return storeErr("queue discard", err)
	}
	rest, err := m.backend.Queue.EntriesFor(ctx, entry.EntityType, entry.EntityID)
	if err != nil {
		return storeErr("queue lookup", err)
	}
	if len(rest) > 0 {
		return nil
	}
	if entry.EntityID.IsTemporary() {
		return storeErr("delete", m.backend.Store.Delete(ctx, entry.EntityType, entry.EntityID))
	}
	rec, err := m.backend.Store.Get(ctx, entry.EntityType, entry.EntityID)
	if err != nil || rec == nil {
		return storeErr("get", err)
	}
	rec.SyncStatus = StatusSynced
	rec.LocalChanges = false
	rec.Deleted = false
	rec.LastError = ""
	return storeErr("put", m.backend.Store.Put(ctx, rec))
}
