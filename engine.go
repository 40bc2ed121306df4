package coopsync

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Sync Engine
// ============================================================================

// ErrOrphaned is recorded on an update queued for a temporary id whose
// create entry no longer exists.
var ErrOrphaned = errors.New("coopsync: entity was never created on the server")

// DrainResult counts what a drain did.
type DrainResult struct {
	Passes    int `json:"passes" yaml:"passes"`
	Resolved  int `json:"resolved" yaml:"resolved"`
	Failed    int `json:"failed" yaml:"failed"`       // failed, budget remains
	Exhausted int `json:"exhausted" yaml:"exhausted"` // failed, now terminal
	Deferred  int `json:"deferred" yaml:"deferred"`   // left for a later pass

	transient bool
}

func (r *DrainResult) add(o *DrainResult) {
	if o == nil {
		return
	}
	r.Passes += o.Passes
	r.Resolved += o.Resolved
	r.Failed += o.Failed
	r.Exhausted += o.Exhausted
	r.Deferred += o.Deferred
	r.transient = r.transient || o.transient
}

// Engine drains the Sync Queue against the remote API. At most one drain
// runs at a time; triggers that arrive during a drain coalesce into a single
// follow-up pass.
type Engine struct {
	queue   SyncQueue
	remote  RemoteAPI
	ic      *Interceptor
	monitor *Monitor
	events  *emitter
	log     Logger

	retryBase time.Duration
	retryMax  time.Duration

	group singleflight.Group
	rerun atomic.Bool

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	retryTimer  *time.Timer
	retryDelay  time.Duration
	closed      bool
	wg          sync.WaitGroup
}

// NewEngine creates an engine. monitor may be nil, in which case the engine
// assumes connectivity and only drains on Drain.
func NewEngine(backend Backend, remote RemoteAPI, monitor *Monitor, opts *Options) *Engine {
	o := opts.withDefaults()
	events := newEmitter(o.Logger)
	return newEngine(backend, remote, monitor, newInterceptor(backend, o, events), o, events)
}

func newEngine(backend Backend, remote RemoteAPI, monitor *Monitor, ic *Interceptor, o Options, events *emitter) *Engine {
	return &Engine{
		queue:     backend.Queue,
		remote:    remote,
		ic:        ic,
		monitor:   monitor,
		events:    events,
		log:       o.Logger,
		retryBase: o.RetryInterval,
		retryMax:  o.RetryMaxInterval,
	}
}

// On registers an event handler.
func (e *Engine) On(name EventName, h EventHandler) { e.events.On(name, h) }

// Start drains on every offline to online transition and schedules retry
// drains after transient failures, until ctx ends or Close.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil || e.closed {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	if e.monitor != nil {
		e.unsubscribe = e.monitor.Subscribe(func(s State) {
			if s == StateOnline {
				e.Trigger()
			}
		})
	}
}

// Trigger requests a background drain.
func (e *Engine) Trigger() {
	e.mu.Lock()
	if e.closed || e.ctx == nil {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
			e.log.Error("drain failed", "err", err)
		}
	}()
}

// Drain replays pending entries. A call during an in-flight drain waits for
// it, and the in-flight drain runs one more pass before returning. A call
// that joins a drain after its last pass check starts the next drain itself.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	if !e.online() {
		return nil, ErrOffline
	}
	e.rerun.Store(true)
	total := &DrainResult{}
	for {
		v, err, _ := e.group.Do("drain", func() (any, error) {
			res := &DrainResult{}
			for e.rerun.Swap(false) {
				pass, err := e.pass(ctx)
				res.add(pass)
				if err != nil {
					return res, err
				}
			}
			e.afterDrain(res)
			return res, nil
		})
		res, _ := v.(*DrainResult)
		total.add(res)
		if err != nil {
			return total, err
		}
		if !e.rerun.Load() || !e.online() {
			return total, nil
		}
	}
}

// Close stops triggers and the retry timer and waits for background drains.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.cancel != nil {
		e.cancel()
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

func (e *Engine) afterDrain(res *DrainResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.ctx == nil || e.retryBase < 0 {
		return
	}
	if !res.transient || res.Failed == 0 {
		e.retryDelay = 0
		return
	}
	e.scheduleRetryLocked()
}

// ScheduleRetry arms the retry timer, for writes that were queued after a
// transient failure while online.
func (e *Engine) ScheduleRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.ctx == nil || e.retryBase < 0 {
		return
	}
	e.scheduleRetryLocked()
}

func (e *Engine) scheduleRetryLocked() {
	if e.retryDelay == 0 {
		e.retryDelay = e.retryBase
	} else {
		e.retryDelay = time.Duration(math.Min(float64(e.retryDelay*2), float64(e.retryMax)))
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.log.Debug("scheduling retry drain", "delay", e.retryDelay)
	e.retryTimer = time.AfterFunc(e.retryDelay, e.Trigger)
}

func (e *Engine) online() bool {
	return e.monitor == nil || e.monitor.IsOnline()
}

func (e *Engine) pass(ctx context.Context) (*DrainResult, error) {
	res := &DrainResult{Passes: 1}
	entries, err := e.queue.DequeuePending(ctx)
	if err != nil {
		return res, storeErr("dequeue", err)
	}
	if len(entries) == 0 {
		return res, nil
	}

	e.events.emit(Event{Name: EventDrainStart})
	e.log.Debug("drain pass", "entries", len(entries))

	blocked := make(map[string]bool)
	confirmed := make(map[string]EntityID)

	for n, entry := range entries {
		if ctx.Err() != nil {
			res.Deferred += len(entries) - n
			return res, ctx.Err()
		}
		k := entityKey(entry.EntityType, entry.EntityID)
		if id, ok := confirmed[k]; ok {
			entry.EntityID = id
		}
		if blocked[k] || !e.online() {
			res.Deferred++
			continue
		}

		newID, err := e.replay(ctx, entry)
		if err == nil {
			res.Resolved++
			if newID != entry.EntityID {
				confirmed[k] = newID
			}
			continue
		}
		if errors.Is(err, errDeferred) {
			blocked[k] = true
			res.Deferred++
			continue
		}
		var se *StoreError
		if errors.As(err, &se) {
			return res, err
		}
		if ctx.Err() != nil {
			res.Deferred += len(entries) - n
			return res, ctx.Err()
		}

		blocked[k] = true
		if IsTransient(err) {
			res.transient = true
		}
		updated, ferr := e.queue.MarkFailed(ctx, entry.ID, err)
		if ferr != nil {
			return res, storeErr("mark failed", ferr)
		}
		if updated.Status == EntryFailed {
			res.Exhausted++
			if ferr := e.ic.MarkRecordFailed(ctx, entry.EntityType, entry.EntityID, err); ferr != nil {
				return res, ferr
			}
			e.log.Warn("sync entry failed permanently",
				"entry", entry.ID, "type", entry.EntityType, "id", entry.EntityID, "op", entry.Operation, "err", err)
			e.events.emit(Event{Name: EventSyncFailed, EntityType: entry.EntityType, EntityID: entry.EntityID, Entry: updated, Err: err})
		} else {
			res.Failed++
			e.log.Debug("sync entry failed, will retry",
				"entry", entry.ID, "retries", updated.RetryCount, "max", updated.MaxRetries, "err", err)
			e.events.emit(Event{Name: EventEntryRetry, EntityType: entry.EntityType, EntityID: entry.EntityID, Entry: updated, Err: err})
		}
	}

	e.events.emit(Event{Name: EventDrainComplete, Drain: res})
	return res, nil
}

var errDeferred = errors.New("deferred behind earlier entry")

// replay sends one entry and reconciles the Local Store. It returns the id
// the entity has afterwards.
func (e *Engine) replay(ctx context.Context, entry *QueueEntry) (EntityID, error) {
	t, id := entry.EntityType, entry.EntityID

	later, wait, err := e.history(ctx, entry)
	if err != nil {
		return id, err
	}
	if wait {
		return id, errDeferred
	}

	switch entry.Operation {
	case OpCreate:
		key := entry.IdempotencyKey
		if key == "" {
			key = id.Value()
		}
		obj, err := e.remote.Create(ctx, t, entry.Data, key)
		if err != nil {
			return id, err
		}
		r, err := e.ic.ConfirmCreate(ctx, t, id, obj, later)
		if err != nil {
			return id, err
		}
		if r.ID != id {
			if err := e.queue.RewriteEntityID(ctx, t, id, r.ID); err != nil {
				return id, storeErr("rewrite entity id", err)
			}
		}
		id = r.ID

	case OpUpdate:
		if id.IsTemporary() {
			return id, ErrOrphaned
		}
		obj, err := e.remote.Update(ctx, t, id.Value(), entry.Data)
		if err != nil {
			return id, err
		}
		if _, err := e.ic.ConfirmUpdate(ctx, t, id, obj, later); err != nil {
			return id, err
		}

	case OpDelete:
		if !id.IsTemporary() {
			if err := e.remote.Delete(ctx, t, id.Value()); err != nil && !IsNotFound(err) {
				return id, err
			}
		}
		if err := e.ic.ConfirmDelete(ctx, t, id); err != nil {
			return id, err
		}
	}

	if err := e.queue.MarkResolved(ctx, entry.ID); err != nil {
		return id, storeErr("mark resolved", err)
	}
	return id, nil
}

// history inspects the other queued entries of entry's entity. wait is set
// when entry must not replay yet: an earlier entry failed terminally and
// awaits user action, or the create of a temporary entity is still queued.
// later is set when newer entries exist, in which case the local payload is
// newer than the server's answer.
func (e *Engine) history(ctx context.Context, entry *QueueEntry) (later, wait bool, err error) {
	all, err := e.queue.EntriesFor(ctx, entry.EntityType, entry.EntityID)
	if err != nil {
		return false, false, storeErr("queue lookup", err)
	}
	dependent := entry.EntityID.IsTemporary() && entry.Operation != OpCreate
	for _, other := range all {
		if other.ID == entry.ID {
			continue
		}
		before := submittedBefore(other, entry)
		switch {
		case before && other.Status == EntryFailed:
			wait = true
		case dependent && other.Operation == OpCreate:
			wait = true
		case !before:
			later = true
		}
	}
	return later, wait, nil
}
