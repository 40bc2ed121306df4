package coopsync

import (
	"sync"
	"sync/atomic"
)

// EventName identifies an event emitted by the Manager.
type EventName string

const (
	EventRecordLocal     EventName = "record.local"     // optimistic write applied
	EventRecordConfirmed EventName = "record.confirmed" // server confirmed a write
	EventEntryQueued     EventName = "queue.queued"
	EventEntryRetry      EventName = "queue.retry"   // replay failed, budget remains
	EventSyncFailed      EventName = "queue.failed"  // budget exhausted, needs user action
	EventDrainStart      EventName = "drain.start"
	EventDrainComplete   EventName = "drain.complete"
	EventOnline          EventName = "network.online"
	EventOffline         EventName = "network.offline"
	EventRemoteChanged   EventName = "remote.changed" // server pushed a change notice
)

// Event is delivered to handlers registered with On.
type Event struct {
	Name       EventName
	EntityType EntityType
	EntityID   EntityID
	Entry      *QueueEntry
	Record     *Record
	Drain      *DrainResult
	Err        error
}

// EventHandler handles events.
type EventHandler func(Event)

type emitter struct {
	mu        sync.RWMutex
	listeners map[EventName][]EventHandler
	log       Logger
	panics    atomic.Int64
}

func newEmitter(log Logger) *emitter {
	return &emitter{listeners: make(map[EventName][]EventHandler), log: log}
}

func (e *emitter) On(name EventName, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], handler)
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[ev.Name]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		e.call(h, ev)
	}
}

func (e *emitter) call(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.log.Error("event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	h(ev)
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[EventName][]EventHandler)
}
