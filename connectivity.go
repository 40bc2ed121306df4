package coopsync

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Connectivity signals
// ============================================================================

// State is the connectivity state seen by the monitor.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

func stateOf(online bool) State {
	if online {
		return StateOnline
	}
	return StateOffline
}

// Signal reports whether the host currently has connectivity.
type Signal interface {
	Probe(ctx context.Context) bool
}

// Notifier is implemented by signals that push changes. The monitor polls
// signals that do not implement it.
type Notifier interface {
	Notify(fn func(online bool)) (cancel func())
}

// ManualSignal is a push signal driven by the host through Set.
type ManualSignal struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
}

// NewManualSignal creates a signal with initial state online.
func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{online: online, subs: make(map[int]func(bool))}
}

func (s *ManualSignal) Probe(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and notifies subscribers synchronously on change.
func (s *ManualSignal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	subs := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}

func (s *ManualSignal) Notify(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// HealthChecker is satisfied by *HTTPRemote.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HTTPProbe is a poll-only signal backed by the server health endpoint. A
// 4xx answer still proves the server is reachable.
type HTTPProbe struct {
	checker HealthChecker
}

func NewHTTPProbe(checker HealthChecker) *HTTPProbe {
	return &HTTPProbe{checker: checker}
}

func (p *HTTPProbe) Probe(ctx context.Context) bool {
	err := p.checker.Health(ctx)
	return err == nil || IsPermanent(err)
}

// ============================================================================
// Monitor
// ============================================================================

const (
	DefaultPollInterval = 5 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	PollInterval time.Duration
	ProbeTimeout time.Duration
	Logger       Logger
}

// Monitor tracks online/offline transitions of a Signal. Subscribers run
// synchronously on the goroutine that observed the transition.
type Monitor struct {
	signal       Signal
	pollInterval time.Duration
	probeTimeout time.Duration
	log          Logger

	transition sync.Mutex // orders deliveries

	mu         sync.Mutex
	state      State
	subs       map[int]func(State)
	nextSub    int
	started    bool
	cancel     context.CancelFunc
	stopNotify func()
	wg         sync.WaitGroup
}

// NewMonitor creates a monitor. It reports offline until Start probes the signal.
func NewMonitor(signal Signal, opts *MonitorOptions) *Monitor {
	m := &Monitor{
		signal:       signal,
		pollInterval: DefaultPollInterval,
		probeTimeout: defaultProbeTimeout,
		state:        StateOffline,
		subs:         make(map[int]func(State)),
	}
	if opts != nil {
		if opts.PollInterval > 0 {
			m.pollInterval = opts.PollInterval
		}
		if opts.ProbeTimeout > 0 {
			m.probeTimeout = opts.ProbeTimeout
		}
		m.log = opts.Logger
	}
	if m.log == nil {
		m.log = defaultLogger()
	}
	return m
}

// Start takes the initial state from the signal, then follows push
// notifications or, without them, polls every PollInterval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	n, push := m.signal.(Notifier)
	if push {
		stop := n.Notify(m.set)
		m.mu.Lock()
		m.stopNotify = stop
		m.mu.Unlock()
	}

	m.transition.Lock()
	online := m.probe(ctx)
	m.mu.Lock()
	m.state = stateOf(online)
	m.mu.Unlock()
	m.transition.Unlock()

	if push {
		return
	}
	m.wg.Add(1)
	go m.pollLoop(ctx)
}

// Stop cancels the poll task and detaches from the signal.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, stop := m.cancel, m.stopNotify
	m.cancel, m.stopNotify = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}
	m.wg.Wait()
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the current state is online.
func (m *Monitor) IsOnline() bool {
	return m.State() == StateOnline
}

// Subscribe registers fn for transitions and returns its unsubscribe func.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Check probes the signal now and applies the result.
func (m *Monitor) Check(ctx context.Context) State {
	m.set(m.probe(ctx))
	return m.State()
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	return m.signal.Probe(ctx)
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := m.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			m.set(online)
		}
	}
}

func (m *Monitor) set(online bool) {
	m.transition.Lock()
	defer m.transition.Unlock()

	next := stateOf(online)
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	subs := make([]func(State), 0, len(m.subs))
	for i := 0; i < m.nextSub; i++ {
		if fn, ok := m.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", "state", next)
	for _, fn := range subs {
		m.deliver(fn, next)
	}
}

func (m *Monitor) deliver(fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("connectivity subscriber panicked", "state", s, "panic", r)
		}
	}()
	fn(s)
}
