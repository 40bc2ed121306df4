package coopsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollSignal has no push notifications, so the monitor must poll it.
type pollSignal struct {
	online atomic.Bool
	probes atomic.Int32
}

func (s *pollSignal) Probe(context.Context) bool {
	s.probes.Add(1)
	return s.online.Load()
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) add(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) get() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func TestMonitorPush(t *testing.T) {
	signal := NewManualSignal(false)
	m := NewMonitor(signal, &MonitorOptions{Logger: quietLogger()})
	assert.Equal(t, StateOffline, m.State(), "offline until started")

	var seen stateLog
	m.Subscribe(seen.add)
	m.Start(ctx)
	defer m.Stop()
	assert.Empty(t, seen.get(), "initial state is not a transition")

	signal.Set(true)
	assert.True(t, m.IsOnline())
	signal.Set(true)
	signal.Set(false)
	assert.Equal(t, []State{StateOnline, StateOffline}, seen.get())
}

func TestMonitorInitialStateFromSignal(t *testing.T) {
	m := NewMonitor(NewManualSignal(true), &MonitorOptions{Logger: quietLogger()})
	m.Start(ctx)
	defer m.Stop()
	assert.True(t, m.IsOnline())
}

func TestMonitorPoll(t *testing.T) {
	signal := &pollSignal{}
	m := NewMonitor(signal, &MonitorOptions{PollInterval: 5 * time.Millisecond, Logger: quietLogger()})
	var seen stateLog
	m.Subscribe(seen.add)
	m.Start(ctx)
	defer m.Stop()

	signal.online.Store(true)
	assert.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
	signal.online.Store(false)
	assert.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateOnline, StateOffline}, seen.get())
}

func TestMonitorStopEndsPolling(t *testing.T) {
	signal := &pollSignal{}
	m := NewMonitor(signal, &MonitorOptions{PollInterval: 5 * time.Millisecond, Logger: quietLogger()})
	m.Start(ctx)
	assert.Eventually(t, func() bool { return signal.probes.Load() > 2 }, time.Second, 5*time.Millisecond)

	m.Stop()
	after := signal.probes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, signal.probes.Load(), "no probes after Stop")
}

func TestMonitorUnsubscribe(t *testing.T) {
	signal := NewManualSignal(false)
	m := NewMonitor(signal, &MonitorOptions{Logger: quietLogger()})
	var seen stateLog
	unsubscribe := m.Subscribe(seen.add)
	m.Start(ctx)
	defer m.Stop()

	signal.Set(true)
	unsubscribe()
	signal.Set(false)
	assert.Equal(t, []State{StateOnline}, seen.get())
}

func TestMonitorSubscriberPanic(t *testing.T) {
	signal := NewManualSignal(false)
	m := NewMonitor(signal, &MonitorOptions{Logger: quietLogger()})
	var seen stateLog
	m.Subscribe(func(State) { panic("boom") })
	m.Subscribe(seen.add)
	m.Start(ctx)
	defer m.Stop()

	require.NotPanics(t, func() { signal.Set(true) })
	assert.Equal(t, []State{StateOnline}, seen.get(), "later subscribers still run")
	assert.True(t, m.IsOnline())
}

func TestMonitorCheck(t *testing.T) {
	signal := &pollSignal{}
	m := NewMonitor(signal, &MonitorOptions{PollInterval: time.Hour, Logger: quietLogger()})
	m.Start(ctx)
	defer m.Stop()

	signal.online.Store(true)
	assert.Equal(t, StateOnline, m.Check(ctx))
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

func TestHTTPProbe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"healthy", nil, true},
		{"unauthorized still reachable", &APIError{StatusCode: 401}, true},
		{"server error", &APIError{StatusCode: 503}, false},
		{"network", errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewHTTPProbe(healthFunc(func(context.Context) error { return tt.err }))
			assert.Equal(t, tt.want, p.Probe(ctx))
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"online", " ONLINE\n", "up", "1", "true"} {
		assert.True(t, ParseStatus(s), s)
	}
	for _, s := range []string{"offline", "", "down", "0", "maybe"} {
		assert.False(t, ParseStatus(s), s)
	}
}

func TestFileSignal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network")

	s, err := NewFileSignal(path, quietLogger())
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Probe(ctx), "missing file means offline")

	changes := make(chan bool, 8)
	s.Notify(func(online bool) { changes <- online })

	require.NoError(t, os.WriteFile(path, []byte("online\n"), 0o644))
	select {
	case online := <-changes:
		assert.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for online")
	}
	assert.True(t, s.Probe(ctx))

	tmp := filepath.Join(dir, "network.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("offline"), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	assert.Eventually(t, func() bool { return !s.Probe(ctx) }, 2*time.Second, 10*time.Millisecond)
}

func TestFileSignalDrivesManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network")
	s, err := NewFileSignal(path, quietLogger())
	require.NoError(t, err)

	m := startManager(t, newFakeRemote(), s)
	assert.False(t, m.IsOnline())

	require.NoError(t, os.WriteFile(path, []byte("online"), 0o644))
	assert.Eventually(t, m.IsOnline, 2*time.Second, 10*time.Millisecond)
}
