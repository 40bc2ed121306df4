package coopsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// wsServer accepts websocket sessions on /ws, sends msgs and then holds the
// connection until the client leaves.
func wsServer(t *testing.T, msgs ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sessions atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sessions.Add(1)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for _, m := range msgs {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &sessions
}

func TestRealtimeSignal(t *testing.T) {
	t.Run("connects and pushes online", func(t *testing.T) {
		srv, _ := wsServer(t)
		s := NewRealtimeSignal(srv.URL, &RealtimeConfig{Token: "tok", Logger: quietLogger()})
		changes := make(chan bool, 4)
		s.Notify(func(online bool) { changes <- online })

		assert.False(t, s.Probe(ctx))
		s.Start(ctx)
		select {
		case online := <-changes:
			assert.True(t, online)
		case <-time.After(2 * time.Second):
			t.Fatal("never connected")
		}
		assert.Equal(t, RealtimeConnected, s.State())
		assert.True(t, s.Probe(ctx))

		require.NoError(t, s.Close())
		assert.Equal(t, RealtimeDisconnected, s.State())
	})

	t.Run("delivers envelopes", func(t *testing.T) {
		srv, _ := wsServer(t,
			`not json`,
			`{"type":"entity.changed","payload":{"entityType":"questions","id":"42"}}`,
		)
		s := NewRealtimeSignal(srv.URL, &RealtimeConfig{Token: "tok", Logger: quietLogger()})
		got := make(chan RealtimeEnvelope, 4)
		s.OnMessage(func(env RealtimeEnvelope) { panic("handler bug") })
		s.OnMessage(func(env RealtimeEnvelope) { got <- env })
		s.Start(ctx)
		defer s.Close()

		select {
		case env := <-got:
			assert.Equal(t, "entity.changed", env.Type)
			assert.JSONEq(t, `{"entityType":"questions","id":"42"}`, string(env.Payload))
		case <-time.After(2 * time.Second):
			t.Fatal("no envelope")
		}
	})

	t.Run("rejected dial stays offline", func(t *testing.T) {
		srv, sessions := wsServer(t)
		s := NewRealtimeSignal(srv.URL, &RealtimeConfig{Token: "wrong", Logger: quietLogger()})
		s.Start(ctx)
		time.Sleep(50 * time.Millisecond)
		assert.False(t, s.Probe(ctx))
		assert.Equal(t, int32(0), sessions.Load())
		require.NoError(t, s.Close())
	})

	t.Run("reconnects after the server drops", func(t *testing.T) {
		var sessions atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			if sessions.Add(1) == 1 {
				conn.Close(websocket.StatusGoingAway, "restart")
				return
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			for {
				if _, _, err := conn.Read(r.Context()); err != nil {
					return
				}
			}
		}))
		defer srv.Close()

		s := NewRealtimeSignal(srv.URL, &RealtimeConfig{
			AutoReconnect:      true,
			ReconnectBaseDelay: 5 * time.Millisecond,
			ReconnectMaxDelay:  20 * time.Millisecond,
			Logger:             quietLogger(),
		})
		s.Start(ctx)
		defer s.Close()

		assert.Eventually(t, func() bool {
			return sessions.Load() >= 2 && s.State() == RealtimeConnected
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestRealtimeWSURL(t *testing.T) {
	s := NewRealtimeSignal("https://assess.example.org/", &RealtimeConfig{Token: "a b", Logger: quietLogger()})
	assert.Equal(t, "wss://assess.example.org/ws?token=a+b", s.wsURL())

	s = NewRealtimeSignal("http://localhost:3000", &RealtimeConfig{Path: "/live", Logger: quietLogger()})
	assert.Equal(t, "ws://localhost:3000/live", s.wsURL())
}

func TestBackoff(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 50*time.Millisecond, 3)
	var prev time.Duration
	for i := 0; i < 3; i++ {
		require.True(t, b.shouldRetry())
		d := b.nextDelay()
		assert.LessOrEqual(t, d, 50*time.Millisecond)
		assert.GreaterOrEqual(t, d, prev/2)
		prev = d
	}
	assert.False(t, b.shouldRetry())
	b.reset()
	assert.True(t, b.shouldRetry())
}

func TestManagerRealtimeSignal(t *testing.T) {
	srv, _ := wsServer(t, `{"type":"entity.changed","payload":{"entityType":"categories","id":"3"}}`)
	signal := NewRealtimeSignal(srv.URL, &RealtimeConfig{Token: "tok", Logger: quietLogger()})

	m := NewManager(memoryBackend(), newFakeRemote(), signal, testOptions())
	changed := make(chan Event, 1)
	m.On(EventRemoteChanged, func(ev Event) { changed <- ev })
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.Start(mctx)
	defer m.Close()

	select {
	case ev := <-changed:
		assert.Equal(t, EntityCategories, ev.EntityType)
		assert.Equal(t, ConfirmedID("3"), ev.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatal("no remote change event")
	}
	assert.Eventually(t, m.IsOnline, 2*time.Second, 5*time.Millisecond)
}
