package coopsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// RealtimeEnvelope is the wire format of server-pushed events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EntityChangedPayload is pushed when another client changed an entity.
type EntityChangedPayload struct {
	EntityType EntityType `json:"entityType"`
	ID         string     `json:"id"`
}

const envelopeEntityChanged = "entity.changed"

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeSignal.
type RealtimeConfig struct {
	Token                string
	Path                 string
	AutoReconnect        bool
	MaxReconnectAttempts int // 0 retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

// RealtimeState is the state of the websocket connection.
type RealtimeState string

const (
	RealtimeDisconnected RealtimeState = "disconnected"
	RealtimeConnecting   RealtimeState = "connecting"
	RealtimeConnected    RealtimeState = "connected"
	RealtimeReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Backoff
// ============================================================================

type backoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newBackoff(base, max time.Duration, maxAttempts int) *backoff {
	return &backoff{baseDelay: base, maxDelay: max, maxAttempts: maxAttempts}
}

func (b *backoff) shouldRetry() bool {
	return b.maxAttempts == 0 || b.attempt < b.maxAttempts
}

func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter. A connection that stayed up for
// a minute resets the attempt counter.
func (b *backoff) nextDelay() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > 60*time.Second {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeSignal
// ============================================================================

// RealtimeSignal treats a live websocket to the server as the connectivity
// signal: connected means online. It pushes transitions, so a Monitor built
// on it never polls.
type RealtimeSignal struct {
	baseURL string
	config  RealtimeConfig
	log     Logger
	recon   *backoff

	mu        sync.Mutex
	state     RealtimeState
	conn      *websocket.Conn
	cancelRun context.CancelFunc
	subs      map[int]func(bool)
	nextSub   int
	handlers  []func(RealtimeEnvelope)
	wg        sync.WaitGroup
}

// NewRealtimeSignal creates a signal for the server at baseURL (http or https).
func NewRealtimeSignal(baseURL string, config *RealtimeConfig) *RealtimeSignal {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeSignal{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  cfg,
		log:     cfg.Logger,
		recon:   newBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
		state:   RealtimeDisconnected,
		subs:    make(map[int]func(bool)),
	}
}

func (s *RealtimeSignal) Probe(context.Context) bool {
	return s.State() == RealtimeConnected
}

func (s *RealtimeSignal) Notify(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// OnMessage registers a handler for every envelope received.
func (s *RealtimeSignal) OnMessage(h func(RealtimeEnvelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// State returns the connection state.
func (s *RealtimeSignal) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start connects in the background and keeps reconnecting with backoff when
// AutoReconnect is set. It returns immediately.
func (s *RealtimeSignal) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancelRun != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

// Close ends the connection and stops reconnecting.
func (s *RealtimeSignal) Close() error {
	s.mu.Lock()
	conn, cancel := s.conn, s.cancelRun
	s.cancelRun = nil
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.recon.reset()
	return err
}

func (s *RealtimeSignal) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if !s.config.AutoReconnect || !s.recon.shouldRetry() {
			s.log.Warn("realtime connection ended", "err", err)
			return
		}
		delay := s.recon.nextDelay()
		s.setState(RealtimeReconnecting)
		s.log.Debug("realtime reconnecting", "attempt", s.recon.attempt, "delay", delay, "err", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *RealtimeSignal) session(ctx context.Context) error {
	s.setState(RealtimeConnecting)

	header := http.Header{}
	if s.config.Token != "" {
		header.Set("Authorization", "Bearer "+s.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, s.wsURL(), &websocket.DialOptions{
		HTTPClient: s.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		s.setState(RealtimeDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.recon.markConnected()
	s.setState(RealtimeConnected)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeatLoop(connCtx, conn)

	err = s.readLoop(connCtx, conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	if cerr := conn.Close(websocket.StatusNormalClosure, ""); cerr != nil {
		s.log.Debug("realtime close", "err", cerr)
	}
	s.setState(RealtimeDisconnected)
	return err
}

func (s *RealtimeSignal) wsURL() string {
	u := strings.Replace(s.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += s.config.Path
	if s.config.Token != "" {
		u += "?token=" + url.QueryEscape(s.config.Token)
	}
	return u
}

func (s *RealtimeSignal) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		s.dispatch(env)
	}
}

func (s *RealtimeSignal) dispatch(env RealtimeEnvelope) {
	s.mu.Lock()
	handlers := append([]func(RealtimeEnvelope){}, s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("realtime handler panicked", "type", env.Type, "panic", r)
				}
			}()
			h(env)
		}()
	}
}

func (s *RealtimeSignal) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, s.config.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("realtime heartbeat failed", "err", err)
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (s *RealtimeSignal) setState(next RealtimeState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	wasOnline, isOnline := prev == RealtimeConnected, next == RealtimeConnected
	var subs []func(bool)
	if wasOnline != isOnline {
		for i := 0; i < s.nextSub; i++ {
			if fn, ok := s.subs[i]; ok {
				subs = append(subs, fn)
			}
		}
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(isOnline)
	}
}
