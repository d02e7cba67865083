package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second

	pingPeriod = 25 * time.Second
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
)

type ConnectionManagerConfig struct {
	// URL of the websocket event stream.
	URL string
	// Publisher receives every raw frame read from the socket; decoding
	// happens downstream on the frame loop, not in the read loop.
	Publisher message.Publisher
	Topic     string
	Dialer    *websocket.Dialer
	// OnStatusChange is invoked outside locks on every transition.
	OnStatusChange func(ConnectionStatus)
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ConnectionManager owns the single persistent event-stream connection, its
// lifecycle state, and the reconnection policy. Unexpected drops reconnect
// with capped exponential backoff and jitter; an explicit Disconnect tears
// down without retrying and is never mistaken for a drop.
type ConnectionManager struct {
	url      string
	dialer   *websocket.Dialer
	pub      message.Publisher
	topic    string
	onStatus func(ConnectionStatus)

	mu         sync.Mutex
	status     ConnectionStatus
	conn       *websocket.Conn
	gen        int
	dialing    bool
	closed     bool
	retryTimer *time.Timer
	bo         *backoff.ExponentialBackOff
	baseCtx    context.Context
}

func NewConnectionManager(cfg ConnectionManagerConfig) (*ConnectionManager, error) {
	if cfg.URL == "" {
		return nil, errors.New("connection manager url is empty")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("connection manager publisher is nil")
	}
	if cfg.Topic == "" {
		return nil, errors.New("connection manager topic is empty")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = defaultInitialBackoff
	}
	bo.MaxInterval = cfg.MaxBackoff
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = defaultMaxBackoff
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &ConnectionManager{
		url:      cfg.URL,
		dialer:   dialer,
		pub:      cfg.Publisher,
		topic:    cfg.Topic,
		onStatus: cfg.OnStatusChange,
		status:   StatusDisconnected,
		bo:       bo,
		baseCtx:  context.Background(),
	}, nil
}

// Connect opens the transport. On dial failure the manager enters
// reconnecting and retries on its own; the error is still returned so the
// caller can surface it.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	if m == nil {
		return errors.New("connection manager is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("connection manager is closed")
	}
	if m.dialing || m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	m.dialing = true
	m.baseCtx = ctx
	m.mu.Unlock()
	return m.dial(ctx)
}

// ManualReconnect retries immediately, bypassing any pending backoff timer
// but not the one-connection-at-a-time invariant: a dial already in flight
// is not duplicated.
func (m *ConnectionManager) ManualReconnect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed || m.dialing || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.dialing = true
	ctx := m.baseCtx
	m.mu.Unlock()
	m.setStatus(StatusReconnecting)
	go func() { _ = m.dial(ctx) }()
}

// Disconnect is the explicit teardown path (for example logout). It cancels
// any pending retry and transitions directly to disconnected.
func (m *ConnectionManager) Disconnect() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	m.setStatus(StatusDisconnected)
}

// Status returns the current connection status.
func (m *ConnectionManager) Status() ConnectionStatus {
	if m == nil {
		return StatusDisconnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	conn, resp, err := m.dialer.DialContext(ctx, m.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	m.mu.Lock()
	m.dialing = false
	if m.closed {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		m.mu.Unlock()
		log.Warn().Err(err).Str("component", "chatsync").Str("url", m.url).Msg("event stream dial failed")
		m.setStatus(StatusReconnecting)
		m.scheduleRetry()
		return errors.Wrap(err, "dial event stream")
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.bo.Reset()
	m.mu.Unlock()

	log.Info().Str("component", "chatsync").Str("url", m.url).Msg("event stream connected")
	m.setStatus(StatusConnected)
	go m.readLoop(conn, gen)
	go m.pingLoop(conn, gen)
	return nil
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn, gen int) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(gen, err)
			return
		}
		if len(data) == 0 {
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), data)
		if err := m.pub.Publish(m.topic, msg); err != nil {
			log.Warn().Err(err).Str("component", "chatsync").Msg("frame publish failed")
		}
	}
}

func (m *ConnectionManager) pingLoop(conn *websocket.Conn, gen int) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for range t.C {
		m.mu.Lock()
		stale := m.closed || gen != m.gen || m.conn != conn
		m.mu.Unlock()
		if stale {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

// handleClosed reacts to an unexpected transport close. A close that follows
// Disconnect, or that belongs to a superseded connection, is ignored.
func (m *ConnectionManager) handleClosed(gen int, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
	log.Warn().Err(err).Str("component", "chatsync").Msg("event stream dropped")
	m.setStatus(StatusReconnecting)
	m.scheduleRetry()
}

func (m *ConnectionManager) scheduleRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.retryTimer != nil || m.dialing {
		return
	}
	d := m.bo.NextBackOff()
	log.Info().Str("component", "chatsync").Dur("delay", d).Msg("scheduling reconnect")
	m.retryTimer = time.AfterFunc(d, m.retryNow)
}

func (m *ConnectionManager) retryNow() {
	m.mu.Lock()
	m.retryTimer = nil
	if m.closed || m.dialing || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	ctx := m.baseCtx
	m.mu.Unlock()
	_ = m.dial(ctx)
}

func (m *ConnectionManager) setStatus(s ConnectionStatus) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	cb := m.onStatus
	m.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
