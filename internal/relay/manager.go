// Package relay maintains the single persistent websocket connection to the
// relay server. It owns the ConnectionState, the heartbeat, and the inbound
// frame sequence for each connection instance. Reconnection policy lives in
// the supervisor, not here.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/gorilla/websocket"

	"github.com/privmsg/sessioncore/internal/metrics"
	"github.com/privmsg/sessioncore/internal/proto"
)

var log = logging.Logger("relay")

const (
	// Time allowed to write a frame to the relay.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong. One missed window kills the
	// connection.
	pongWait = 60 * time.Second

	// Liveness ping period. Must be shorter than pongWait.
	pingPeriod = 25 * time.Second

	// Deadline for the authenticated ack after the handshake frame.
	authWait = 10 * time.Second

	// Inbound frame buffer per connection instance.
	frameBuffer = 64

	// Outbound send buffer. Send returns false when it is full.
	sendBuffer = 64

	maxFrameSize = 1 << 20
)

// State is the observable connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// conn bundles everything tied to one connection instance. A new instance
// is created per successful dial; the frames channel closes when the
// instance dies and is never reused.
type conn struct {
	ws       *websocket.Conn
	frames   chan proto.Frame
	outbound chan []byte
	done     chan struct{} // closed once the instance is fully torn down
	once     sync.Once
}

// Manager owns at most one live relay connection.
type Manager struct {
	mu      sync.Mutex
	state   State
	current *conn

	subMu sync.Mutex
	subs  map[chan State]struct{}

	dialer *websocket.Dialer
}

// NewManager creates a disconnected manager.
func NewManager() *Manager {
	return &Manager{
		subs:   make(map[chan State]struct{}),
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SubscribeState returns a channel receiving every state change and a
// cancel func. The channel is buffered; a slow subscriber misses
// intermediate states, never blocks the manager.
func (m *Manager) SubscribeState() (<-chan State, func()) {
	ch := make(chan State, 8)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) setState(s State) {
	m.state = s
	metrics.ConnState.Set(float64(s))
	m.subMu.Lock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
	m.subMu.Unlock()
}

// Connect dials the relay and performs the bearer handshake. It is
// idempotent while Connected: the live frame sequence is returned without
// opening a second socket. A Connect racing another one's handshake is
// refused. On success the returned channel
// delivers inbound frames in arrival order until the connection dies, at
// which point it is closed and the state drops to Disconnected.
//
// Relay-side credential rejection closes the socket before the
// authenticated ack and is reported like any other dial failure.
func (m *Manager) Connect(ctx context.Context, endpoint, credential string) (<-chan proto.Frame, error) {
	m.mu.Lock()
	if m.state != Disconnected {
		c := m.current
		m.mu.Unlock()
		if c == nil {
			// A racing Connect is still in its handshake.
			return nil, fmt.Errorf("connect already in progress")
		}
		return c.frames, nil
	}
	m.setState(Connecting)
	m.mu.Unlock()

	ws, err := m.dial(ctx, endpoint, credential)
	if err != nil {
		m.mu.Lock()
		m.setState(Disconnected)
		m.mu.Unlock()
		metrics.ConnectFailures.Inc()
		return nil, err
	}

	c := &conn{
		ws:       ws,
		frames:   make(chan proto.Frame, frameBuffer),
		outbound: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.current = c
	m.setState(Connected)
	m.mu.Unlock()

	go m.readPump(c)
	go m.writePump(c)

	log.Infof("connected to %s", endpoint)
	return c.frames, nil
}

// dial opens the socket and completes the authenticate/authenticated
// exchange. Any failure returns with the socket closed.
func (m *Manager) dial(ctx context.Context, endpoint, credential string) (*websocket.Conn, error) {
	ws, _, err := m.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	auth, err := proto.NewAuth(credential)
	if err != nil {
		ws.Close()
		return nil, err
	}
	data, err := auth.Encode()
	if err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(authWait))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("auth handshake: %w", err)
	}
	ack, err := proto.Decode(msg)
	if err != nil || ack.Type != proto.FrameAuthAck {
		ws.Close()
		return nil, fmt.Errorf("auth handshake: unexpected reply")
	}
	return ws, nil
}

// Send queues a frame on the live connection. Best effort: returns false
// without blocking when there is no live connection or the send buffer is
// full. Callers own any retry policy.
func (m *Manager) Send(f proto.Frame) bool {
	m.mu.Lock()
	c := m.current
	live := m.state == Connected
	m.mu.Unlock()
	if !live || c == nil {
		return false
	}

	data, err := f.Encode()
	if err != nil {
		log.Errorw("encode outbound frame", "type", f.Type, "error", err)
		return false
	}
	select {
	case c.outbound <- data:
		metrics.FramesSent.WithLabelValues(string(f.Type)).Inc()
		return true
	case <-c.done:
		return false
	default:
		log.Warnw("send buffer full, dropping frame", "type", f.Type)
		return false
	}
}

// readPump consumes inbound messages until the socket fails, then tears the
// instance down. Frames are delivered in arrival order; decode failures on
// single frames are dropped here so one malformed message never kills the
// connection.
func (m *Manager) readPump(c *conn) {
	// The pump is the only sender on c.frames, so it alone may close it,
	// and only after teardown has published Disconnected.
	defer func() {
		m.teardown(c)
		close(c.frames)
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("connection lost: %v", err)
			}
			return
		}
		f, err := proto.Decode(msg)
		if err != nil {
			log.Debugw("dropping malformed frame", "error", err)
			metrics.FramesDropped.Inc()
			continue
		}
		metrics.FramesReceived.WithLabelValues(string(f.Type)).Inc()
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// writePump owns all writes on the socket: queued frames and liveness
// pings. Gorilla allows a single concurrent writer, so nothing else may
// call WriteMessage once the pump is running.
func (m *Manager) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// teardown retires a connection instance exactly once: socket closed, state
// dropped. The frame sequence is closed by readPump on its way out.
func (m *Manager) teardown(c *conn) {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()

		m.mu.Lock()
		if m.current == c {
			m.current = nil
			m.setState(Disconnected)
		}
		m.mu.Unlock()

		log.Info("disconnected")
	})
}

// Close shuts the live connection down gracefully, sending a close frame
// where the protocol allows it. Safe to call at any time.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil {
		return
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	m.teardown(c)
}
