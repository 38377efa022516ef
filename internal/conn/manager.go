// Package conn owns the persistent event channel to the conversation
// service: one WebSocket, typed subscribe/emit, and bounded reconnection.
package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/event"
	"github.com/chatsync/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufSize    = 256

	defaultHandshakeTimeout = 20 * time.Second
	defaultMaxReconnects    = 5
	reconnectMin            = 1 * time.Second
	reconnectMax            = 30 * time.Second
)

// Local notification kinds dispatched through the same subscription registry
// as server events. They never appear on the wire.
const (
	TypeConnected    event.Type = "connected"
	TypeDisconnected event.Type = "disconnected"
)

// DisconnectPayload explains a disconnected notification.
type DisconnectPayload struct {
	Reason string `json:"reason"`
	// Final is set when the reconnect budget is exhausted or Disconnect was
	// called; the manager will not retry and an explicit Connect is required.
	Final bool `json:"final"`
}

// bufPool pools bytes.Buffer for JSON encoding in the write pump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Config configures a Manager. Token is a provider, not a value: the
// credential is resolved at handshake time and sent in a header, never in the
// query string.
type Config struct {
	URL                  string
	Token                func() string
	HandshakeTimeout     time.Duration
	MaxReconnectAttempts int
}

// Manager is the connection manager: one underlying transport, typed event
// dispatch, fire-and-forget emits and a bounded reconnect budget. Safe for
// concurrent use.
type Manager struct {
	cfg        Config
	dispatcher *dispatcher

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	connecting        bool
	closed            bool // explicit Disconnect; suppresses reconnection
	reconnectAttempts int
	generation        uint64
	send              chan event.Envelope
	done              chan struct{}
	wg                sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	return &Manager{
		cfg:        cfg,
		dispatcher: newDispatcher(),
	}
}

// Connected reports whether the transport is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Connecting reports whether a connection attempt is in flight.
func (m *Manager) Connecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connecting
}

// ReconnectAttempts returns the current retry counter.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts
}

// Subscribe registers a handler for an event kind and returns its disposal
// handle. Registrations are additive.
func (m *Manager) Subscribe(t event.Type, fn func(event.Envelope)) *Subscription {
	return m.dispatcher.subscribe(t, fn)
}

// RemoveAllListeners drops every handler. Blanket teardown for logout;
// component-level teardown should use Subscription.Unsubscribe.
func (m *Manager) RemoveAllListeners() {
	m.dispatcher.removeAll()
}

// Connect opens the transport. Idempotent: a no-op while connected or while
// an attempt is in flight. A missing auth token fails silently (logged); the
// caller retries Connect on its next mount.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.connected || m.connecting {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.closed = false
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.mu.Lock()
		m.connecting = false
		// Handshake failures (including the bounded handshake timeout) count
		// against the reconnect budget. A missing token or an explicit
		// Disconnect mid-handshake is not a transport failure.
		if !errors.Is(err, errNoToken) && !errors.Is(err, errClosed) {
			m.reconnectAttempts++
		}
		m.mu.Unlock()
		logger.Errorf("conn: connect: %v", err)
		return
	}
}

// Wait blocks until the pumps of the current connection have exited. Test
// hook and shutdown aid.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// dial performs one transport attempt: open, authenticate, await hello,
// start pumps. Caller holds the connecting flag.
func (m *Manager) dial(ctx context.Context) error {
	token := ""
	if m.cfg.Token != nil {
		token = m.cfg.Token()
	}
	if token == "" {
		return errNoToken
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := dialer.DialContext(dialCtx, m.cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}

	// The server confirms the handshake with a hello frame; until it arrives
	// the connection does not count as established.
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return err
	}
	var hello event.Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return err
	}
	if hello.Type != event.TypeHello {
		conn.Close()
		return errBadHello
	}

	m.mu.Lock()
	// Disconnect may have landed while we were awaiting the hello frame; an
	// explicit teardown always wins over an in-flight handshake.
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return errClosed
	}
	m.conn = conn
	m.connected = true
	m.connecting = false
	m.reconnectAttempts = 0
	m.generation++
	gen := m.generation
	m.send = make(chan event.Envelope, sendBufSize)
	m.done = make(chan struct{})
	m.wg.Add(2)
	m.mu.Unlock()

	go m.writePump(conn, gen)
	go m.readPump(conn, gen)

	m.dispatcher.dispatch(hello)
	if env, err := event.NewEnvelope(TypeConnected, nil); err == nil {
		m.dispatcher.dispatch(env)
	}
	logger.Debugf("conn: connected gen=%d", gen)
	return nil
}

// JoinConversation requests room membership. Fire-and-forget: the server may
// process the join after subsequent emits, so callers must not assume
// synchronous membership. No-op when not connected.
func (m *Manager) JoinConversation(conversationID string) {
	m.emit(event.TypeJoinConversation, event.RoomPayload{ConversationID: conversationID})
}

// LeaveConversation drops room membership. Fire-and-forget.
func (m *Manager) LeaveConversation(conversationID string) {
	m.emit(event.TypeLeaveConversation, event.RoomPayload{ConversationID: conversationID})
}

// TypingStart signals that the local user started typing.
func (m *Manager) TypingStart(conversationID string) {
	m.emit(event.TypeTypingStart, event.RoomPayload{ConversationID: conversationID})
}

// TypingStop signals that the local user stopped typing.
func (m *Manager) TypingStop(conversationID string) {
	m.emit(event.TypeTypingStop, event.RoomPayload{ConversationID: conversationID})
}

// MarkRead reports the local user's read position. Best-effort.
func (m *Manager) MarkRead(messageID, conversationID string) {
	m.emit(event.TypeMessageRead, event.ReadEmitPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
}

func (m *Manager) emit(t event.Type, payload any) {
	env, err := event.NewEnvelope(t, payload)
	if err != nil {
		logger.Errorf("conn: encode emit %s: %v", t, err)
		return
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	send, done := m.send, m.done
	m.mu.Unlock()

	select {
	case send <- env:
	case <-done:
	default:
		// Send buffer full: emits are best-effort signals, drop rather than
		// block the caller.
		logger.Debugf("conn: send buffer full, dropping %s", t)
	}
}

// Disconnect tears down the transport and resets the retry counter. Safe to
// call multiple times. No reconnection happens after an explicit Disconnect.
func (m *Manager) Disconnect() {
	m.disconnect("client disconnect", true)
}

func (m *Manager) disconnect(reason string, explicit bool) {
	m.mu.Lock()
	if explicit {
		m.closed = true
		m.reconnectAttempts = 0
	}
	if !m.connected && !m.connecting {
		m.mu.Unlock()
		return
	}
	wasConnected := m.connected
	m.connected = false
	m.connecting = false
	conn := m.conn
	m.conn = nil
	if m.done != nil {
		select {
		case <-m.done:
		default:
			close(m.done)
		}
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		m.dispatchDisconnect(reason, explicit)
	}
}

func (m *Manager) dispatchDisconnect(reason string, final bool) {
	env, err := event.NewEnvelope(TypeDisconnected, DisconnectPayload{Reason: reason, Final: final})
	if err != nil {
		return
	}
	m.dispatcher.dispatch(env)
}

// readPump delivers inbound frames to the dispatcher until the transport
// errors, then hands off to the reconnect loop.
func (m *Manager) readPump(conn *websocket.Conn, gen uint64) {
	defer m.wg.Done()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("conn: set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("conn: read error: %v", err)
			}
			m.handleTransportLoss(gen, err)
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("conn: unmarshal frame: %v", err)
			continue
		}
		m.dispatcher.dispatch(env)
	}
}

// writePump serializes outbound envelopes and keeps the connection alive with
// pings. Exits on done, write error or connection close.
func (m *Manager) writePump(conn *websocket.Conn, gen uint64) {
	defer m.wg.Done()
	m.mu.Lock()
	send, done := m.send, m.done
	m.mu.Unlock()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case env := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(env); err != nil {
				bufPool.Put(buf)
				logger.Errorf("conn: marshal frame: %v", err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text frames.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleTransportLoss reacts to a transport-level failure: tear the current
// connection down, then retry with capped backoff up to the budget. Beyond
// the budget the manager fail-stops via Disconnect so the caller can surface
// "connection lost" instead of retrying forever in the background.
func (m *Manager) handleTransportLoss(gen uint64, cause error) {
	m.mu.Lock()
	if m.generation != gen || m.closed {
		m.mu.Unlock()
		return
	}
	wasConnected := m.connected
	m.connected = false
	conn := m.conn
	m.conn = nil
	if m.done != nil {
		select {
		case <-m.done:
		default:
			close(m.done)
		}
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		m.dispatchDisconnect(cause.Error(), false)
	}

	go m.reconnectLoop()
}

// reconnectLoop retries the transport with capped exponential backoff and
// jitter. Bounded attempts, then give up: explicit reconnect required.
func (m *Manager) reconnectLoop() {
	backoff := reconnectMin
	for {
		m.mu.Lock()
		if m.closed || m.connected || m.connecting {
			m.mu.Unlock()
			return
		}
		if m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
			m.closed = true
			m.mu.Unlock()
			logger.Errorf("conn: reconnect budget exhausted after %d attempts", m.cfg.MaxReconnectAttempts)
			m.dispatchDisconnect("reconnect budget exhausted", true)
			return
		}
		m.reconnectAttempts++
		attempt := m.reconnectAttempts
		m.connecting = true
		m.mu.Unlock()

		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		logger.Debugf("conn: reconnect attempt %d in %v", attempt, backoff+jitter)
		time.Sleep(backoff + jitter)

		m.mu.Lock()
		if m.closed {
			m.connecting = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		err := m.dial(context.Background())
		if err == nil {
			return
		}
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
		logger.Errorf("conn: reconnect attempt %d: %v", attempt, err)

		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}
