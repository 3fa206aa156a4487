package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SocketConfig describes a websocket connection to a server.
type SocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Headers are sent with the handshake request.
	Headers map[string]string
	// Protocols lists the subprotocols offered during the handshake.
	Protocols []string
	// HandshakeTimeout bounds the dial. Zero means defaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// ReconnectBaseDelay is the delay before the first reconnect attempt;
	// each subsequent attempt doubles it. Zero means defaultReconnectDelay.
	ReconnectBaseDelay time.Duration
	// MaxReconnectAttempts caps automatic reconnection after an abnormal
	// close. Zero means defaultMaxReconnects.
	MaxReconnectAttempts int
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectDelay   = 500 * time.Millisecond
	defaultMaxReconnects    = 5
)

// NewSocketTransport creates a transport that exchanges envelopes as
// websocket text messages, one envelope per message. Abnormal closes trigger
// automatic reconnection with exponential backoff; a normal closure does not.
func NewSocketTransport(cfg SocketConfig, options ...TransportOption) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	t := newTransport(kindSocket, options)
	t.socket = &socketConn{cfg: cfg}
	return t
}

// socketConn is the websocket side of the transport sum type.
type socketConn struct {
	cfg SocketConfig
	t   *Transport

	mu         sync.Mutex
	ws         *websocket.Conn
	attempts   int
	retryTimer timerHandle
	stopping   bool
}

func (s *socketConn) connect(ctx context.Context, t *Transport) error {
	s.t = t

	ws, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.ws = ws
	s.attempts = 0
	s.stopping = false
	s.mu.Unlock()

	go s.readPump(ws)
	return nil
}

func (s *socketConn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Subprotocols:     s.cfg.Protocols,
	}
	header := http.Header{}
	for k, v := range s.cfg.Headers {
		header.Set(k, v)
	}
	ws, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, err
	}
	return ws, nil
}

func (s *socketConn) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return ErrNotConnected
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *socketConn) disconnect() error {
	s.mu.Lock()
	s.stopping = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	ws := s.ws
	s.ws = nil
	s.mu.Unlock()

	if ws == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return ws.Close()
}

// readPump delivers inbound messages until the connection drops. Each
// websocket message carries exactly one envelope.
func (s *socketConn) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.handleReadError(ws, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.t.logger.Warn("dropping malformed message", "err", err)
			continue
		}
		s.t.handleEnvelope(env)
	}
}

func (s *socketConn) handleReadError(ws *websocket.Conn, err error) {
	s.mu.Lock()
	stopping := s.stopping
	if s.ws == ws {
		s.ws = nil
	}
	s.mu.Unlock()

	if stopping || s.t.isClosed() {
		return
	}

	// A clean close from the peer is an orderly shutdown, not a failure, so
	// it does not trigger reconnection.
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.t.setState(StateDisconnected)
		return
	}

	s.t.emitError(fmt.Errorf("connection lost: %w", err))
	s.t.setState(StateError)
	s.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next dial attempt. The
// delay doubles per attempt up to MaxReconnectAttempts, after which the
// transport stays in StateError until the caller reconnects explicitly.
func (s *socketConn) scheduleReconnect() {
	s.mu.Lock()
	if s.stopping || s.t.isClosed() {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.mu.Unlock()
		s.t.logger.Warn("reconnect attempts exhausted", "attempts", s.cfg.MaxReconnectAttempts)
		return
	}
	delay := s.cfg.ReconnectBaseDelay * (1 << s.attempts)
	s.attempts++
	attempt := s.attempts
	s.retryTimer = s.t.clock.AfterFunc(delay, s.redial)
	s.mu.Unlock()

	s.t.logger.Debug("reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (s *socketConn) redial() {
	s.mu.Lock()
	if s.stopping || s.t.isClosed() {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	s.mu.Unlock()

	s.t.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	ws, err := s.dial(ctx)
	if err != nil {
		s.t.emitError(fmt.Errorf("reconnect failed: %w", err))
		s.t.setState(StateError)
		s.scheduleReconnect()
		return
	}

	if !s.adopt(ws) {
		_ = ws.Close()
		return
	}

	s.t.setState(StateConnected)
	go s.readPump(ws)
}

// adopt installs a freshly dialed connection unless the transport was
// disconnected or disposed while the dial was in flight.
func (s *socketConn) adopt(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.t.isClosed() {
		return false
	}
	s.ws = ws
	s.attempts = 0
	return true
}
