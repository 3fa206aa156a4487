package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnState represents the connection state of a transport. It is owned
// exclusively by the transport; transitions are published to the state
// observer registered with OnState.
type ConnState int

// Connection states. A transport starts disconnected and moves through
// connecting to connected; unexpected failures land in StateError.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Sentinel errors for the transport and session layer. Callers can test for
// them with errors.Is to distinguish local failures from server errors, which
// are surfaced as *ErrorObject.
var (
	// ErrClosed is the rejection delivered to every pending request when the
	// transport is disposed.
	ErrClosed = errors.New("transport closed")
	// ErrTimeout is the rejection delivered when a request's deadline elapses
	// before a matching response arrives.
	ErrTimeout = errors.New("request timed out")
	// ErrNotConnected fails an operation attempted while the transport is not
	// in the connected state.
	ErrNotConnected = errors.New("transport not connected")
)

// clock schedules deadline and reconnect timers. The indirection exists so
// tests can drive time deterministically instead of sleeping.
type clock interface {
	AfterFunc(d time.Duration, f func()) timerHandle
}

type timerHandle interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) timerHandle {
	return time.AfterFunc(d, f)
}

type transportKind int

const (
	kindStdio transportKind = iota
	kindSocket
	kindSSE
)

func (k transportKind) String() string {
	switch k {
	case kindStdio:
		return "stdio"
	case kindSocket:
		return "socket"
	case kindSSE:
		return "sse"
	default:
		return fmt.Sprintf("transportKind(%d)", int(k))
	}
}

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks one in-flight request. An entry is created when the
// request is sent and removed exactly once, by a matching response, its
// deadline timer, caller cancellation, or disposal.
type pendingCall struct {
	ch    chan callResult
	timer timerHandle
}

// Transport turns a byte-oriented channel into a message-oriented one and
// correlates requests with responses independent of the underlying medium.
// The medium is a closed set of kinds (stdio subprocess, websocket, SSE)
// selected at construction; all kinds share this correlation engine.
//
// A Transport must be created with one of the NewXxxTransport constructors.
// Observers must be registered before Connect is called.
type Transport struct {
	kind   transportKind
	id     string
	logger *slog.Logger
	clock  clock

	stdio  *stdioConn
	socket *socketConn
	sse    *sseConn

	seq atomic.Int64

	mu        sync.Mutex
	state     ConnState
	closed    bool
	pending   map[string]*pendingCall
	onState   func(ConnState)
	onMessage func(Envelope)
	onError   func(error)
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the logger used by the transport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// withClock overrides the transport's timer source. Used by tests to simulate
// time.
func withClock(c clock) TransportOption {
	return func(t *Transport) {
		t.clock = c
	}
}

func newTransport(kind transportKind, options []TransportOption) *Transport {
	t := &Transport{
		kind:    kind,
		id:      uuid.New().String(),
		logger:  slog.Default(),
		clock:   realClock{},
		state:   StateDisconnected,
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range options {
		opt(t)
	}
	t.logger = t.logger.With("transport", kind.String(), "transportID", t.id)
	return t
}

// OnState registers the observer invoked on every connection state
// transition.
func (t *Transport) OnState(fn func(ConnState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// OnMessage registers the observer that receives every inbound envelope not
// matched to a pending request: notifications, server-initiated requests, and
// orphan responses.
func (t *Transport) OnMessage(fn func(Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// OnError registers the observer for transport-level errors that are not tied
// to a specific request, such as an unexpected process exit or socket close.
func (t *Transport) OnError(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = fn
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns the number of in-flight requests. Useful for diagnostics.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Connect establishes the underlying channel. Calling Connect while the
// transport is already connecting or connected is a no-op. A connect failure
// moves the transport to StateError and returns the cause.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(StateConnecting)
	}

	var err error
	switch t.kind {
	case kindStdio:
		err = t.stdio.connect(ctx, t)
	case kindSocket:
		err = t.socket.connect(ctx, t)
	case kindSSE:
		err = t.sse.connect(ctx, t)
	}
	if err != nil {
		t.setState(StateError)
		return fmt.Errorf("connect %s: %w", t.kind, err)
	}

	t.setState(StateConnected)
	return nil
}

// Disconnect closes the underlying channel and moves the transport to
// StateDisconnected. Pending requests are left to settle through their
// deadline timers; use Close to reject them immediately.
func (t *Transport) Disconnect() error {
	var err error
	switch t.kind {
	case kindStdio:
		err = t.stdio.disconnect(t)
	case kindSocket:
		err = t.socket.disconnect()
	case kindSSE:
		err = t.sse.disconnect()
	}
	t.setState(StateDisconnected)
	return err
}

// Close disposes the transport: it cancels every outstanding deadline timer,
// rejects every pending request with ErrClosed, and then closes the
// underlying channel. Channel-close failures are swallowed; disposal never
// fails. The order matters: callers must never be left awaiting a result that
// will not settle.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pend := t.pending
	t.pending = make(map[string]*pendingCall)
	t.mu.Unlock()

	for id, pc := range pend {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.ch <- callResult{err: fmt.Errorf("request %s: %w", id, ErrClosed)}
	}

	if err := t.Disconnect(); err != nil {
		t.logger.Warn("error closing channel during disposal", "err", err)
	}
	return nil
}

// SendRequest sends a request and waits for the matching response, the
// deadline, or context cancellation, whichever comes first. The request id is
// unique for the life of the process, so a response arriving after a
// reconnect can never be matched to the wrong caller.
//
// A server error response is returned as a *ErrorObject; a timeout wraps
// ErrTimeout; disposal wraps ErrClosed.
func (t *Transport) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if t.State() != StateConnected {
		return nil, fmt.Errorf("%s: %w", method, ErrNotConnected)
	}

	env := Envelope{
		ProtocolVersion: WireVersion,
		Method:          method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		env.Params = raw
	}

	id := t.nextID()
	env.ID = RequestID(id)
	pc := &pendingCall{ch: make(chan callResult, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	pc.timer = t.clock.AfterFunc(timeout, func() {
		t.expire(id, method, timeout)
	})
	t.pending[id] = pc
	t.mu.Unlock()

	if err := t.send(ctx, env); err != nil {
		t.remove(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-ctx.Done():
		t.remove(id)
		return nil, ctx.Err()
	}
}

// SendNotification sends a fire-and-forget notification; no reply is
// expected and no pending entry is created.
func (t *Transport) SendNotification(ctx context.Context, method string, params any) error {
	if t.State() != StateConnected {
		return fmt.Errorf("%s: %w", method, ErrNotConnected)
	}

	env := Envelope{
		ProtocolVersion: WireVersion,
		Method:          method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		env.Params = raw
	}
	return t.send(ctx, env)
}

// nextID generates a process-unique request id. The counter alone would
// restart from zero in a new process talking to a long-lived server, so the
// timestamp disambiguates across reconnects.
func (t *Transport) nextID() string {
	return fmt.Sprintf("%d-%d", t.seq.Add(1), time.Now().UnixMilli())
}

func (t *Transport) send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	switch t.kind {
	case kindStdio:
		return t.stdio.send(ctx, data)
	case kindSocket:
		return t.socket.send(data)
	case kindSSE:
		return t.sse.send(ctx, data)
	default:
		return fmt.Errorf("unknown transport kind %d", t.kind)
	}
}

// expire settles a pending request whose deadline elapsed. The entry is
// removed before settling so a late response finds nothing to resolve.
func (t *Transport) expire(id, method string, timeout time.Duration) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	pc.ch <- callResult{err: fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout)}
}

// remove drops a pending entry without settling it; the caller has already
// stopped waiting.
func (t *Transport) remove(id string) {
	t.mu.Lock()
	pc, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok && pc.timer != nil {
		pc.timer.Stop()
	}
}

// handleEnvelope is the single entry point for inbound envelopes from every
// medium. Responses matching a pending request settle it exactly once;
// everything else, including orphan responses whose request already timed
// out, is forwarded to the message observer unmodified.
func (t *Transport) handleEnvelope(env Envelope) {
	if env.ProtocolVersion != WireVersion {
		t.logger.Warn("dropping envelope with invalid wire version", "version", env.ProtocolVersion)
		return
	}

	t.mu.Lock()
	onMessage := t.onMessage
	var pc *pendingCall
	matched := false
	if env.IsResponse() {
		pc, matched = t.pending[string(env.ID)]
		if matched {
			delete(t.pending, string(env.ID))
		}
	}
	t.mu.Unlock()

	if matched {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		if env.Error != nil {
			pc.ch <- callResult{err: env.Error}
		} else {
			pc.ch <- callResult{result: env.Result}
		}
		return
	}

	if env.IsResponse() {
		// The request already timed out or was never ours. The drop is
		// deliberate; the log line makes it observable.
		t.logger.Debug("dropping orphan response", "id", env.ID)
	}
	if onMessage != nil {
		onMessage(env)
	}
}

func (t *Transport) setState(s ConnState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	fn := t.onState
	t.mu.Unlock()
	t.logger.Debug("connection state changed", "state", s.String())
	if fn != nil {
		fn(s)
	}
}

func (t *Transport) emitError(err error) {
	t.mu.Lock()
	fn := t.onError
	t.mu.Unlock()
	t.logger.Error("transport error", "err", err)
	if fn != nil {
		fn(err)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
