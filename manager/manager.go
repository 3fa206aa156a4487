// Package manager maintains sessions to a registry of configured servers and
// routes tool, resource, and prompt operations across them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/arkadyne/agentwire/config"
	"github.com/arkadyne/agentwire/mcp"
)

// Identity advertised to every server during the handshake.
const (
	clientName    = "agentwire"
	clientVersion = "0.1.0"
)

// Sentinel errors for routing.
var (
	// ErrUnknownServer fails an operation addressed to a server ID that is
	// not in the registry.
	ErrUnknownServer = errors.New("unknown server")
	// ErrNotFound fails a routed operation when no connected server offers
	// the requested tool, resource, or prompt.
	ErrNotFound = errors.New("not found on any connected server")
)

// ClientFactory builds the session client for a registry entry. Overridable
// for tests.
type ClientFactory func(entry config.ServerEntry) (*mcp.Client, error)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClientFactory overrides how session clients are built from registry
// entries.
func WithClientFactory(factory ClientFactory) Option {
	return func(m *Manager) {
		m.factory = factory
	}
}

// ServerStatus is a point-in-time snapshot of one registry entry and its
// session, if any.
type ServerStatus struct {
	ID          string
	Name        string
	State       mcp.ConnState
	Initialized bool
	ServerInfo  mcp.Info
	Tools       int
	Resources   int
	Prompts     int
}

// Manager owns at most one session per registered server. Operations can be
// addressed to a specific server or routed: a routed call scans usable
// sessions in priority order and dispatches to the first server whose catalog
// contains the requested item.
type Manager struct {
	logger  *slog.Logger
	factory ClientFactory

	defaultTimeout time.Duration
	retryAttempts  int
	retryDelay     time.Duration

	mu       sync.Mutex
	entries  map[string]config.ServerEntry
	order    []string
	sessions map[string]*mcp.Client
	connects map[string]*sync.Mutex
}

// New creates a manager over the given configuration. No connections are made
// until Start or Connect.
func New(cfg *config.Config, options ...Option) *Manager {
	m := &Manager{
		logger:         slog.Default(),
		defaultTimeout: cfg.DefaultTimeout.Std(),
		retryAttempts:  cfg.RetryAttempts,
		retryDelay:     cfg.RetryDelay.Std(),
		entries:        make(map[string]config.ServerEntry),
		sessions:       make(map[string]*mcp.Client),
		connects:       make(map[string]*sync.Mutex),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.factory == nil {
		m.factory = m.buildClient
	}
	m.register(cfg.Servers)
	return m
}

// register replaces the registry contents and recomputes routing order.
// Caller must not hold m.mu.
func (m *Manager) register(servers []config.ServerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]config.ServerEntry, len(servers))
	m.order = m.order[:0]
	index := make(map[string]int, len(servers))
	for i, entry := range servers {
		m.entries[entry.ID] = entry
		m.order = append(m.order, entry.ID)
		index[entry.ID] = i
	}
	// Priority orders routing; ties keep registry order.
	sort.SliceStable(m.order, func(i, j int) bool {
		a, b := m.entries[m.order[i]], m.entries[m.order[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return index[a.ID] < index[b.ID]
	})
}

// Start connects every enabled auto-start server. A failure to connect one
// server does not stop the others; all failures are joined into the returned
// error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	var errs []error
	for _, id := range order {
		m.mu.Lock()
		entry, ok := m.entries[id]
		m.mu.Unlock()
		if !ok || !entry.IsEnabled() || !entry.AutoStart {
			continue
		}
		if err := m.Connect(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Connect establishes a session to the given server. Connecting an already
// usable server is a no-op; a stale session is disposed and replaced. On
// failure the server stays registered so a later Connect can retry.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownServer)
	}
	if !entry.IsEnabled() {
		m.mu.Unlock()
		return fmt.Errorf("server %s is disabled", id)
	}
	lock := m.connects[id]
	if lock == nil {
		lock = &sync.Mutex{}
		m.connects[id] = lock
	}
	m.mu.Unlock()

	// One connect at a time per server, so two racing callers cannot each
	// build a client and orphan the loser.
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	existing := m.sessions[id]
	attempts, delay := m.retryAttempts, m.retryDelay
	m.mu.Unlock()

	if existing != nil {
		if existing.State() == mcp.StateConnected && existing.Initialized() {
			return nil
		}
		if err := existing.Close(); err != nil {
			m.logger.Warn("failed to dispose stale session", "server", id, "err", err)
		}
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}

	client, err := m.factory(entry)
	if err != nil {
		return fmt.Errorf("failed to build client for %s: %w", id, err)
	}

	_, err = mcp.Retry(ctx, attempts, delay, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, client.Connect(ctx)
	})
	if err != nil {
		if cerr := client.Close(); cerr != nil {
			m.logger.Warn("failed to dispose client after connect failure", "server", id, "err", cerr)
		}
		return fmt.Errorf("failed to connect %s: %w", id, err)
	}

	m.mu.Lock()
	m.sessions[id] = client
	m.mu.Unlock()

	info := client.ServerInfo()
	m.logger.Info("server connected", "server", id, "name", info.Name, "version", info.Version)
	return nil
}

// Disconnect tears down the session to the given server, best effort. The
// server stays registered.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	client := m.sessions[id]
	delete(m.sessions, id)
	_, known := m.entries[id]
	m.mu.Unlock()

	if !known && client == nil {
		return fmt.Errorf("%s: %w", id, ErrUnknownServer)
	}
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		m.logger.Warn("failed to close session", "server", id, "err", err)
	}
	return nil
}

// Close disposes every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*mcp.Client)
	m.mu.Unlock()

	for id, client := range sessions {
		if err := client.Close(); err != nil {
			m.logger.Warn("failed to close session", "server", id, "err", err)
		}
	}
	return nil
}

// Session returns the live session for a server, if one exists.
func (m *Manager) Session(id string) (*mcp.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.sessions[id]
	return client, ok
}

// CallTool invokes a tool. With a serverID it dispatches directly to that
// server; with an empty serverID it routes to the first usable server, in
// priority order, whose catalog contains the tool. A routed call skips
// servers that fail and only returns ErrNotFound when no candidate has the
// tool.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args any) (*mcp.CallToolResult, error) {
	if serverID != "" {
		client, err := m.usableSession(serverID)
		if err != nil {
			return nil, err
		}
		return client.CallTool(ctx, name, args)
	}

	for _, candidate := range m.usableSessions() {
		if !candidate.client.HasTool(name) {
			continue
		}
		res, err := candidate.client.CallTool(ctx, name, args)
		if err != nil {
			m.logger.Warn("tool call failed, trying next server", "server", candidate.id, "tool", name, "err", err)
			continue
		}
		return res, nil
	}
	return nil, fmt.Errorf("tool %s: %w", name, ErrNotFound)
}

// ReadResource fetches a resource, either from the named server or from the
// first usable server whose catalog contains the URI.
func (m *Manager) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	if serverID != "" {
		client, err := m.usableSession(serverID)
		if err != nil {
			return nil, err
		}
		return client.ReadResource(ctx, uri)
	}

	for _, candidate := range m.usableSessions() {
		if !candidate.client.HasResource(uri) {
			continue
		}
		res, err := candidate.client.ReadResource(ctx, uri)
		if err != nil {
			m.logger.Warn("resource read failed, trying next server", "server", candidate.id, "uri", uri, "err", err)
			continue
		}
		return res, nil
	}
	return nil, fmt.Errorf("resource %s: %w", uri, ErrNotFound)
}

// GetPrompt expands a prompt, either from the named server or from the first
// usable server whose catalog contains it.
func (m *Manager) GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if serverID != "" {
		client, err := m.usableSession(serverID)
		if err != nil {
			return nil, err
		}
		return client.GetPrompt(ctx, name, args)
	}

	for _, candidate := range m.usableSessions() {
		if !candidate.client.HasPrompt(name) {
			continue
		}
		res, err := candidate.client.GetPrompt(ctx, name, args)
		if err != nil {
			m.logger.Warn("prompt expansion failed, trying next server", "server", candidate.id, "prompt", name, "err", err)
			continue
		}
		return res, nil
	}
	return nil, fmt.Errorf("prompt %s: %w", name, ErrNotFound)
}

// Status reports every registered server in routing order with the state of
// its session, if any.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	entries := make(map[string]config.ServerEntry, len(m.entries))
	for id, e := range m.entries {
		entries[id] = e
	}
	sessions := make(map[string]*mcp.Client, len(m.sessions))
	for id, c := range m.sessions {
		sessions[id] = c
	}
	m.mu.Unlock()

	out := make([]ServerStatus, 0, len(order))
	for _, id := range order {
		entry := entries[id]
		status := ServerStatus{
			ID:    id,
			Name:  entry.Label(),
			State: mcp.StateDisconnected,
		}
		if client, ok := sessions[id]; ok {
			status.State = client.State()
			status.Initialized = client.Initialized()
			status.ServerInfo = client.ServerInfo()
			status.Tools = len(client.Tools())
			status.Resources = len(client.Resources())
			status.Prompts = len(client.Prompts())
		}
		out = append(out, status)
	}
	return out
}

// ApplyConfig diffs the new configuration against the registry. Sessions for
// removed or changed entries are disposed; new and changed auto-start entries
// are connected best effort.
func (m *Manager) ApplyConfig(ctx context.Context, cfg *config.Config) {
	m.mu.Lock()
	old := m.entries
	m.defaultTimeout = cfg.DefaultTimeout.Std()
	m.retryAttempts = cfg.RetryAttempts
	m.retryDelay = cfg.RetryDelay.Std()
	m.mu.Unlock()

	next := make(map[string]config.ServerEntry, len(cfg.Servers))
	for _, entry := range cfg.Servers {
		next[entry.ID] = entry
	}

	for id, entry := range old {
		replacement, kept := next[id]
		if kept && reflect.DeepEqual(entry, replacement) {
			continue
		}
		if err := m.Disconnect(id); err != nil {
			m.logger.Warn("failed to disconnect replaced server", "server", id, "err", err)
		}
	}

	m.register(cfg.Servers)

	for _, entry := range cfg.Servers {
		if !entry.IsEnabled() || !entry.AutoStart {
			continue
		}
		if err := m.Connect(ctx, entry.ID); err != nil {
			m.logger.Warn("failed to connect server after config change", "server", entry.ID, "err", err)
		}
	}
}

type routedSession struct {
	id     string
	client *mcp.Client
}

// usableSessions snapshots the connected and initialized sessions in routing
// order.
func (m *Manager) usableSessions() []routedSession {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	sessions := make(map[string]*mcp.Client, len(m.sessions))
	for id, c := range m.sessions {
		sessions[id] = c
	}
	m.mu.Unlock()

	out := make([]routedSession, 0, len(sessions))
	for _, id := range order {
		client, ok := sessions[id]
		if !ok || client.State() != mcp.StateConnected || !client.Initialized() {
			continue
		}
		out = append(out, routedSession{id: id, client: client})
	}
	return out
}

func (m *Manager) usableSession(id string) (*mcp.Client, error) {
	m.mu.Lock()
	_, known := m.entries[id]
	client := m.sessions[id]
	m.mu.Unlock()

	if !known {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownServer)
	}
	if client == nil || client.State() != mcp.StateConnected {
		return nil, fmt.Errorf("server %s: %w", id, mcp.ErrNotConnected)
	}
	if !client.Initialized() {
		return nil, fmt.Errorf("server %s: %w", id, mcp.ErrNotInitialized)
	}
	return client, nil
}

// buildClient is the default factory: it constructs the transport named by
// the entry's config and wraps it in a session client.
func (m *Manager) buildClient(entry config.ServerEntry) (*mcp.Client, error) {
	m.mu.Lock()
	timeout := m.defaultTimeout
	m.mu.Unlock()

	log := m.logger.With("server", entry.ID)
	topts := []mcp.TransportOption{mcp.WithTransportLogger(log)}

	var transport *mcp.Transport
	switch entry.Transport.Type {
	case config.TransportStdio:
		s := entry.Transport.Stdio
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			Dir:     s.Dir,
		}, topts...)
	case config.TransportSocket:
		s := entry.Transport.Socket
		transport = mcp.NewSocketTransport(mcp.SocketConfig{
			URL:                  s.URL,
			Headers:              s.Headers,
			Protocols:            s.Protocols,
			HandshakeTimeout:     s.HandshakeTimeout.Std(),
			ReconnectBaseDelay:   s.ReconnectBaseDelay.Std(),
			MaxReconnectAttempts: s.MaxReconnectAttempts,
		}, topts...)
	case config.TransportSSE:
		s := entry.Transport.SSE
		transport = mcp.NewSSETransport(mcp.SSEConfig{
			URL:              s.URL,
			Headers:          s.Headers,
			HandshakeTimeout: s.HandshakeTimeout.Std(),
		}, topts...)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", entry.Transport.Type)
	}

	client := mcp.NewClient(
		mcp.Info{Name: clientName, Version: clientVersion},
		transport,
		mcp.WithClientLogger(log),
		mcp.WithRequestTimeout(timeout),
	)
	return client, nil
}
