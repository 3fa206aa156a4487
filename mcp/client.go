package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Session-layer sentinel errors.
var (
	// ErrNotInitialized fails an operation attempted before the initialize
	// handshake has completed.
	ErrNotInitialized = errors.New("client not initialized")
	// ErrNotSupported fails an operation whose feature area the server did
	// not advertise during the handshake.
	ErrNotSupported = errors.New("not supported by server")
)

const defaultRequestTimeout = 30 * time.Second

// ToolListWatcher provides an interface for receiving notifications when the
// server's tool list changes. The notification fires after the client has
// re-fetched the catalog, so implementations read the fresh state via Tools.
type ToolListWatcher interface {
	OnToolListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications when
// the server's resource list changes. The notification fires after the client
// has re-fetched the catalog.
type ResourceListWatcher interface {
	OnResourceListChanged()
}

// ResourceSubscribedWatcher provides an interface for receiving notifications
// when a resource the client subscribed to changes.
type ResourceSubscribedWatcher interface {
	OnResourceSubscribedChanged(uri string)
}

// PromptListWatcher provides an interface for receiving notifications when
// the server's prompt list changes. The notification fires after the client
// has re-fetched the catalog.
type PromptListWatcher interface {
	OnPromptListChanged()
}

// LogReceiver provides an interface for receiving log messages pushed by the
// server.
type LogReceiver interface {
	OnLog(params LogParams)
}

// ConnStateWatcher provides an interface for observing the session's
// connection state transitions.
type ConnStateWatcher interface {
	OnConnStateChanged(state ConnState)
}

// ClientOption represents the options for the Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger used by the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRequestTimeout sets the per-request deadline. Requests that receive no
// response within it fail with ErrTimeout.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithToolListWatcher sets the watcher for tool list changes.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithResourceListWatcher sets the watcher for resource list changes.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the watcher for subscribed resource
// updates.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithPromptListWatcher sets the watcher for prompt list changes.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithLogReceiver sets the receiver for server-pushed log messages.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithConnStateWatcher sets the watcher for connection state transitions.
func WithConnStateWatcher(watcher ConnStateWatcher) ClientOption {
	return func(c *Client) {
		c.stateWatcher = watcher
	}
}

// Client layers a protocol session on top of a Transport: the initialize
// handshake, capability gating, and locally cached tool, resource, and prompt
// catalogs. Operations fail fast with ErrNotConnected or ErrNotInitialized
// until Connect has completed the handshake.
//
// The catalogs are full-replace snapshots: every refresh fetches the complete
// list and swaps it in, so the cache never drifts from the server by
// incremental patching.
type Client struct {
	transport      *Transport
	info           Info
	capabilities   ClientCapabilities
	requestTimeout time.Duration
	logger         *slog.Logger

	toolListWatcher           ToolListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	promptListWatcher         PromptListWatcher
	logReceiver               LogReceiver
	stateWatcher              ConnStateWatcher

	mu          sync.RWMutex
	initialized bool
	serverInfo  Info
	serverCaps  ServerCapabilities
	tools       map[string]Tool
	resources   map[string]Resource
	prompts     map[string]Prompt
}

// NewClient creates a session client over the given transport. Watchers must
// be registered via options; the transport's observers are owned by the
// client from this point on.
func NewClient(info Info, transport *Transport, options ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		info:      info,
		capabilities: ClientCapabilities{
			Roots:    &RootsCapability{ListChanged: true},
			Sampling: &SamplingCapability{},
		},
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
		tools:          make(map[string]Tool),
		resources:      make(map[string]Resource),
		prompts:        make(map[string]Prompt),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With("client", info.Name)

	transport.OnMessage(c.handleMessage)
	transport.OnState(c.handleState)
	return c
}

// Connect establishes the transport and performs the initialize handshake:
// initialize request, initialized notification, then the initial catalog
// refreshes for every capability the server advertised. A handshake failure
// leaves the transport connected but the session uninitialized, so the caller
// can inspect or retry.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	if err := c.handshake(ctx); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	raw, err := c.transport.SendRequest(ctx, MethodInitialize, params, c.requestTimeout)
	if err != nil {
		return err
	}

	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if res.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("server negotiated a different protocol revision",
			"client", ProtocolVersion, "server", res.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = res.ServerInfo
	c.serverCaps = res.Capabilities
	c.mu.Unlock()

	if err := c.transport.SendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	// Opportunistic: ask for server logs when we have somewhere to put them.
	// A refusal is not a handshake failure.
	if res.Capabilities.Logging != nil && c.logReceiver != nil {
		if _, err := c.transport.SendRequest(ctx, MethodLoggingSetLevel, setLevelParams{Level: LogLevelInfo}, c.requestTimeout); err != nil {
			c.logger.Warn("failed to set server log level", "err", err)
		}
	}

	// Initial catalog fetches run in parallel and fail independently: one
	// catalog being unavailable must not empty the others.
	var wg sync.WaitGroup
	if res.Capabilities.Tools != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.refreshTools(ctx); err != nil {
				c.logger.Warn("failed to fetch tool catalog", "err", err)
			}
		}()
	}
	if res.Capabilities.Resources != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.refreshResources(ctx); err != nil {
				c.logger.Warn("failed to fetch resource catalog", "err", err)
			}
		}()
	}
	if res.Capabilities.Prompts != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.refreshPrompts(ctx); err != nil {
				c.logger.Warn("failed to fetch prompt catalog", "err", err)
			}
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("session initialized",
		"server", res.ServerInfo.Name, "version", res.ServerInfo.Version)
	return nil
}

// Disconnect closes the underlying channel. The session can be re-established
// with Connect.
func (c *Client) Disconnect() error {
	return c.transport.Disconnect()
}

// Close disposes the session and its transport. Pending requests are rejected
// with ErrClosed.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.reset()
	return err
}

// Ping verifies the server is responsive. Unlike the catalog operations it
// only needs a connected transport, not a completed handshake.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.SendRequest(ctx, MethodPing, nil, c.requestTimeout)
	return err
}

// ListTools re-fetches the tool catalog from the server and returns it. The
// cached snapshot is replaced as a side effect.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.readyFor("tools", func(caps ServerCapabilities) bool { return caps.Tools != nil }); err != nil {
		return nil, err
	}
	if err := c.refreshTools(ctx); err != nil {
		return nil, err
	}
	return c.Tools(), nil
}

// CallTool invokes a tool by name. A failure inside the tool is reported via
// CallToolResult.IsError, not an error return; error returns are reserved for
// transport and protocol failures.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*CallToolResult, error) {
	if err := c.readyFor("tools", func(caps ServerCapabilities) bool { return caps.Tools != nil }); err != nil {
		return nil, err
	}
	raw, err := c.transport.SendRequest(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: args}, c.requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to call tool %s: %w", name, err)
	}
	var res CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}
	return &res, nil
}

// ListResources re-fetches the resource catalog from the server and returns
// it. The cached snapshot is replaced as a side effect.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	if err := c.readyFor("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return nil, err
	}
	if err := c.refreshResources(ctx); err != nil {
		return nil, err
	}
	return c.Resources(), nil
}

// ReadResource fetches the contents of a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	if err := c.readyFor("resources", func(caps ServerCapabilities) bool { return caps.Resources != nil }); err != nil {
		return nil, err
	}
	raw, err := c.transport.SendRequest(ctx, MethodResourcesRead, resourceURIParams{URI: uri}, c.requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", uri, err)
	}
	var res ReadResourceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource contents: %w", err)
	}
	return &res, nil
}

// SubscribeResource registers for update notifications on a resource, which
// are delivered to the ResourceSubscribedWatcher. Requires the server to
// advertise resource subscriptions.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	if err := c.readyFor("resource subscriptions", func(caps ServerCapabilities) bool {
		return caps.Resources != nil && caps.Resources.Subscribe
	}); err != nil {
		return err
	}
	if _, err := c.transport.SendRequest(ctx, MethodResourcesSubscribe, resourceURIParams{URI: uri}, c.requestTimeout); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", uri, err)
	}
	return nil
}

// UnsubscribeResource cancels update notifications for a resource.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	if err := c.readyFor("resource subscriptions", func(caps ServerCapabilities) bool {
		return caps.Resources != nil && caps.Resources.Subscribe
	}); err != nil {
		return err
	}
	if _, err := c.transport.SendRequest(ctx, MethodResourcesUnsubscribe, resourceURIParams{URI: uri}, c.requestTimeout); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", uri, err)
	}
	return nil
}

// ListPrompts re-fetches the prompt catalog from the server and returns it.
// The cached snapshot is replaced as a side effect.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	if err := c.readyFor("prompts", func(caps ServerCapabilities) bool { return caps.Prompts != nil }); err != nil {
		return nil, err
	}
	if err := c.refreshPrompts(ctx); err != nil {
		return nil, err
	}
	return c.Prompts(), nil
}

// GetPrompt expands a prompt template with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	if err := c.readyFor("prompts", func(caps ServerCapabilities) bool { return caps.Prompts != nil }); err != nil {
		return nil, err
	}
	raw, err := c.transport.SendRequest(ctx, MethodPromptsGet, getPromptParams{Name: name, Arguments: args}, c.requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt %s: %w", name, err)
	}
	var res GetPromptResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompt result: %w", err)
	}
	return &res, nil
}

// SetLogLevel asks the server to push log messages at or above the given
// severity.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.readyFor("logging", func(caps ServerCapabilities) bool { return caps.Logging != nil }); err != nil {
		return err
	}
	if _, err := c.transport.SendRequest(ctx, MethodLoggingSetLevel, setLevelParams{Level: level}, c.requestTimeout); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}
	return nil
}

// Tools returns the cached tool catalog sorted by name.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resources returns the cached resource catalog sorted by URI.
func (c *Client) Resources() []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Prompts returns the cached prompt catalog sorted by name.
func (c *Client) Prompts() []Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Prompt, 0, len(c.prompts))
	for _, p := range c.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasTool reports whether the cached catalog contains a tool by name.
func (c *Client) HasTool(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tools[name]
	return ok
}

// HasResource reports whether the cached catalog contains a resource by URI.
func (c *Client) HasResource(uri string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.resources[uri]
	return ok
}

// HasPrompt reports whether the cached catalog contains a prompt by name.
func (c *Client) HasPrompt(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.prompts[name]
	return ok
}

// ServerInfo returns the server identity from the handshake. Zero until the
// handshake completes; cleared on disconnect.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised during
// the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCaps
}

// Initialized reports whether the handshake has completed for the current
// connection.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// State returns the connection state of the underlying transport.
func (c *Client) State() ConnState {
	return c.transport.State()
}

// readyFor gates an operation on the session being usable and the server
// having advertised the feature area.
func (c *Client) readyFor(feature string, supported func(ServerCapabilities) bool) error {
	if c.transport.State() != StateConnected {
		return ErrNotConnected
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	if !supported(c.serverCaps) {
		return fmt.Errorf("%s: %w", feature, ErrNotSupported)
	}
	return nil
}

func (c *Client) refreshTools(ctx context.Context) error {
	tools := make(map[string]Tool)
	cursor := ""
	for {
		raw, err := c.transport.SendRequest(ctx, MethodToolsList, listParams{Cursor: cursor}, c.requestTimeout)
		if err != nil {
			c.replaceTools(nil)
			return fmt.Errorf("failed to list tools: %w", err)
		}
		var res listToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			c.replaceTools(nil)
			return fmt.Errorf("failed to unmarshal tool list: %w", err)
		}
		for _, t := range res.Tools {
			tools[t.Name] = t
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	c.replaceTools(tools)
	return nil
}

func (c *Client) refreshResources(ctx context.Context) error {
	resources := make(map[string]Resource)
	cursor := ""
	for {
		raw, err := c.transport.SendRequest(ctx, MethodResourcesList, listParams{Cursor: cursor}, c.requestTimeout)
		if err != nil {
			c.replaceResources(nil)
			return fmt.Errorf("failed to list resources: %w", err)
		}
		var res listResourcesResult
		if err := json.Unmarshal(raw, &res); err != nil {
			c.replaceResources(nil)
			return fmt.Errorf("failed to unmarshal resource list: %w", err)
		}
		for _, r := range res.Resources {
			resources[r.URI] = r
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	c.replaceResources(resources)
	return nil
}

func (c *Client) refreshPrompts(ctx context.Context) error {
	prompts := make(map[string]Prompt)
	cursor := ""
	for {
		raw, err := c.transport.SendRequest(ctx, MethodPromptsList, listParams{Cursor: cursor}, c.requestTimeout)
		if err != nil {
			c.replacePrompts(nil)
			return fmt.Errorf("failed to list prompts: %w", err)
		}
		var res listPromptsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			c.replacePrompts(nil)
			return fmt.Errorf("failed to unmarshal prompt list: %w", err)
		}
		for _, p := range res.Prompts {
			prompts[p.Name] = p
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	c.replacePrompts(prompts)
	return nil
}

// replaceTools swaps in a full catalog snapshot. A failed refresh leaves the
// catalog empty rather than stale.
func (c *Client) replaceTools(tools map[string]Tool) {
	if tools == nil {
		tools = make(map[string]Tool)
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
}

func (c *Client) replaceResources(resources map[string]Resource) {
	if resources == nil {
		resources = make(map[string]Resource)
	}
	c.mu.Lock()
	c.resources = resources
	c.mu.Unlock()
}

func (c *Client) replacePrompts(prompts map[string]Prompt) {
	if prompts == nil {
		prompts = make(map[string]Prompt)
	}
	c.mu.Lock()
	c.prompts = prompts
	c.mu.Unlock()
}

// handleMessage dispatches envelopes not matched to a pending request:
// list-changed notifications trigger a background catalog refresh before the
// corresponding watcher fires.
func (c *Client) handleMessage(env Envelope) {
	switch env.Method {
	case methodNotificationsToolsListChanged:
		go c.refreshAndNotify(c.refreshTools, func() {
			if c.toolListWatcher != nil {
				c.toolListWatcher.OnToolListChanged()
			}
		})
	case methodNotificationsResourcesListChanged:
		go c.refreshAndNotify(c.refreshResources, func() {
			if c.resourceListWatcher != nil {
				c.resourceListWatcher.OnResourceListChanged()
			}
		})
	case methodNotificationsPromptsListChanged:
		go c.refreshAndNotify(c.refreshPrompts, func() {
			if c.promptListWatcher != nil {
				c.promptListWatcher.OnPromptListChanged()
			}
		})
	case methodNotificationsResourcesUpdated:
		var params resourceURIParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal resource update", "err", err)
			return
		}
		if c.resourceSubscribedWatcher != nil {
			c.resourceSubscribedWatcher.OnResourceSubscribedChanged(params.URI)
		}
	case methodLoggingMessage:
		var params LogParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal log message", "err", err)
			return
		}
		if c.logReceiver != nil {
			c.logReceiver.OnLog(params)
		}
	default:
		if env.Method != "" {
			c.logger.Debug("unhandled notification", "method", env.Method)
		}
	}
}

func (c *Client) refreshAndNotify(refresh func(context.Context) error, notify func()) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	if err := refresh(ctx); err != nil {
		c.logger.Warn("failed to refresh catalog", "err", err)
		return
	}
	notify()
}

// handleState resets session state when the connection drops so stale
// catalogs and identity never outlive the connection that produced them.
func (c *Client) handleState(state ConnState) {
	if state == StateDisconnected || state == StateError {
		c.reset()
	}
	if c.stateWatcher != nil {
		c.stateWatcher.OnConnStateChanged(state)
	}
}

func (c *Client) reset() {
	c.mu.Lock()
	c.initialized = false
	c.serverInfo = Info{}
	c.serverCaps = ServerCapabilities{}
	c.tools = make(map[string]Tool)
	c.resources = make(map[string]Resource)
	c.prompts = make(map[string]Prompt)
	c.mu.Unlock()
}
