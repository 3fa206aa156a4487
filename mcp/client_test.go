package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/arkadyne/agentwire/mcp"
)

// fakeServer speaks the server side of the protocol over pipes: it answers
// the handshake, serves catalogs from its fields, and can push
// notifications.
type fakeServer struct {
	t *testing.T

	mu        sync.Mutex
	w         *io.PipeWriter
	caps      mcp.ServerCapabilities
	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt

	failPrompts bool
	methods     []string
}

func newFakeServer(t *testing.T, caps mcp.ServerCapabilities) (*mcp.Client, *fakeServer) {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	server := &fakeServer{t: t, w: serverW, caps: caps}
	go server.run(serverR)

	transport := mcp.NewPipeTransport(clientR, clientW)
	client := mcp.NewClient(mcp.Info{Name: "test-host", Version: "0.0.1"}, transport,
		mcp.WithRequestTimeout(2*time.Second))
	t.Cleanup(func() { client.Close() })

	return client, server
}

func (s *fakeServer) run(r *io.PipeReader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var env mcp.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			s.t.Errorf("server received malformed frame: %v", err)
			continue
		}
		s.handle(env)
	}
}

func (s *fakeServer) handle(env mcp.Envelope) {
	s.mu.Lock()
	s.methods = append(s.methods, env.Method)
	s.mu.Unlock()

	switch env.Method {
	case mcp.MethodInitialize:
		s.reply(env.ID, map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities":    s.caps,
			"serverInfo":      mcp.Info{Name: "fake", Version: "1.0.0"},
		})
	case mcp.MethodPing:
		s.reply(env.ID, map[string]any{})
	case mcp.MethodToolsList:
		s.mu.Lock()
		tools := append([]mcp.Tool(nil), s.tools...)
		s.mu.Unlock()
		s.reply(env.ID, map[string]any{"tools": tools})
	case mcp.MethodResourcesList:
		s.mu.Lock()
		resources := append([]mcp.Resource(nil), s.resources...)
		s.mu.Unlock()
		s.reply(env.ID, map[string]any{"resources": resources})
	case mcp.MethodPromptsList:
		s.mu.Lock()
		fail := s.failPrompts
		prompts := append([]mcp.Prompt(nil), s.prompts...)
		s.mu.Unlock()
		if fail {
			s.replyError(env.ID, -32603, "prompt backend unavailable")
			return
		}
		s.reply(env.ID, map[string]any{"prompts": prompts})
	case mcp.MethodToolsCall:
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(env.Params, &params)
		s.reply(env.ID, mcp.CallToolResult{
			Content: []mcp.Content{{Type: "text", Text: "ran " + params.Name}},
		})
	case mcp.MethodResourcesRead:
		var params struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(env.Params, &params)
		s.reply(env.ID, mcp.ReadResourceResult{
			Contents: []mcp.ResourceContents{{URI: params.URI, Text: "contents"}},
		})
	case mcp.MethodPromptsGet:
		s.reply(env.ID, mcp.GetPromptResult{
			Messages: []mcp.PromptMessage{{Role: "user", Content: mcp.Content{Type: "text", Text: "hello"}}},
		})
	case mcp.MethodResourcesSubscribe, mcp.MethodResourcesUnsubscribe, mcp.MethodLoggingSetLevel:
		s.reply(env.ID, map[string]any{})
	case "notifications/initialized":
		// no reply
	default:
		if env.ID != "" {
			s.replyError(env.ID, -32601, "method not found")
		}
	}
}

func (s *fakeServer) reply(id mcp.RequestID, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.t.Errorf("marshal result: %v", err)
		return
	}
	s.write(mcp.Envelope{ProtocolVersion: mcp.WireVersion, ID: id, Result: raw})
}

func (s *fakeServer) replyError(id mcp.RequestID, code int, message string) {
	s.write(mcp.Envelope{
		ProtocolVersion: mcp.WireVersion,
		ID:              id,
		Error:           &mcp.ErrorObject{Code: code, Message: message},
	})
}

func (s *fakeServer) notify(method string, params any) {
	env := mcp.Envelope{ProtocolVersion: mcp.WireVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			s.t.Errorf("marshal params: %v", err)
			return
		}
		env.Params = raw
	}
	s.write(env)
}

func (s *fakeServer) write(env mcp.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.t.Errorf("marshal envelope: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		s.t.Logf("server write: %v", err)
	}
}

func (s *fakeServer) setTools(tools []mcp.Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
}

func allCaps() mcp.ServerCapabilities {
	return mcp.ServerCapabilities{
		Tools:     &mcp.ToolsCapability{ListChanged: true},
		Resources: &mcp.ResourcesCapability{Subscribe: true, ListChanged: true},
		Prompts:   &mcp.PromptsCapability{ListChanged: true},
	}
}

type toolWatcher struct {
	changed chan struct{}
}

func (w *toolWatcher) OnToolListChanged() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

func TestClientConnectHandshake(t *testing.T) {
	client, server := newFakeServer(t, allCaps())
	server.setTools([]mcp.Tool{{Name: "search"}, {Name: "fetch"}})
	server.mu.Lock()
	server.resources = []mcp.Resource{{URI: "file:///a.txt", Name: "a"}}
	server.prompts = []mcp.Prompt{{Name: "summarize"}}
	server.mu.Unlock()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !client.Initialized() {
		t.Error("client not initialized after connect")
	}
	if info := client.ServerInfo(); info.Name != "fake" || info.Version != "1.0.0" {
		t.Errorf("unexpected server info: %+v", info)
	}
	if tools := client.Tools(); len(tools) != 2 || tools[0].Name != "fetch" || tools[1].Name != "search" {
		t.Errorf("unexpected tool catalog: %+v", tools)
	}
	if !client.HasResource("file:///a.txt") {
		t.Error("resource catalog not populated")
	}
	if !client.HasPrompt("summarize") {
		t.Error("prompt catalog not populated")
	}
}

func TestClientOperationsBeforeConnect(t *testing.T) {
	client, _ := newFakeServer(t, allCaps())

	_, err := client.CallTool(context.Background(), "search", nil)
	if !errors.Is(err, mcp.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientCapabilityGating(t *testing.T) {
	client, _ := newFakeServer(t, mcp.ServerCapabilities{
		Tools: &mcp.ToolsCapability{},
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := client.ListPrompts(context.Background()); !errors.Is(err, mcp.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported for prompts, got %v", err)
	}
	if err := client.SubscribeResource(context.Background(), "file:///a.txt"); !errors.Is(err, mcp.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported for subscriptions, got %v", err)
	}
	if _, err := client.ListTools(context.Background()); err != nil {
		t.Errorf("tools should be supported: %v", err)
	}
}

func TestClientCatalogFailureIsolated(t *testing.T) {
	client, server := newFakeServer(t, allCaps())
	server.setTools([]mcp.Tool{{Name: "search"}})
	server.mu.Lock()
	server.failPrompts = true
	server.mu.Unlock()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect should survive a single catalog failure: %v", err)
	}

	if !client.HasTool("search") {
		t.Error("tool catalog should be populated despite prompt failure")
	}
	if prompts := client.Prompts(); len(prompts) != 0 {
		t.Errorf("prompt catalog should be empty after failed refresh, got %+v", prompts)
	}
}

func TestClientCallTool(t *testing.T) {
	client, server := newFakeServer(t, allCaps())
	server.setTools([]mcp.Tool{{Name: "search"}})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	res, err := client.CallTool(context.Background(), "search", map[string]any{"query": "go"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "ran search" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestClientReadResourceAndGetPrompt(t *testing.T) {
	client, server := newFakeServer(t, allCaps())
	server.mu.Lock()
	server.resources = []mcp.Resource{{URI: "file:///a.txt", Name: "a"}}
	server.prompts = []mcp.Prompt{{Name: "summarize"}}
	server.mu.Unlock()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	res, err := client.ReadResource(context.Background(), "file:///a.txt")
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	if len(res.Contents) != 1 || res.Contents[0].Text != "contents" {
		t.Errorf("unexpected contents: %+v", res)
	}

	prompt, err := client.GetPrompt(context.Background(), "summarize", map[string]string{"text": "x"})
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if len(prompt.Messages) != 1 {
		t.Errorf("unexpected prompt result: %+v", prompt)
	}
}

func TestClientServerError(t *testing.T) {
	client, server := newFakeServer(t, allCaps())
	server.mu.Lock()
	server.failPrompts = true
	server.mu.Unlock()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := client.ListPrompts(context.Background())
	var serverErr *mcp.ErrorObject
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected *ErrorObject, got %v", err)
	}
	if serverErr.Code != -32603 {
		t.Errorf("unexpected error code %d", serverErr.Code)
	}
}

func TestClientListChangedRefresh(t *testing.T) {
	watcher := &toolWatcher{changed: make(chan struct{}, 1)}

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	server := &fakeServer{t: t, w: serverW, caps: allCaps()}
	server.setTools([]mcp.Tool{{Name: "search"}})
	go server.run(serverR)

	transport := mcp.NewPipeTransport(clientR, clientW)
	client := mcp.NewClient(mcp.Info{Name: "test-host", Version: "0.0.1"}, transport,
		mcp.WithRequestTimeout(2*time.Second),
		mcp.WithToolListWatcher(watcher))
	t.Cleanup(func() { client.Close() })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !client.HasTool("search") {
		t.Fatal("initial catalog missing")
	}

	server.setTools([]mcp.Tool{{Name: "search"}, {Name: "translate"}})
	server.notify("notifications/tools/list_changed", nil)

	select {
	case <-watcher.changed:
	case <-time.After(2 * time.Second):
		t.Fatal("tool list watcher never fired")
	}
	if !client.HasTool("translate") {
		t.Error("catalog not refreshed before watcher fired")
	}
}

func TestClientDisconnectResetsSession(t *testing.T) {
	client, server := newFakeServer(t, allCaps())
	server.setTools([]mcp.Tool{{Name: "search"}})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if client.Initialized() {
		t.Error("client still initialized after disconnect")
	}
	if info := client.ServerInfo(); info != (mcp.Info{}) {
		t.Errorf("server info not cleared: %+v", info)
	}
	if tools := client.Tools(); len(tools) != 0 {
		t.Errorf("tool catalog not cleared: %+v", tools)
	}
	if _, err := client.CallTool(context.Background(), "search", nil); !errors.Is(err, mcp.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}
}
