package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSocketAdoptRefusedAfterDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	transport := NewSocketTransport(SocketConfig{URL: url})
	t.Cleanup(func() { transport.Close() })
	conn := transport.socket
	conn.t = transport

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := conn.dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if !conn.adopt(ws) {
		t.Fatal("adopt refused a connection on a live transport")
	}

	if err := conn.disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	// A dial that was in flight when disconnect ran must not be installed.
	late, err := conn.dial(ctx)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	if conn.adopt(late) {
		t.Error("adopt installed a connection dialed across a disconnect")
	}
	_ = late.Close()

	conn.mu.Lock()
	got := conn.ws
	conn.mu.Unlock()
	if got != nil {
		t.Error("disconnected transport holds a live websocket")
	}
}
