package mcp

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestSSERepeatedEndpointEventsDoNotWedge(t *testing.T) {
	stream := strings.Repeat("event: endpoint\ndata: /messages\n\n", 3) +
		"event: message\ndata: {\"protocolVersion\":\"2.0\",\"method\":\"noop\"}\n\n"

	transport := NewSSETransport(SSEConfig{URL: "http://server.test/events"})
	t.Cleanup(func() { transport.Close() })
	conn := transport.sse
	conn.t = transport

	ready := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.listen(io.NopCloser(strings.NewReader(stream)), ready)
	}()

	select {
	case err := <-ready:
		if err != nil {
			t.Fatalf("endpoint handshake: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint event never signalled")
	}

	// Re-announced endpoints have no waiter; the reader must drain the rest
	// of the stream instead of blocking on the handshake channel.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream reader stalled on a repeated endpoint event")
	}

	conn.mu.Lock()
	got := conn.messageURL
	conn.mu.Unlock()
	if want := "http://server.test/messages"; got != want {
		t.Errorf("message URL = %q, want %q", got, want)
	}
}
