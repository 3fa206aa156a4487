package mcp

import (
	"sync"
	"testing"
	"time"
)

func TestLineBufferSplitsFrames(t *testing.T) {
	var lb lineBuffer

	lines := lb.feed([]byte("{\"a\":1}\n{\"b\":2"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 complete line, got %d", len(lines))
	}
	if got := string(lines[0]); got != `{"a":1}` {
		t.Errorf("unexpected line: %s", got)
	}

	lines = lb.feed([]byte("}\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 completed line, got %d", len(lines))
	}
	if got := string(lines[0]); got != `{"b":2}` {
		t.Errorf("partial line not stitched across chunks: %s", got)
	}
}

func TestLineBufferMultipleFramesInOneChunk(t *testing.T) {
	var lb lineBuffer

	lines := lb.feed([]byte("one\ntwo\nthree\n"))
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	want := []string{"one", "two", "three"}
	for i, w := range want {
		if string(lines[i]) != w {
			t.Errorf("line %d: got %q, want %q", i, lines[i], w)
		}
	}
}

func TestLineBufferRetainsTrailingPartial(t *testing.T) {
	var lb lineBuffer

	if lines := lb.feed([]byte("no newline yet")); len(lines) != 0 {
		t.Fatalf("expected no lines, got %d", len(lines))
	}
	lines := lb.feed([]byte(" done\n"))
	if len(lines) != 1 || string(lines[0]) != "no newline yet done" {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestLineBufferLinesDoNotAlias(t *testing.T) {
	var lb lineBuffer

	first := lb.feed([]byte("aaaa\n"))
	lb.feed([]byte("bbbb\n"))
	if got := string(first[0]); got != "aaaa" {
		t.Errorf("earlier line mutated by later feed: %q", got)
	}
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) timerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, timer := range c.timers {
		out[i] = timer.d
	}
	return out
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

func TestSocketReconnectBackoff(t *testing.T) {
	clock := &fakeClock{}
	tr := newTransport(kindSocket, []TransportOption{withClock(clock)})
	conn := &socketConn{
		cfg: SocketConfig{
			ReconnectBaseDelay:   100 * time.Millisecond,
			MaxReconnectAttempts: 3,
		},
		t: tr,
	}
	tr.socket = conn

	for i := 0; i < 5; i++ {
		conn.scheduleReconnect()
	}

	delays := clock.delays()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d scheduled attempts, got %d", len(want), len(delays))
	}
	for i, d := range want {
		if delays[i] != d {
			t.Errorf("attempt %d: delay %s, want %s", i+1, delays[i], d)
		}
	}
}

func TestSocketReconnectStopsAfterDisconnect(t *testing.T) {
	clock := &fakeClock{}
	tr := newTransport(kindSocket, []TransportOption{withClock(clock)})
	conn := &socketConn{
		cfg: SocketConfig{
			ReconnectBaseDelay:   100 * time.Millisecond,
			MaxReconnectAttempts: 3,
		},
		t: tr,
	}
	tr.socket = conn

	if err := conn.disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	conn.scheduleReconnect()

	if n := len(clock.delays()); n != 0 {
		t.Errorf("expected no reconnect attempts after disconnect, got %d", n)
	}
}
