package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// StdioConfig describes how to spawn the server subprocess for a stdio
// transport.
type StdioConfig struct {
	// Command is the executable to spawn.
	Command string
	// Args are passed to the executable verbatim.
	Args []string
	// Env entries are overlaid on top of the parent environment.
	Env map[string]string
	// Dir is the working directory for the subprocess. Empty means inherit.
	Dir string
}

const (
	// spawnGrace is how long Connect watches a freshly spawned process for an
	// immediate exit before declaring the transport connected.
	spawnGrace = 250 * time.Millisecond
	// stopGrace is how long Disconnect waits for the process to exit after
	// closing its stdin before killing it.
	stopGrace = 500 * time.Millisecond
)

// NewStdioTransport creates a transport that spawns cfg.Command and frames
// envelopes as newline-delimited JSON over the child's standard streams.
func NewStdioTransport(cfg StdioConfig, options ...TransportOption) *Transport {
	t := newTransport(kindStdio, options)
	t.stdio = &stdioConn{cfg: cfg}
	return t
}

// NewPipeTransport runs the stdio framing over caller-supplied streams
// instead of spawning a process, for hosts that already own the server
// process. Disconnecting closes w when it implements io.Closer.
func NewPipeTransport(r io.Reader, w io.Writer, options ...TransportOption) *Transport {
	t := newTransport(kindStdio, options)
	t.stdio = &stdioConn{reader: r, writer: w}
	return t
}

// stdioConn is the stdio side of the transport sum type. Either cmd/stdin are
// set (spawned mode) or reader/writer are (pipe mode).
type stdioConn struct {
	cfg    StdioConfig
	reader io.Reader
	writer io.Writer

	cmd         *exec.Cmd
	stdin       io.WriteCloser
	exited      chan struct{}
	waitErr     error
	stopping    atomic.Bool
	pipeStarted bool

	writeMu sync.Mutex
}

func (s *stdioConn) connect(ctx context.Context, t *Transport) error {
	// A reconnect on the same transport must re-arm exit and read-error
	// detection, which the previous disconnect suppressed.
	s.stopping.Store(false)

	if s.reader != nil {
		if !s.pipeStarted {
			s.pipeStarted = true
			go s.readLoop(t, s.reader)
		}
		return nil
	}

	if s.cfg.Command == "" {
		return errors.New("no command configured")
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range s.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", s.cfg.Command, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.exited = make(chan struct{})

	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	go s.drainStderr(t, stderr)

	// Catch commands that die right away (bad arguments, missing binary
	// deps) so the failure surfaces from Connect instead of as a confusing
	// disconnect moments later.
	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	case <-s.exited:
		if s.waitErr != nil {
			return fmt.Errorf("process exited during startup: %w", s.waitErr)
		}
		return errors.New("process exited during startup")
	case <-time.After(spawnGrace):
	}

	go s.readLoop(t, stdout)
	go s.watchExit(t)
	return nil
}

// watchExit surfaces an unexpected process exit as a disconnection, with an
// error event when the exit status is non-zero.
func (s *stdioConn) watchExit(t *Transport) {
	<-s.exited
	if s.stopping.Load() || t.isClosed() {
		return
	}
	if s.waitErr != nil {
		t.emitError(fmt.Errorf("process exited: %w", s.waitErr))
	}
	t.setState(StateDisconnected)
}

func (s *stdioConn) send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := s.writer
	if s.stdin != nil {
		w = s.stdin
	}
	if w == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (s *stdioConn) disconnect(t *Transport) error {
	s.stopping.Store(true)

	if s.cmd == nil {
		if c, ok := s.writer.(io.Closer); ok {
			_ = c.Close()
		}
		return nil
	}

	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	killed := false
	select {
	case <-s.exited:
	case <-time.After(stopGrace):
		killed = true
		_ = s.cmd.Process.Kill()
		<-s.exited
	}

	// Only a voluntary non-zero exit is worth reporting; the status after a
	// kill is our own doing.
	if !killed && s.waitErr != nil {
		t.emitError(fmt.Errorf("process exited with failure: %w", s.waitErr))
	}
	return nil
}

// readLoop feeds raw chunks into the line buffer and hands every complete
// line to the frame parser. A partial trailing line stays buffered until the
// next chunk arrives.
func (s *stdioConn) readLoop(t *Transport, r io.Reader) {
	buf := make([]byte, 32*1024)
	var frames lineBuffer
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range frames.feed(buf[:n]) {
				s.handleLine(t, line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopping.Load() && !t.isClosed() {
				t.emitError(fmt.Errorf("failed to read from process: %w", err))
			}
			// In spawned mode the exit watcher owns the state transition.
			if s.cmd == nil && !s.stopping.Load() && !t.isClosed() {
				t.setState(StateDisconnected)
			}
			return
		}
	}
}

// handleLine parses one frame. Malformed lines are logged and dropped; they
// must never take down the reader.
func (s *stdioConn) handleLine(t *Transport, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.logger.Warn("dropping malformed frame", "err", err)
		return
	}
	t.handleEnvelope(env)
}

func (s *stdioConn) drainStderr(t *Transport, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// lineBuffer accumulates raw bytes and splits them into newline-terminated
// frames. Bytes after the last newline are retained for the next feed.
type lineBuffer struct {
	rest []byte
}

func (b *lineBuffer) feed(chunk []byte) [][]byte {
	b.rest = append(b.rest, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(b.rest, '\n')
		if i < 0 {
			return lines
		}
		lines = append(lines, append([]byte(nil), b.rest[:i]...))
		b.rest = append(b.rest[:0], b.rest[i+1:]...)
	}
}
