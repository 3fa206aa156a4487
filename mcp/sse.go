package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// SSEConfig describes a Server-Sent Events connection to a server. Inbound
// traffic arrives on the event stream; outbound messages are POSTed to the
// endpoint URL the server announces as its first event.
type SSEConfig struct {
	// URL is the event stream endpoint.
	URL string
	// Headers are sent with the stream request and every POST.
	Headers map[string]string
	// HandshakeTimeout bounds the wait for the server's endpoint event.
	// Zero means defaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// HTTPClient overrides the client used for the stream and for POSTs.
	HTTPClient *http.Client
}

// NewSSETransport creates a transport that receives envelopes as SSE
// "message" events and sends them via HTTP POST.
func NewSSETransport(cfg SSEConfig, options ...TransportOption) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	t := newTransport(kindSSE, options)
	t.sse = &sseConn{cfg: cfg}
	return t
}

// sseConn is the SSE side of the transport sum type.
type sseConn struct {
	cfg SSEConfig
	t   *Transport

	mu         sync.Mutex
	messageURL string
	cancel     context.CancelFunc
	stopping   bool
}

func (s *sseConn) connect(ctx context.Context, t *Transport) error {
	s.t = t

	// The stream outlives Connect, so it gets its own lifetime context that
	// Disconnect cancels.
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.stopping = false
	s.mu.Unlock()

	endpointReady := make(chan error, 1)
	go s.listen(resp.Body, endpointReady)

	// The server must announce the message endpoint before the transport is
	// usable; without it there is nowhere to POST requests.
	select {
	case err := <-endpointReady:
		if err != nil {
			cancel()
			return err
		}
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-time.After(s.cfg.HandshakeTimeout):
		cancel()
		return errors.New("timed out waiting for endpoint event")
	}
}

// listen consumes the event stream until it ends. The first "endpoint" event
// carries the POST URL; every "message" event carries one envelope.
func (s *sseConn) listen(body io.ReadCloser, endpointReady chan<- error) {
	defer body.Close()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			s.handleStreamEnd(err)
			return
		}

		switch ev.Type {
		case "endpoint":
			// Only the first endpoint event has a waiter; later ones just
			// update the POST target, so the send must never block.
			messageURL, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				select {
				case endpointReady <- err:
				default:
				}
				return
			}
			s.mu.Lock()
			s.messageURL = messageURL
			s.mu.Unlock()
			select {
			case endpointReady <- nil:
			default:
			}
		case "message":
			var env Envelope
			if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
				s.t.logger.Warn("dropping malformed event", "err", err)
				continue
			}
			s.t.handleEnvelope(env)
		default:
			s.t.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}
	s.handleStreamEnd(nil)
}

func (s *sseConn) handleStreamEnd(err error) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping || s.t.isClosed() {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.t.emitError(fmt.Errorf("stream lost: %w", err))
	}
	s.t.setState(StateDisconnected)
}

// resolveEndpoint validates the announced endpoint URL, resolving a relative
// path against the stream URL.
func (s *sseConn) resolveEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if u.String() == "" {
		return "", errors.New("empty endpoint URL")
	}
	if !u.IsAbs() {
		base, err := url.Parse(s.cfg.URL)
		if err != nil {
			return "", fmt.Errorf("failed to parse stream URL: %w", err)
		}
		u = base.ResolveReference(u)
	}
	return u.String(), nil
}

func (s *sseConn) send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	messageURL := s.messageURL
	s.mu.Unlock()
	if messageURL == "" {
		return ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (s *sseConn) disconnect() error {
	s.mu.Lock()
	s.stopping = true
	cancel := s.cancel
	s.cancel = nil
	s.messageURL = ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}
