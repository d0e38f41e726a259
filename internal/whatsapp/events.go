package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// EventHandler receives gateway events. *Bridge implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *Event)
}

// StreamConfig configures the websocket event stream.
type StreamConfig struct {
	// URL is the gateway root, the same one the REST client uses.
	URL     string
	APIKey  string
	Session string
	Logger  *slog.Logger

	// InitialDelay and MaxDelay bound the reconnect backoff
	// (defaults 2s and 60s).
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Stream receives inbound events over the gateway websocket, an
// alternative to the webhook for deployments the gateway cannot reach.
type Stream struct {
	cfg     StreamConfig
	handler EventHandler
	logger  *slog.Logger
}

// NewStream creates an event stream delivering to handler.
func NewStream(cfg StreamConfig, handler EventHandler) *Stream {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	return &Stream{cfg: cfg, handler: handler, logger: logger.With("component", "waha_ws")}
}

// streamURL converts the gateway root to the websocket endpoint.
func (s *Stream) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(s.cfg.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse gateway URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/ws"

	q := url.Values{}
	q.Set("session", s.cfg.Session)
	q.Set("events", EventMessage)
	if s.cfg.APIKey != "" {
		q.Set("x-api-key", s.cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and delivers events until ctx is cancelled, reconnecting
// with exponential backoff after every failure. A connection that
// delivered at least one event resets the backoff.
func (s *Stream) Run(ctx context.Context) error {
	endpoint, err := s.streamURL()
	if err != nil {
		return err
	}

	delay := s.cfg.InitialDelay
	for {
		delivered, err := s.session(ctx, endpoint)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			delay = s.cfg.InitialDelay
		}
		s.logger.Warn("event stream disconnected", "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, s.cfg.MaxDelay)
	}
}

// session runs one connection until it fails. It reports whether any
// event was delivered.
func (s *Stream) session(ctx context.Context, endpoint string) (bool, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("dial event stream: unauthorized: %w", err)
		}
		return false, fmt.Errorf("dial event stream: %w", err)
	}
	s.logger.Info("event stream connected", "session", s.cfg.Session)

	// Unblock ReadJSON on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	delivered := false
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return delivered, errors.New("closed by gateway")
			}
			return delivered, fmt.Errorf("read event: %w", err)
		}
		if s.cfg.Session != "" && ev.Session != "" && ev.Session != s.cfg.Session {
			continue
		}
		delivered = true
		s.handler.HandleEvent(ctx, &ev)
	}
}
