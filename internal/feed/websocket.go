package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tathienbao/stgeng/internal/metrics"
)

// WebsocketConfig configures a websocket client source.
type WebsocketConfig struct {
	Name         string
	URL          string
	Headers      map[string]string
	Subscribe    []string // topics sent in a subscribe request after every connect
	PingInterval time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// subscribeRequest is sent to the server after connecting.
type subscribeRequest struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
}

// WebsocketSource reads envelopes from a websocket server and reconnects with backoff when the connection drops.
type WebsocketSource struct {
	cfg      WebsocketConfig
	sink     Sink
	logger   *slog.Logger
	recorder *metrics.Recorder
	dialer   *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketSource creates a websocket source.
func NewWebsocketSource(cfg WebsocketConfig, sink Sink, logger *slog.Logger) (*WebsocketSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket feed %q needs a url", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "ws:" + cfg.URL
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &WebsocketSource{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		dialer:   websocket.DefaultDialer,
	}, nil
}

// Name returns the feed identifier.
func (s *WebsocketSource) Name() string {
	return s.cfg.Name
}

// Run connects, reads until the connection fails and reconnects until ctx is done.
func (s *WebsocketSource) Run(ctx context.Context) error {
	backoff := s.cfg.ReconnectMin
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.cfg.ReconnectMin
		}
		s.logger.Warn("websocket feed disconnected", "feed", s.cfg.Name, "err", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.cfg.ReconnectMax)
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (s *WebsocketSource) session(ctx context.Context) (connected bool, err error) {
	header := make(http.Header)
	for k, v := range s.cfg.Headers {
		header.Set(k, v)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			s.logger.Error("websocket connect failed", "feed", s.cfg.Name, "status", resp.Status, "err", err)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	s.setConn(conn)
	s.recorder.RecordFeedStatus(s.cfg.Name, true)
	s.logger.Info("websocket feed connected", "feed", s.cfg.Name, "url", s.cfg.URL)

	defer func() {
		s.setConn(nil)
		conn.Close()
		s.recorder.RecordFeedStatus(s.cfg.Name, false)
	}()

	if len(s.cfg.Subscribe) > 0 {
		if err := s.write(func(c *websocket.Conn) error {
			return c.WriteJSON(subscribeRequest{Op: "subscribe", Topics: s.cfg.Subscribe})
		}); err != nil {
			return true, fmt.Errorf("subscribe: %w", err)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.pinger(stop)

	// unblock ReadMessage when ctx is done
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, errors.New("closed by server")
			}
			return true, fmt.Errorf("read: %w", err)
		}
		s.handle(ctx, data)
	}
}

func (s *WebsocketSource) handle(ctx context.Context, data []byte) {
	err := Deliver(ctx, s.sink, data)
	switch {
	case err == nil:
		s.recorder.RecordFeedMessage(s.cfg.Name, "ok")
	case errors.Is(err, ErrBadEnvelope):
		s.logger.Warn("websocket message skipped", "feed", s.cfg.Name, "err", err)
		s.recorder.RecordFeedMessage(s.cfg.Name, "bad_envelope")
	default:
		s.logger.Warn("websocket message not published", "feed", s.cfg.Name, "err", err)
		s.recorder.RecordFeedMessage(s.cfg.Name, "rejected")
	}
}

func (s *WebsocketSource) pinger(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := s.write(func(c *websocket.Conn) error {
				return c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			})
			if err != nil {
				s.logger.Warn("websocket ping failed", "feed", s.cfg.Name, "err", err)
				return
			}
		}
	}
}

// write serializes writers; gorilla connections allow one concurrent writer.
func (s *WebsocketSource) write(fn func(*websocket.Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	return fn(s.conn)
}

func (s *WebsocketSource) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// Close closes the current connection. Run reconnects unless its context is done.
func (s *WebsocketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
