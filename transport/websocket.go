package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/botstreams/errors"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsReadDeadline     = 90 * time.Second
	wsPingInterval     = 30 * time.Second
	wsReconnectMin     = time.Second
	wsReconnectMax     = 30 * time.Second
)

// WebSocketConfig configures the websocket gateway source
type WebSocketConfig struct {
	URL   string
	Token string // sent as a bearer Authorization header when set
}

// WebSocketSource maintains a gateway connection and pumps its frames into
// the sink. The read loop reconnects with exponential backoff until Stop.
type WebSocketSource struct {
	cfg    WebSocketConfig
	sink   Sink
	logger *slog.Logger

	seq     atomic.Uint64
	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWebSocketSource creates a websocket gateway source
func NewWebSocketSource(cfg WebSocketConfig, sink Sink, logger *slog.Logger) (*WebSocketSource, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "WebSocketSource", "NewWebSocketSource", "url validation")
	}
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "WebSocketSource", "NewWebSocketSource", "sink validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketSource{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "WebSocketSource"),
	}, nil
}

// Name implements Source
func (s *WebSocketSource) Name() string { return "websocket" }

// Start launches the connect-and-read loop
func (s *WebSocketSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "WebSocketSource", "Start", "state check")
	}
	s.stopCh = make(chan struct{})
	s.started = true

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop closes the connection and waits for the read loop to exit
func (s *WebSocketSource) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "WebSocketSource", "Stop", "state check")
	}
	close(s.stopCh)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.started = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("websocket source stopped")
	return nil
}

// run owns the reconnect cycle
func (s *WebSocketSource) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := wsReconnectMin
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("gateway dial failed, backing off",
				"url", s.cfg.URL, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > wsReconnectMax {
				backoff = wsReconnectMax
			}
			continue
		}

		backoff = wsReconnectMin
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.logger.Info("gateway connected", "url", s.cfg.URL)

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}
}

func (s *WebSocketSource) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return nil, errors.WrapTransient(err, "WebSocketSource", "dial", "handshake with "+s.cfg.URL)
	}
	return conn, nil
}

// readLoop pumps frames until the connection drops or the source stops
func (s *WebSocketSource) readLoop(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-pingStop:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Warn("gateway read failed, reconnecting", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		event, err := decodeEvent(data, &s.seq)
		if err != nil {
			s.logger.Warn("undecodable frame skipped", "error", err)
			continue
		}
		if err := s.sink.Submit(ctx, event); err != nil {
			s.logger.Warn("event submission failed", "event", event.ID, "error", err)
		}
	}
}
