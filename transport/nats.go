package transport

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/botstreams/errors"
)

// NATSConfig configures the NATS subject source
type NATSConfig struct {
	URL     string
	Subject string
	// Queue joins a queue group so multiple runtime instances share the
	// subject. Empty means every instance sees every event.
	Queue string
}

// NATSSource subscribes to a subject and submits each message as an event.
// Reconnection is delegated to the NATS client, which retries forever.
type NATSSource struct {
	cfg    NATSConfig
	sink   Sink
	logger *slog.Logger

	conn    *nats.Conn
	sub     *nats.Subscription
	seq     atomic.Uint64
	started bool
}

// NewNATSSource creates a NATS subject source
func NewNATSSource(cfg NATSConfig, sink Sink, logger *slog.Logger) (*NATSSource, error) {
	if cfg.URL == "" || cfg.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSSource", "NewNATSSource", "config validation")
	}
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSSource", "NewNATSSource", "sink validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSource{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "NATSSource", "subject", cfg.Subject),
	}, nil
}

// Name implements Source
func (s *NATSSource) Name() string { return "nats:" + s.cfg.Subject }

// Start connects and subscribes
func (s *NATSSource) Start(ctx context.Context) error {
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "NATSSource", "Start", "state check")
	}

	conn, err := nats.Connect(s.cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "NATSSource", "Start", "connect to "+s.cfg.URL)
	}

	handler := func(msg *nats.Msg) {
		event, err := decodeEvent(msg.Data, &s.seq)
		if err != nil {
			s.logger.Warn("undecodable message skipped", "error", err)
			return
		}
		if err := s.sink.Submit(ctx, event); err != nil {
			s.logger.Warn("event submission failed", "event", event.ID, "error", err)
		}
	}

	var sub *nats.Subscription
	if s.cfg.Queue != "" {
		sub, err = conn.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, handler)
	} else {
		sub, err = conn.Subscribe(s.cfg.Subject, handler)
	}
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "NATSSource", "Start", "subscribe to "+s.cfg.Subject)
	}

	s.conn = conn
	s.sub = sub
	s.started = true
	s.logger.Info("nats source started", "url", s.cfg.URL, "queue", s.cfg.Queue)
	return nil
}

// Stop drains the subscription and closes the connection
func (s *NATSSource) Stop() error {
	if !s.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "NATSSource", "Stop", "state check")
	}
	if err := s.sub.Drain(); err != nil {
		s.logger.Warn("subscription drain failed", "error", err)
	}
	s.conn.Close()
	s.started = false
	s.logger.Info("nats source stopped")
	return nil
}
