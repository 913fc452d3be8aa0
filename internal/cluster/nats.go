// ABOUTME: NATS bus forwarding room broadcasts between gateway nodes
// ABOUTME: Each node publishes its broadcasts and delivers frames from other nodes locally

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/chat-gateway/internal/rooms"
)

// Config holds NATS connection settings
type Config struct {
	URL           string
	Subject       string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DeliverFunc hands an envelope from another node to local connections.
type DeliverFunc func(env rooms.Envelope) int

// Bus publishes and receives room envelopes over a single NATS subject.
type Bus struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	nodeID  string
	logger  *slog.Logger
}

// NewBus connects to NATS. Call Start to begin receiving.
func NewBus(cfg Config, nodeID string, logger *slog.Logger) (*Bus, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = "chat.rooms"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cluster")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return &Bus{nc: nc, subject: cfg.Subject, nodeID: nodeID, logger: logger}, nil
}

// Publish stamps the envelope with this node's ID and sends it.
func (b *Bus) Publish(_ context.Context, env rooms.Envelope) error {
	env.Origin = b.nodeID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publishing envelope: %w", err)
	}
	return nil
}

// Start subscribes and delivers envelopes from other nodes.
func (b *Bus) Start(deliver DeliverFunc) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		b.handle(msg.Data, deliver)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.subject, err)
	}
	b.sub = sub
	b.logger.Info("cluster bus started", "subject", b.subject, "node_id", b.nodeID)
	return nil
}

func (b *Bus) handle(data []byte, deliver DeliverFunc) {
	env, ok := decodeEnvelope(data, b.nodeID)
	if !ok {
		b.logger.Debug("ignored cluster frame", "bytes", len(data))
		return
	}
	deliver(env)
}

// decodeEnvelope parses a frame and reports false for malformed frames and
// frames this node published itself.
func decodeEnvelope(data []byte, nodeID string) (rooms.Envelope, bool) {
	var env rooms.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, false
	}
	if env.Origin == nodeID {
		return env, false
	}
	if !env.All && env.Room == "" {
		return env, false
	}
	return env, true
}

// Close drains the subscription and the connection.
func (b *Bus) Close() error {
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	return b.nc.Drain()
}

var _ rooms.Publisher = (*Bus)(nil)
