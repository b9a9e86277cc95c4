package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
)

// NatsConfig holds NATS connection settings.
type NatsConfig struct {
	URL     string
	Name    string
	Timeout time.Duration
	Logger  *logger.Logger
}

// NatsBus publishes events as JSON on NATS subjects named after the topic.
type NatsBus struct {
	conn   *nats.Conn
	log    *logger.Logger
	closed atomic.Bool

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNatsBus connects to a NATS server.
func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "rice-eval-bus"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to connect to nats", err)
	}

	return NewNatsBusFromConn(conn, cfg.Logger), nil
}

// NewNatsBusFromConn wraps an existing connection. The bus owns conn.
func NewNatsBusFromConn(conn *nats.Conn, log *logger.Logger) *NatsBus {
	return &NatsBus{conn: conn, log: logger.OrDefault(log)}
}

// Publish publishes an event to a NATS subject.
func (b *NatsBus) Publish(ctx context.Context, topic string, event Event) error {
	if b.closed.Load() {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to marshal event", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to publish to nats", err)
	}
	return nil
}

// Subscribe registers a handler for events on a NATS subject.
func (b *NatsBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.closed.Load() {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Warn("Dropping undecodable nats message", "subject", msg.Subject, "error", err.Error())
			return
		}
		if err := handler(context.Background(), event); err != nil {
			b.log.Warn("Event handler failed", "topic", topic, "event_id", event.ID, "error", err.Error())
		}
	})
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to subscribe to nats", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *NatsBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn("Failed to drain nats subscription", "subject", sub.Subject, "error", err.Error())
		}
	}
	if err := b.conn.Flush(); err != nil && b.conn.IsConnected() {
		b.log.Warn("Failed to flush nats connection", "error", err.Error())
	}
	b.conn.Close()
	return nil
}
