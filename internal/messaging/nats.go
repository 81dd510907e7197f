// Package messaging connects the relay to NATS. The CRUD collaborator
// publishes fan-out events there; the relay subscribes and hands each event
// to the chat hub.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/syncdrax/relay/internal/chat"
)

// NATS subjects consumed by the relay.
const (
	SubjectBroadcast = "relay.broadcast" // payload: a server event, delivered to every online user
	SubjectUsers     = "relay.users"     // payload: chat.Event with explicit user_ids
)

// EventSink accepts collaborator events. *chat.Hub satisfies it.
type EventSink interface {
	Publish(ev chat.Event) error
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client. It fails if the
// initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[nats] disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[nats] reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	logger.Info("[nats] connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for subject, replacing any earlier
// subscription this client held for it.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Unsubscribe()
	}
	return nil
}

// SubscribeEvents feeds both relay subjects into sink. Events the sink
// rejects are logged and discarded.
func (c *NATSClient) SubscribeEvents(sink EventSink) error {
	err := c.Subscribe(SubjectBroadcast, func(msg *nats.Msg) {
		c.deliver(sink, chat.Event{Payload: json.RawMessage(msg.Data)})
	})
	if err != nil {
		return err
	}
	return c.Subscribe(SubjectUsers, func(msg *nats.Msg) {
		var ev chat.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.logger.Warn("[nats] invalid user event", "subject", msg.Subject, "err", err)
			return
		}
		if len(ev.UserIDs) == 0 {
			c.logger.Warn("[nats] user event without user_ids", "subject", msg.Subject)
			return
		}
		c.deliver(sink, ev)
	})
}

func (c *NATSClient) deliver(sink EventSink, ev chat.Event) {
	if err := sink.Publish(ev); err != nil {
		c.logger.Warn("[nats] event rejected", "err", err)
	}
}

// PublishBroadcast publishes a server event for every online user.
func (c *NATSClient) PublishBroadcast(event []byte) error {
	return c.Publish(SubjectBroadcast, event)
}

// PublishToUsers publishes a server event for the listed users.
func (c *NATSClient) PublishToUsers(userIDs []int64, event []byte) error {
	data, err := json.Marshal(chat.Event{UserIDs: userIDs, Payload: event})
	if err != nil {
		return fmt.Errorf("messaging: marshal event: %w", err)
	}
	return c.Publish(SubjectUsers, data)
}

// Flush waits until every published message has been processed by the server.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("[nats] drain failed", "subject", subject, "err", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("[nats] connection drain failed", "err", err)
	}
	c.logger.Info("[nats] client closed")
}
