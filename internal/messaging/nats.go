// Package messaging carries room events between chat server instances. With
// NATS configured every instance publishes room events to room.<key> and
// subscribes to room.>; without it an in-process bus delivers directly.
package messaging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS subjects used by the chat servers.
const (
	SubjectRoom    = "room"   // + .<room_key>
	SubjectAllRoom = "room.>" // every room event

	// HeaderExclude names the connection that must not receive the event.
	HeaderExclude = "Parley-Exclude-Conn"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger zerolog.Logger
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
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	logger = logger.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishMsg sends a message with headers.
func (c *NATSClient) PublishMsg(msg *nats.Msg) error {
	return c.conn.PublishMsg(msg)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("messaging: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("connection drain")
	}
}

// RoomSubject returns the subject carrying events for roomKey.
func RoomSubject(roomKey string) string {
	return SubjectRoom + "." + roomKey
}

// RoomFromSubject extracts the room key from a room.<key> subject.
func RoomFromSubject(subject string) (string, bool) {
	key, ok := strings.CutPrefix(subject, SubjectRoom+".")
	if !ok || key == "" {
		return "", false
	}
	return key, true
}
