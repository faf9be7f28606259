package messaging

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// RoomHandler receives a room event. exclude is the connection id that must
// be skipped, or empty.
type RoomHandler func(roomKey string, data []byte, exclude string)

// Bus fans room events out to every server instance holding members of the
// room.
type Bus interface {
	PublishRoom(roomKey string, data []byte, exclude string) error
	SubscribeRooms(handler RoomHandler) error
	Close()
}

// ---------------------------------------------------------------------------
// NATS-backed bus
// ---------------------------------------------------------------------------

// NATSBus publishes room events on room.<key>.
type NATSBus struct {
	client *NATSClient
}

// NewNATSBus wraps a connected client.
func NewNATSBus(client *NATSClient) *NATSBus {
	return &NATSBus{client: client}
}

// PublishRoom publishes data for roomKey. The excluded connection travels in
// a header so the payload stays the exact frame sent to clients.
func (b *NATSBus) PublishRoom(roomKey string, data []byte, exclude string) error {
	msg := nats.NewMsg(RoomSubject(roomKey))
	msg.Data = data
	if exclude != "" {
		msg.Header.Set(HeaderExclude, exclude)
	}
	if err := b.client.PublishMsg(msg); err != nil {
		return fmt.Errorf("messaging: publish room %s: %w", roomKey, err)
	}
	return nil
}

// SubscribeRooms subscribes to every room subject, replacing an earlier
// handler.
func (b *NATSBus) SubscribeRooms(handler RoomHandler) error {
	_ = b.client.Unsubscribe(SubjectAllRoom)
	return b.client.Subscribe(SubjectAllRoom, func(msg *nats.Msg) {
		key, ok := RoomFromSubject(msg.Subject)
		if !ok {
			return
		}
		var exclude string
		if msg.Header != nil {
			exclude = msg.Header.Get(HeaderExclude)
		}
		handler(key, msg.Data, exclude)
	})
}

// Close drains the underlying client.
func (b *NATSBus) Close() {
	b.client.Close()
}

// ---------------------------------------------------------------------------
// In-process bus
// ---------------------------------------------------------------------------

// LocalBus delivers room events synchronously to handlers in this process.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []RoomHandler
	closed   bool
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// PublishRoom calls every subscribed handler in order.
func (b *LocalBus) PublishRoom(roomKey string, data []byte, exclude string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("messaging: local bus closed")
	}
	handlers := make([]RoomHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(roomKey, data, exclude)
	}
	return nil
}

// SubscribeRooms adds a handler.
func (b *LocalBus) SubscribeRooms(handler RoomHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("messaging: local bus closed")
	}
	b.handlers = append(b.handlers, handler)
	return nil
}

// Close drops all handlers; later publishes fail.
func (b *LocalBus) Close() {
	b.mu.Lock()
	b.handlers = nil
	b.closed = true
	b.mu.Unlock()
}
