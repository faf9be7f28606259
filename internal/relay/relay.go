// Package relay delivers live chat events to the connections joined to a
// room. It owns the presence registry and the room router; delivery is
// fire-and-forget and never waits for persistence.
package relay

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/room"
)

// Sender writes frames to local connections.
type Sender interface {
	SendMessage(connID string, data []byte) error
	ConnectionIDs() []string
}

// Relay fans events out to room members through the bus. Every instance
// subscribes to the bus and writes to its own local members.
type Relay struct {
	presence *presence.Registry
	rooms    *room.Router
	bus      messaging.Bus
	logger   zerolog.Logger

	mu     sync.RWMutex
	sender Sender
}

// New creates a Relay publishing through bus.
func New(bus messaging.Bus, logger zerolog.Logger) *Relay {
	return &Relay{
		presence: presence.NewRegistry(),
		rooms:    room.NewRouter(),
		bus:      bus,
		logger:   logger.With().Str("component", "relay").Logger(),
	}
}

// Attach sets the local sender and subscribes to room events. It supports
// the initialisation order where the transport is built after the handlers
// that use the relay.
func (r *Relay) Attach(sender Sender) error {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()

	if err := r.bus.SubscribeRooms(r.deliver); err != nil {
		return fmt.Errorf("relay: subscribe rooms: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

// Online binds userID to connID and broadcasts the new online set to every
// local connection.
func (r *Relay) Online(userID, connID string) error {
	if !message.ValidUserID(userID) {
		return fmt.Errorf("relay: online: %w: %q", message.ErrInvalidUser, userID)
	}
	online := r.presence.SetOnline(userID, connID)
	metrics.OnlineUsers.Set(float64(len(online)))

	r.logger.Debug().Str("user_id", userID).Str("conn_id", connID).Int("online", len(online)).Msg("user online")
	r.broadcastOnline(online)
	return nil
}

// Disconnect removes every trace of connID: its rooms and, when it still
// holds the user's binding, the user's presence. The online set is
// rebroadcast only when presence changed.
func (r *Relay) Disconnect(connID string) {
	for range r.rooms.LeaveAll(connID) {
		metrics.ActiveRooms.Dec()
	}

	userID, removed, online := r.presence.RemoveByConn(connID)
	if !removed {
		return
	}
	metrics.OnlineUsers.Set(float64(len(online)))

	r.logger.Debug().Str("user_id", userID).Str("conn_id", connID).Int("online", len(online)).Msg("user offline")
	r.broadcastOnline(online)
}

// UserFor returns the user bound to connID.
func (r *Relay) UserFor(connID string) (string, bool) {
	return r.presence.UserFor(connID)
}

// OnlineUsers returns the sorted online set.
func (r *Relay) OnlineUsers() []string {
	return r.presence.CurrentSet()
}

func (r *Relay) broadcastOnline(online []string) {
	data := protocol.MustServerMessage(protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{UserIDs: online})
	metrics.EventsTotal.WithLabelValues(protocol.TypeOnlineUsers).Inc()

	sender := r.currentSender()
	if sender == nil {
		return
	}
	for _, connID := range sender.ConnectionIDs() {
		r.write(sender, connID, data)
	}
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// Join subscribes connID to roomKey.
func (r *Relay) Join(connID, roomKey string) error {
	if _, _, err := message.Participants(roomKey); err != nil {
		return fmt.Errorf("relay: join: %w", err)
	}
	if r.rooms.Join(connID, roomKey) {
		metrics.ActiveRooms.Inc()
	}
	return nil
}

// Leave unsubscribes connID from roomKey.
func (r *Relay) Leave(connID, roomKey string) {
	if r.rooms.Leave(connID, roomKey) {
		metrics.ActiveRooms.Dec()
	}
}

// Members returns the local connections joined to roomKey.
func (r *Relay) Members(roomKey string) []string {
	return r.rooms.Members(roomKey)
}

// ---------------------------------------------------------------------------
// Room events
// ---------------------------------------------------------------------------

// SendMessage validates msg and broadcasts receive-message to its room,
// including the sender's own connections. The room key is derived from the
// participants; a client-supplied one that disagrees is rejected. The
// message keeps its provisional id until MessageSent announces the stored
// one.
func (r *Relay) SendMessage(msg message.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("relay: send message: %w", err)
	}
	msg.Normalize()
	msg.Status = message.StatusSent
	if msg.ClientID == "" {
		msg.ClientID = msg.ID
	}

	data := protocol.MustServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{Message: msg})
	r.publish(msg.RoomID, protocol.TypeReceiveMessage, data, "")
	return nil
}

// MessageSent announces that a message is durably stored under its
// authoritative id so every session in the room can swap the provisional id.
func (r *Relay) MessageSent(msg message.Message) {
	roomKey := msg.RoomID
	if roomKey == "" {
		roomKey = message.RoomKey(msg.SenderID, msg.ReceiverID)
	}
	data := protocol.MustServerMessage(protocol.TypeMessageSent, protocol.MessageSentMsg{
		MessageID:  msg.ID,
		ClientID:   msg.ClientID,
		Status:     msg.Status,
		Attachment: msg.Attachment,
	})
	r.publish(roomKey, protocol.TypeMessageSent, data, "")
}

// UpdateStatus broadcasts one message-seen event per id to roomKey.
func (r *Relay) UpdateStatus(ids []string, status message.Status, roomKey string) error {
	if _, _, err := message.Participants(roomKey); err != nil {
		return fmt.Errorf("relay: update status: %w", err)
	}
	if _, err := message.ParseStatus(string(status)); err != nil {
		return fmt.Errorf("relay: update status: %w", err)
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		data := protocol.MustServerMessage(protocol.TypeMessageSeen, protocol.MessageStatusMsg{
			MessageID: id,
			Status:    status,
		})
		r.publish(roomKey, protocol.TypeMessageSeen, data, "")
	}
	return nil
}

// Typing forwards a typing indicator to every member of roomKey except the
// originating connection.
func (r *Relay) Typing(roomKey, fromConn, userID string, isTyping bool) error {
	if _, _, err := message.Participants(roomKey); err != nil {
		return fmt.Errorf("relay: typing: %w", err)
	}
	data := protocol.MustServerMessage(protocol.TypeTyping, protocol.ServerTypingMsg{
		RoomID:   roomKey,
		UserID:   userID,
		IsTyping: isTyping,
	})
	r.publish(roomKey, protocol.TypeTyping, data, fromConn)
	return nil
}

// publish hands the frame to the bus. Bus errors are logged and counted;
// they never reach the emitting client.
func (r *Relay) publish(roomKey, eventType string, data []byte, exclude string) {
	metrics.EventsTotal.WithLabelValues(eventType).Inc()
	if err := r.bus.PublishRoom(roomKey, data, exclude); err != nil {
		metrics.BroadcastFailures.Inc()
		r.logger.Warn().Err(err).Str("room", roomKey).Str("event", eventType).Msg("publish failed")
	}
}

// deliver writes a bus event to the local members of roomKey.
func (r *Relay) deliver(roomKey string, data []byte, exclude string) {
	sender := r.currentSender()
	if sender == nil {
		return
	}
	for _, connID := range r.rooms.Members(roomKey) {
		if connID == exclude {
			continue
		}
		r.write(sender, connID, data)
	}
}

func (r *Relay) write(sender Sender, connID string, data []byte) {
	if err := sender.SendMessage(connID, data); err != nil {
		metrics.BroadcastFailures.Inc()
		r.logger.Warn().Err(err).Str("conn_id", connID).Msg("send failed")
	}
}

func (r *Relay) currentSender() Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sender
}
