package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/protocol"
)

// API is the durable side of a conversation.
type API interface {
	History(ctx context.Context, peerID string, limit int, before time.Time) ([]message.Message, error)
	PostMessage(ctx context.Context, msg message.Message, file *File) (message.Message, bool, error)
	MarkSeen(ctx context.Context, ids []string) (int, error)
}

// Conversation drives one Session: it loads history, sends optimistically,
// reconciles with server events and reports typing.
type Conversation struct {
	session *Session
	api     API
	socket  Emitter
	typing  *Typing
	logger  zerolog.Logger

	// OnUnauthorized is called when any HTTP call returns 401.
	OnUnauthorized func()
	// OnChange is called after the session or peer state changed.
	OnChange func()

	mu         sync.Mutex
	viewing    bool // between Open and Close: peer messages are marked seen as they arrive
	peerTyping bool
	peerOnline bool
	files      map[string]*File // client id -> attachment kept for Retry
}

// NewConversation creates a conversation between viewer and peer.
func NewConversation(viewer, peer string, api API, socket Emitter, logger zerolog.Logger) (*Conversation, error) {
	session, err := NewSession(viewer, peer)
	if err != nil {
		return nil, err
	}
	c := &Conversation{
		session: session,
		api:     api,
		socket:  socket,
		logger:  logger.With().Str("component", "conversation").Str("room", session.RoomKey()).Logger(),
		files:   make(map[string]*File),
	}
	c.typing = NewTyping(DefaultTypingQuiet, func(isTyping bool) {
		c.emit(typingEvent(session.RoomKey(), isTyping))
	})
	return c, nil
}

// Session returns the underlying message list.
func (c *Conversation) Session() *Session { return c.session }

// Open joins the room, loads history and marks everything the peer sent as
// seen: one bulk HTTP call and one batched message-seen event.
func (c *Conversation) Open(ctx context.Context) error {
	c.emit(joinRoomEvent(c.session.RoomKey()))

	history, err := c.api.History(ctx, c.session.Peer(), 0, time.Time{})
	if err != nil {
		c.checkAuth(err)
		return fmt.Errorf("client: open: %w", err)
	}
	c.session.Load(history)
	c.mu.Lock()
	c.viewing = true
	c.mu.Unlock()
	c.changed()

	return c.MarkVisibleSeen(ctx)
}

// MarkVisibleSeen marks the peer's unseen messages as seen.
func (c *Conversation) MarkVisibleSeen(ctx context.Context) error {
	ids := c.session.UnseenFromPeer()
	if len(ids) == 0 {
		return nil
	}
	if _, err := c.api.MarkSeen(ctx, ids); err != nil {
		c.checkAuth(err)
		return fmt.Errorf("client: mark seen: %w", err)
	}
	c.session.MarkSeen(ids)
	c.emit(messageSeenEvent(c.session.RoomKey(), ids))
	c.changed()
	return nil
}

// Send validates text or file, inserts the message optimistically, relays
// it live and stores it durably. Validation errors return before any
// network call. A failed store leaves the entry failed for Retry.
func (c *Conversation) Send(ctx context.Context, text string, file *File) (message.Message, error) {
	var att *message.Attachment
	if file != nil {
		att = file.Attachment(text)
		text = ""
	}
	msg, err := c.session.Compose(text, att)
	if err != nil {
		return message.Message{}, err
	}
	if file != nil {
		c.mu.Lock()
		c.files[msg.ClientID] = file
		c.mu.Unlock()
	}
	c.typing.Stop()
	c.changed()

	return c.deliver(ctx, msg)
}

// Retry resends a failed message.
func (c *Conversation) Retry(ctx context.Context, clientID string) (message.Message, error) {
	msg, err := c.session.Retry(clientID)
	if err != nil {
		return message.Message{}, err
	}
	c.changed()
	return c.deliver(ctx, msg)
}

// Keystroke reports local typing activity.
func (c *Conversation) Keystroke() {
	c.typing.Keystroke()
}

// PeerTyping reports whether the peer is typing.
func (c *Conversation) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// PeerOnline reports whether the peer is in the last online-users set.
func (c *Conversation) PeerOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerOnline
}

// Close stops typing and leaves the room.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.viewing = false
	c.mu.Unlock()
	c.typing.Stop()
	c.emit(leaveRoomEvent(c.session.RoomKey()))
}

// Handle applies a server event frame. It returns whether the frame
// concerned this conversation.
func (c *Conversation) Handle(data []byte) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}

	switch env.Type {
	case protocol.TypeReceiveMessage:
		var m protocol.ReceiveMessageMsg
		if json.Unmarshal(data, &m) != nil {
			return false
		}
		if !c.session.Receive(m.Message) {
			return false
		}
		c.seeArrival()

	case protocol.TypeMessageSent:
		var m protocol.MessageSentMsg
		if json.Unmarshal(data, &m) != nil {
			return false
		}
		if !c.session.ApplySent(m.ClientID, m.MessageID, m.Status, m.Attachment) {
			return false
		}
		c.seeArrival()

	case protocol.TypeMessageSeen:
		var m protocol.MessageStatusMsg
		if json.Unmarshal(data, &m) != nil {
			return false
		}
		if !c.session.ApplyStatus(m.MessageID, m.Status) {
			return false
		}

	case protocol.TypeTyping:
		var m protocol.ServerTypingMsg
		if json.Unmarshal(data, &m) != nil || m.RoomID != c.session.RoomKey() || m.UserID != c.session.Peer() {
			return false
		}
		c.mu.Lock()
		c.peerTyping = m.IsTyping
		c.mu.Unlock()

	case protocol.TypeOnlineUsers:
		var m protocol.OnlineUsersMsg
		if json.Unmarshal(data, &m) != nil {
			return false
		}
		online := false
		for _, id := range m.UserIDs {
			if id == c.session.Peer() {
				online = true
				break
			}
		}
		c.mu.Lock()
		c.peerOnline = online
		c.mu.Unlock()

	default:
		return false
	}

	c.changed()
	return true
}

// Bind routes the socket's events to Handle.
func (c *Conversation) Bind(s *Socket) {
	for _, t := range []string{
		protocol.TypeReceiveMessage,
		protocol.TypeMessageSent,
		protocol.TypeMessageSeen,
		protocol.TypeTyping,
		protocol.TypeOnlineUsers,
	} {
		s.On(t, func(data []byte) { c.Handle(data) })
	}
}

func (c *Conversation) deliver(ctx context.Context, msg message.Message) (message.Message, error) {
	c.emit(sendMessageEvent(msg))

	c.mu.Lock()
	file := c.files[msg.ClientID]
	c.mu.Unlock()

	stored, _, err := c.api.PostMessage(ctx, msg, file)
	if err != nil {
		c.session.Fail(msg.ClientID, err)
		c.checkAuth(err)
		c.changed()
		return msg, fmt.Errorf("client: send: %w", err)
	}

	c.session.ApplySent(msg.ClientID, stored.ID, stored.Status, stored.Attachment)
	c.mu.Lock()
	delete(c.files, msg.ClientID)
	c.mu.Unlock()
	c.changed()
	return stored, nil
}

// seeArrival marks newly stored peer messages seen while the conversation
// is open. It runs off the socket goroutine.
func (c *Conversation) seeArrival() {
	c.mu.Lock()
	viewing := c.viewing
	c.mu.Unlock()
	if !viewing || len(c.session.UnseenFromPeer()) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.MarkVisibleSeen(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("mark arrival seen")
		}
	}()
}

// checkAuth abandons in-flight sends and fires OnUnauthorized on a 401.
func (c *Conversation) checkAuth(err error) {
	if !errors.Is(err, ErrUnauthorized) {
		return
	}
	c.session.AbandonPending(err)
	if c.OnUnauthorized != nil {
		c.OnUnauthorized()
	}
}

// emit is fire-and-forget: socket errors are only logged.
func (c *Conversation) emit(event interface{}) {
	if c.socket == nil {
		return
	}
	if err := c.socket.Emit(event); err != nil {
		c.logger.Warn().Err(err).Msg("emit failed")
	}
}

func (c *Conversation) changed() {
	if c.OnChange != nil {
		c.OnChange()
	}
}
