package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/session"
	"github.com/parley/chat-app/internal/ws"
)

// Handlers binds client socket events to the relay.
type Handlers struct {
	relay    *Relay
	limiter  *ratelimit.Limiter // nil disables rate limiting
	sessions *session.Store     // nil disables session records
	logger   zerolog.Logger
}

// NewHandlers creates socket handlers for relay.
func NewHandlers(relay *Relay, limiter *ratelimit.Limiter, sessions *session.Store, logger zerolog.Logger) *Handlers {
	return &Handlers{
		relay:    relay,
		limiter:  limiter,
		sessions: sessions,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

// Register installs a handler per client event type on d.
func (h *Handlers) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeUserOnline, h.userOnline)
	d.Register(protocol.TypeJoinRoom, h.joinRoom)
	d.Register(protocol.TypeLeaveRoom, h.leaveRoom)
	d.Register(protocol.TypeSendMessage, h.sendMessage)
	d.Register(protocol.TypeMessageSeen, h.messageSeen)
	d.Register(protocol.TypeTyping, h.typing)
}

// OnDisconnect drops the connection's rooms and presence.
func (h *Handlers) OnDisconnect(connID string) {
	h.relay.Disconnect(connID)
}

// ---------------------------------------------------------------------------
// user-online
// ---------------------------------------------------------------------------

func (h *Handlers) userOnline(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.UserOnlineMsg)
	if !ok {
		return
	}

	// A token on the upgrade request pins the connection to its subject.
	if conn.UserID != "" && m.UserID != conn.UserID {
		h.sendError(conn, protocol.CodeForbidden, "user id does not match token")
		return
	}
	if err := h.relay.Online(m.UserID, conn.ID); err != nil {
		h.sendError(conn, protocol.CodeInvalidMessage, "invalid user id")
		return
	}

	if h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := h.sessions.BindUser(ctx, conn.ID, m.UserID); err != nil {
			h.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("bind session user")
		}
	}
}

// ---------------------------------------------------------------------------
// join-room / leave-room
// ---------------------------------------------------------------------------

func (h *Handlers) joinRoom(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinRoomMsg)
	if !ok {
		return
	}
	if err := h.relay.Join(conn.ID, m.RoomID); err != nil {
		h.sendError(conn, protocol.CodeInvalidRoom, "invalid room id")
		return
	}
	h.logger.Debug().Str("conn_id", conn.ID).Str("room", m.RoomID).Msg("joined room")
}

func (h *Handlers) leaveRoom(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveRoomMsg)
	if !ok {
		return
	}
	h.relay.Leave(conn.ID, m.RoomID)
}

// ---------------------------------------------------------------------------
// send-message
// ---------------------------------------------------------------------------

func (h *Handlers) sendMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}

	userID, online := h.relay.UserFor(conn.ID)
	if !online {
		h.sendError(conn, protocol.CodeNotOnline, "send user-online first")
		return
	}
	if m.Message.SenderID != userID {
		h.sendError(conn, protocol.CodeForbidden, "sender does not match connection user")
		return
	}
	if !h.allow(conn, userID, ratelimit.RuleMessage) {
		return
	}

	if err := h.relay.SendMessage(m.Message); err != nil {
		h.sendError(conn, protocol.CodeInvalidMessage, message.Describe(err))
	}
}

// ---------------------------------------------------------------------------
// message-seen
// ---------------------------------------------------------------------------

func (h *Handlers) messageSeen(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.MessageSeenMsg)
	if !ok {
		return
	}
	if _, online := h.relay.UserFor(conn.ID); !online {
		h.sendError(conn, protocol.CodeNotOnline, "send user-online first")
		return
	}
	if err := h.relay.UpdateStatus(m.MessageIDs, message.StatusSeen, m.RoomID); err != nil {
		h.sendError(conn, protocol.CodeInvalidRoom, "invalid room id")
	}
}

// ---------------------------------------------------------------------------
// typing
// ---------------------------------------------------------------------------

func (h *Handlers) typing(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	userID, online := h.relay.UserFor(conn.ID)
	if !online {
		return
	}
	if !h.allow(conn, conn.ID, ratelimit.RuleTyping) {
		return
	}
	if err := h.relay.Typing(m.RoomID, conn.ID, userID, m.IsTyping); err != nil {
		h.sendError(conn, protocol.CodeInvalidRoom, "invalid room id")
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// allow applies rule to identifier and tells the client when it is
// throttled.
func (h *Handlers) allow(conn *ws.Connection, identifier string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, _ := h.limiter.Allow(ctx, identifier, rule)
	if ok {
		return true
	}
	h.reply(conn, protocol.MustServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: h.limiter.RetryAfter(ctx, identifier, rule),
	}))
	return false
}

func (h *Handlers) sendError(conn *ws.Connection, code, text string) {
	h.reply(conn, protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: text,
	}))
}

func (h *Handlers) reply(conn *ws.Connection, data []byte) {
	sender := h.relay.currentSender()
	if sender == nil {
		return
	}
	if err := sender.SendMessage(conn.ID, data); err != nil {
		h.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("reply failed")
	}
}
