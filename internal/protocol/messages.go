// Package protocol defines the real-time events exchanged between chat
// clients and the server. Every frame is a JSON object with a "type"
// discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/parley/chat-app/internal/message"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeUserOnline  = "user-online"
	TypeJoinRoom    = "join-room"
	TypeLeaveRoom   = "leave-room"
	TypeSendMessage = "send-message"
	TypeMessageSeen = "message-seen"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Server -> Client event types. TypeMessageSeen and TypeTyping are shared
// with the client direction but carry different payloads.
const (
	TypeSessionCreated = "session-created"
	TypeOnlineUsers    = "online-users"
	TypeReceiveMessage = "receive-message"
	TypeMessageSent    = "message-sent"
	TypeRateLimited    = "rate-limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidMessage  = "invalid_message"
	CodeInvalidRoom     = "invalid_room"
	CodeNotOnline       = "not_online"
	CodeForbidden       = "forbidden"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full frame and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// UserOnlineMsg binds the connection to a user identity.
type UserOnlineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// JoinRoomMsg subscribes the connection to a room.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg unsubscribes the connection from a room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg carries a message record for immediate broadcast. The
// record's id is the sender's provisional id until the store acknowledges it.
type SendMessageMsg struct {
	Type    string          `json:"type"`
	Message message.Message `json:"message"`
}

// MessageSeenMsg reports that the sender viewed the listed messages.
type MessageSeenMsg struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
	RoomID     string   `json:"room_id"`
}

// TypingMsg toggles the typing indicator in a room.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// SessionCreatedMsg announces the connection id assigned by the server.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// OnlineUsersMsg carries the full set of online users.
type OnlineUsersMsg struct {
	Type    string   `json:"type"`
	UserIDs []string `json:"user_ids"`
}

// ReceiveMessageMsg delivers a message to room members.
type ReceiveMessageMsg struct {
	Type    string          `json:"type"`
	Message message.Message `json:"message"`
}

// MessageSentMsg announces the authoritative id of a stored message so
// sessions holding the provisional id can swap it. Attachment carries the
// stored file location, which the live copy did not have yet.
type MessageSentMsg struct {
	Type       string              `json:"type"`
	MessageID  string              `json:"message_id"`
	ClientID   string              `json:"client_id,omitempty"`
	Status     message.Status      `json:"status"`
	Attachment *message.Attachment `json:"attachment,omitempty"`
}

// MessageStatusMsg is the server -> client form of message-seen: one message
// changed status.
type MessageStatusMsg struct {
	Type      string         `json:"type"`
	MessageID string         `json:"message_id"`
	Status    message.Status `json:"status"`
}

// ServerTypingMsg relays a typing indicator to the other room members.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// RateLimitedMsg tells the client to slow down.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses a raw frame into a typed client event. It returns
// the event type, the decoded struct and any error. Unknown and server-only
// types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeUserOnline:
		var m UserOnlineMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSeen:
		var m MessageSeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as a server frame of type msgType. The
// "type" key is forced to msgType whatever the payload's Type field holds.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that always encode, such
// as the fixed structs of this package.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
