package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/protocol"
)

// Emitter sends client events to the server.
type Emitter interface {
	Emit(event interface{}) error
}

// Socket is a WebSocket connection to the chat server. It dispatches
// incoming events to handlers registered per event type.
type Socket struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu        sync.RWMutex
	sessionID string
	handlers  map[string]func(data []byte)

	sessionReady chan struct{}
	readyOnce    sync.Once
	done         chan struct{}
	closeOnce    sync.Once
	err          error // read error that ended the loop, set before done closes
}

// DialSocket connects to the server's /ws endpoint. A non-empty token is
// passed as the token query parameter.
func DialSocket(ctx context.Context, wsURL, token string) (*Socket, error) {
	if token != "" {
		u, err := url.Parse(wsURL)
		if err != nil {
			return nil, fmt.Errorf("client: parse socket url: %w", err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		wsURL = u.String()
	}

	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	s := &Socket{
		conn:         conn,
		handlers:     make(map[string]func([]byte)),
		sessionReady: make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Emit sends a JSON event. It is goroutine-safe.
func (s *Socket) Emit(event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("client: marshal event: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wsutil.WriteClientMessage(s.conn, ws.OpText, data)
}

// On registers the handler for an event type, replacing any previous one.
// Handlers run on the read goroutine and receive the full frame.
func (s *Socket) On(eventType string, handler func(data []byte)) {
	s.mu.Lock()
	s.handlers[eventType] = handler
	s.mu.Unlock()
}

// WaitForSession blocks until session-created arrives.
func (s *Socket) WaitForSession(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", fmt.Errorf("client: connection closed before session was created")
	case <-s.sessionReady:
		return s.SessionID(), nil
	}
}

// SessionID returns the connection id assigned by the server.
func (s *Socket) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Done is closed when the connection ends.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the read loop, if any.
func (s *Socket) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close closes the connection. It is safe to call multiple times.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		close(s.done)
	})
	return err
}

// Online announces the user behind this connection.
func (s *Socket) Online(userID string) error {
	return s.Emit(protocol.UserOnlineMsg{Type: protocol.TypeUserOnline, UserID: userID})
}

// JoinRoom subscribes to a room.
func (s *Socket) JoinRoom(roomKey string) error {
	return s.Emit(joinRoomEvent(roomKey))
}

// Ping sends a keepalive.
func (s *Socket) Ping() error {
	return s.Emit(protocol.PingMsg{Type: protocol.TypePing})
}

func (s *Socket) readLoop() {
	rd := &wsutil.Reader{
		Source:         s.conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: s.handleControl,
	}

	for {
		data, err := s.nextText(rd)
		if err != nil {
			s.closeOnce.Do(func() {
				s.err = err
				s.conn.Close()
				close(s.done)
			})
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == protocol.TypeSessionCreated {
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				s.mu.Lock()
				s.sessionID = msg.SessionID
				s.mu.Unlock()
				s.readyOnce.Do(func() { close(s.sessionReady) })
			}
		}

		s.mu.RLock()
		handler := s.handlers[env.Type]
		s.mu.RUnlock()
		if handler != nil {
			handler(data)
		}
	}
}

// nextText returns the next text message. Control frames are answered in
// between; other data frames are skipped.
func (s *Socket) nextText(rd *wsutil.Reader) ([]byte, error) {
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := s.handleControl(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// handleControl answers pings and close frames. Replies go out under
// writeMu so they cannot split a frame written by Emit.
func (s *Socket) handleControl(hdr ws.Header, r io.Reader) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.ControlFrameHandler(s.conn, ws.StateClientSide)(hdr, r)
}

// Event constructors shared by Conversation.

func joinRoomEvent(roomKey string) protocol.JoinRoomMsg {
	return protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: roomKey}
}

func leaveRoomEvent(roomKey string) protocol.LeaveRoomMsg {
	return protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, RoomID: roomKey}
}

func sendMessageEvent(msg message.Message) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{Type: protocol.TypeSendMessage, Message: msg}
}

func messageSeenEvent(roomKey string, ids []string) protocol.MessageSeenMsg {
	return protocol.MessageSeenMsg{Type: protocol.TypeMessageSeen, RoomID: roomKey, MessageIDs: ids}
}

func typingEvent(roomKey string, isTyping bool) protocol.TypingMsg {
	return protocol.TypingMsg{Type: protocol.TypeTyping, RoomID: roomKey, IsTyping: isTyping}
}
