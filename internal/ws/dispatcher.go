package ws

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// event. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.SendMessageMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket frames to registered handlers
// based on the event type. It answers ping internally and sends structured
// error responses for malformed or unsupported events.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   zerolog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register associates a MessageHandler with an event type. A handler already
// registered for the type is replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	start := time.Now()
	defer func() {
		metrics.MessageLatency.Observe(time.Since(start).Seconds())
	}()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("parse error")
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug().Str("type", msgType).Str("conn_id", conn.ID).Msg("unsupported type")
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error event back to the client.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data := protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("send error event")
	}
}

// sendPong answers a client ping and records the activity.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data := protocol.MustServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err := conn.WriteMessage(data); err != nil {
		d.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("send pong")
	}
}
