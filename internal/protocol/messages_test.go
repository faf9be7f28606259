package protocol

import (
	"encoding/json"
	"testing"

	"github.com/parley/chat-app/internal/message"
)

// ---------------------------------------------------------------------------
// Test: Parsing a send-message event
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send-message","message":{"id":"tmp-1","client_id":"tmp-1","room_id":"a:b","sender_id":"a","receiver_id":"b","content":"hi","status":"sent"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.Message.ClientID != "tmp-1" || sm.Message.Content != "hi" {
		t.Errorf("unexpected message: %+v", sm.Message)
	}
	if sm.Message.Status != message.StatusSent {
		t.Errorf("expected status sent, got %q", sm.Message.Status)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a message-seen event
// ---------------------------------------------------------------------------

func TestParseClientMessage_MessageSeen(t *testing.T) {
	input := []byte(`{"type":"message-seen","message_ids":["m1","m2"],"room_id":"a:b"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ms, ok := msg.(MessageSeenMsg)
	if !ok {
		t.Fatalf("expected MessageSeenMsg, got %T", msg)
	}
	if len(ms.MessageIDs) != 2 || ms.MessageIDs[1] != "m2" {
		t.Errorf("unexpected ids: %v", ms.MessageIDs)
	}
	if ms.RoomID != "a:b" {
		t.Errorf("expected room a:b, got %q", ms.RoomID)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating server events
// ---------------------------------------------------------------------------

func TestNewServerMessage_OnlineUsers(t *testing.T) {
	data, err := NewServerMessage(TypeOnlineUsers, OnlineUsersMsg{UserIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeOnlineUsers {
		t.Errorf("expected type %q, got %v", TypeOnlineUsers, result["type"])
	}
	ids, ok := result["user_ids"].([]interface{})
	if !ok || len(ids) != 2 {
		t.Fatalf("expected 2 user ids, got %v", result["user_ids"])
	}
}

func TestNewServerMessage_TypeOverridesPayload(t *testing.T) {
	// The payload's own Type field is ignored in favour of msgType.
	data, err := NewServerMessage(TypeMessageSeen, MessageStatusMsg{Type: "bogus", MessageID: "m1", Status: message.StatusSeen})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded MessageStatusMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeMessageSeen {
		t.Errorf("expected type %q, got %q", TypeMessageSeen, decoded.Type)
	}
	if decoded.MessageID != "m1" || decoded.Status != message.StatusSeen {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestNewServerMessage_ReceiveMessageKeepsRecord(t *testing.T) {
	rec := message.Message{
		ID:         "01HX",
		RoomID:     "a:b",
		SenderID:   "a",
		ReceiverID: "b",
		Kind:       message.KindAudio,
		Attachment: &message.Attachment{Kind: message.KindAudio, Name: "note.wav", Size: 1024, Duration: 3.5},
		Status:     message.StatusSent,
	}
	data := MustServerMessage(TypeReceiveMessage, ReceiveMessageMsg{Message: rec})

	var decoded ReceiveMessageMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Message.Attachment == nil || decoded.Message.Attachment.Duration != 3.5 {
		t.Fatalf("attachment lost in encoding: %+v", decoded.Message)
	}
	if decoded.Message.Attachment.Size != 1024 {
		t.Errorf("expected size 1024, got %d", decoded.Message.Attachment.Size)
	}
}

// ---------------------------------------------------------------------------
// Test: Error cases
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"unknown_type","data":"something"}`))
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"online-users","user_ids":[]}`)); err == nil {
		t.Fatal("server-only types must not parse as client events")
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"typing","is_typing":"yes"}`)); err == nil {
		t.Fatal("expected decode error for wrongly typed field")
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"data":"no type field"}`), &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{invalid json}`), &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"user-online", `{"type":"user-online","user_id":"alice"}`, TypeUserOnline},
		{"join-room", `{"type":"join-room","room_id":"a:b"}`, TypeJoinRoom},
		{"leave-room", `{"type":"leave-room","room_id":"a:b"}`, TypeLeaveRoom},
		{"send-message", `{"type":"send-message","message":{"sender_id":"a","receiver_id":"b","content":"x"}}`, TypeSendMessage},
		{"message-seen", `{"type":"message-seen","message_ids":["1"],"room_id":"a:b"}`, TypeMessageSeen},
		{"typing", `{"type":"typing","room_id":"a:b","is_typing":true}`, TypeTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
