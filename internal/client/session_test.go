package client

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parley/chat-app/internal/message"
)

func newTestSession(t *testing.T, viewer, peer string) *Session {
	t.Helper()
	s, err := NewSession(viewer, peer)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("tmp-%d", n)
	}
	clock := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func stored(id, from, to, content string, status message.Status) message.Message {
	m := message.Message{ID: id, SenderID: from, ReceiverID: to, Content: content, Status: status}
	m.Normalize()
	m.ID = id
	return m
}

func TestNewSession_InvalidParticipants(t *testing.T) {
	tests := []struct {
		name         string
		viewer, peer string
	}{
		{"empty peer", "alice", ""},
		{"separator in id", "alice", "b:ob"},
		{"self", "alice", "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSession(tt.viewer, tt.peer); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCompose_Validation(t *testing.T) {
	tests := []struct {
		name string
		text string
		att  *message.Attachment
		want error
	}{
		{"empty", "", nil, message.ErrEmpty},
		{"whitespace", " \n\t", nil, message.ErrEmpty},
		{"both", "hi", &message.Attachment{Name: "a.png", MimeType: "image/png"}, message.ErrBothContentAndAttachment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, "alice", "bob")
			_, err := s.Compose(tt.text, tt.att)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if s.Len() != 0 {
				t.Fatal("rejected message was inserted")
			}
		})
	}
}

func TestOptimisticSendScenario(t *testing.T) {
	s := newTestSession(t, "alice", "bob")

	msg, err := s.Compose("hi", nil)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	entries := s.Entries()
	if len(entries) != 1 || entries[0].State != StatePending {
		t.Fatalf("entries = %+v, want one pending", entries)
	}
	if msg.ID != "tmp-1" || msg.ClientID != "tmp-1" || msg.Status != message.StatusSent {
		t.Fatalf("provisional message = %+v", msg)
	}

	if !s.Confirm(msg.ClientID, "srv-1") {
		t.Fatal("Confirm returned false")
	}
	e, ok := s.Get("srv-1")
	if !ok {
		t.Fatal("authoritative id not indexed")
	}
	if _, ok := s.Get("tmp-1"); ok {
		t.Fatal("provisional id still indexed")
	}
	if e.State != StateConfirmed || e.Message.Status != message.StatusSent {
		t.Fatalf("state = %s status = %s", e.State, e.Message.Status)
	}
	if e.Message.Content != "hi" || e.Message.SenderID != "alice" || e.Message.ReceiverID != "bob" {
		t.Fatalf("message changed: %+v", e.Message)
	}

	// Re-applying is a no-op, as is a second authoritative id.
	if s.Confirm(msg.ClientID, "srv-1") || s.Confirm(msg.ClientID, "srv-2") {
		t.Fatal("second Confirm changed the entry")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestReceive_Dedup(t *testing.T) {
	s := newTestSession(t, "bob", "alice")
	m := stored("srv-1", "alice", "bob", "hello", message.StatusSent)

	if !s.Receive(m) {
		t.Fatal("first Receive returned false")
	}
	before := s.Entries()
	if s.Receive(m) {
		t.Fatal("duplicate Receive changed the list")
	}
	after := s.Entries()
	if len(after) != len(before) || after[0].Message.ID != "srv-1" || after[0].State != StateConfirmed {
		t.Fatalf("list changed: %+v", after)
	}
}

func TestReceive_OwnEchoDiscarded(t *testing.T) {
	s := newTestSession(t, "alice", "bob")
	msg, _ := s.Compose("hi", nil)

	// The relay echoes the live copy to the sender's own sessions.
	if s.Receive(msg) {
		t.Fatal("echo was merged")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestReceive_OtherRoomIgnored(t *testing.T) {
	s := newTestSession(t, "alice", "bob")
	if s.Receive(stored("srv-9", "carol", "alice", "psst", message.StatusSent)) {
		t.Fatal("message from another conversation was merged")
	}
}

func TestReceive_StoredCopyConfirmsPending(t *testing.T) {
	s := newTestSession(t, "alice", "bob")
	msg, _ := s.Compose("hi", nil)

	copyFromHistory := stored("srv-1", "alice", "bob", "hi", message.StatusSeen)
	copyFromHistory.ClientID = msg.ClientID
	if !s.Receive(copyFromHistory) {
		t.Fatal("stored copy did not confirm the pending entry")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
	e, ok := s.Get("srv-1")
	if !ok || e.Message.Status != message.StatusSeen || e.State != StateSeen {
		t.Fatalf("entry = %+v", e)
	}
}

func TestApplyStatus_Monotonic(t *testing.T) {
	s := newTestSession(t, "alice", "bob")
	s.Receive(stored("srv-1", "alice", "bob", "hi", message.StatusSent))

	tests := []struct {
		status      message.Status
		wantChanged bool
		want        message.Status
	}{
		{message.StatusSeen, true, message.StatusSeen},
		{message.StatusSent, false, message.StatusSeen},
		{"delivered", false, message.StatusSeen},
		{message.StatusSeen, false, message.StatusSeen},
	}
	for _, tt := range tests {
		if got := s.ApplyStatus("srv-1", tt.status); got != tt.wantChanged {
			t.Errorf("ApplyStatus(%q) changed = %v, want %v", tt.status, got, tt.wantChanged)
		}
		if e, _ := s.Get("srv-1"); e.Message.Status != tt.want {
			t.Errorf("after %q status = %q, want %q", tt.status, e.Message.Status, tt.want)
		}
	}
	if s.ApplyStatus("missing", message.StatusSeen) {
		t.Fatal("unknown id changed the list")
	}
}

func TestFailAndRetry(t *testing.T) {
	s := newTestSession(t, "alice", "bob")
	msg, _ := s.Compose("hi", nil)

	if _, err := s.Retry(msg.ClientID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("Retry of pending: err = %v", err)
	}
	if !s.Fail(msg.ClientID, errors.New("boom")) {
		t.Fatal("Fail returned false")
	}
	e, _ := s.Get(msg.ID)
	if e.State != StateFailed || e.Err == nil {
		t.Fatalf("entry = %+v, want failed", e)
	}
	if s.Len() != 1 {
		t.Fatal("failed message was removed")
	}

	again, err := s.Retry(msg.ClientID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if again.ID != msg.ID || again.Content != "hi" {
		t.Fatalf("retried message = %+v", again)
	}
	if e, _ := s.Get(msg.ID); e.State != StatePending {
		t.Fatalf("state after retry = %s", e.State)
	}

	if _, err := s.Retry("nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("Retry unknown: err = %v", err)
	}
}

func TestAbandonPending(t *testing.T) {
	s := newTestSession(t, "alice", "bob")
	a, _ := s.Compose("one", nil)
	b, _ := s.Compose("two", nil)
	s.Confirm(b.ClientID, "srv-2")

	if n := s.AbandonPending(ErrUnauthorized); n != 1 {
		t.Fatalf("abandoned %d, want 1", n)
	}
	if e, _ := s.Get(a.ID); e.State != StateFailed || !errors.Is(e.Err, ErrUnauthorized) {
		t.Fatalf("entry = %+v", e)
	}
}

func TestUnseenFromPeer(t *testing.T) {
	s := newTestSession(t, "bob", "alice")
	s.Receive(stored("srv-1", "alice", "bob", "one", message.StatusSent))
	s.Receive(stored("srv-2", "alice", "bob", "two", message.StatusSeen))
	s.Receive(stored("srv-3", "bob", "alice", "mine", message.StatusSent))
	live := stored("tmp-x", "alice", "bob", "live", message.StatusSent)
	live.ClientID = "tmp-x"
	s.Receive(live)

	got := s.UnseenFromPeer()
	if len(got) != 1 || got[0] != "srv-1" {
		t.Fatalf("UnseenFromPeer = %v, want [srv-1]", got)
	}

	// Once stored, the live copy becomes markable.
	s.ApplySent("tmp-x", "srv-4", message.StatusSent, nil)
	got = s.UnseenFromPeer()
	if len(got) != 2 || got[1] != "srv-4" {
		t.Fatalf("UnseenFromPeer = %v, want [srv-1 srv-4]", got)
	}

	if n := s.MarkSeen(append(got, "srv-3")); n != 2 {
		t.Fatalf("MarkSeen = %d, want 2", n)
	}
	if len(s.UnseenFromPeer()) != 0 {
		t.Fatal("messages still unseen")
	}
	if e, _ := s.Get("srv-3"); e.Message.Status != message.StatusSent {
		t.Fatal("viewer's own message was marked seen")
	}
}

func TestApplySent_FillsAttachment(t *testing.T) {
	s := newTestSession(t, "bob", "alice")
	live := message.Message{
		ID: "tmp-a", ClientID: "tmp-a", SenderID: "alice", ReceiverID: "bob",
		Attachment: &message.Attachment{Name: "cat.png", MimeType: "image/png"},
	}
	live.Normalize()
	s.Receive(live)

	att := &message.Attachment{Kind: message.KindPhoto, Name: "cat.png", URL: "/uploads/X.png", MimeType: "image/png"}
	if !s.ApplySent("tmp-a", "srv-a", message.StatusSent, att) {
		t.Fatal("ApplySent returned false")
	}
	e, ok := s.Get("srv-a")
	if !ok || e.Message.Attachment.URL != "/uploads/X.png" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestApplySent_BeforeReceive(t *testing.T) {
	bob := newTestSession(t, "bob", "alice")

	// message-sent overtakes the live copy.
	if bob.ApplySent("c1", "srv-1", message.StatusSent, nil) {
		t.Fatal("ApplySent changed an empty list")
	}

	live := stored("c1", "alice", "bob", "hi", message.StatusSent)
	live.ClientID = "c1"
	if !bob.Receive(live) {
		t.Fatal("live message not inserted")
	}

	e, ok := bob.Get("srv-1")
	if !ok || e.State != StateConfirmed || e.Message.ClientID != "c1" {
		t.Fatalf("entry = %+v, %v; want authoritative id srv-1", e, ok)
	}
	if _, ok := bob.Get("c1"); ok {
		t.Fatal("provisional id still indexed")
	}
	if got := bob.UnseenFromPeer(); len(got) != 1 || got[0] != "srv-1" {
		t.Fatalf("UnseenFromPeer = %v", got)
	}
	if !bob.ApplyStatus("srv-1", message.StatusSeen) {
		t.Fatal("status update by authoritative id missed")
	}

	// A repeated live copy is still a duplicate.
	if bob.Receive(live) {
		t.Fatal("duplicate live copy inserted")
	}
	if bob.Len() != 1 {
		t.Fatalf("Len = %d, want 1", bob.Len())
	}
}

func TestApplySent_BeforeReceiveWithAttachment(t *testing.T) {
	bob := newTestSession(t, "bob", "alice")
	att := &message.Attachment{Kind: message.KindPhoto, Name: "cat.png", MimeType: "image/png", URL: "/uploads/01.png"}
	bob.ApplySent("c2", "srv-2", message.StatusSent, att)

	live := message.Message{
		ID: "c2", ClientID: "c2", SenderID: "alice", ReceiverID: "bob",
		Attachment: &message.Attachment{Name: "cat.png", MimeType: "image/png"},
	}
	live.Normalize()
	if !bob.Receive(live) {
		t.Fatal("live message not inserted")
	}
	e, ok := bob.Get("srv-2")
	if !ok || e.Message.Attachment == nil || e.Message.Attachment.URL != "/uploads/01.png" {
		t.Fatalf("entry = %+v, %v", e, ok)
	}
}
