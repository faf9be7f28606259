package messaging

import (
	"testing"
)

func TestRoomSubjectRoundTrip(t *testing.T) {
	subject := RoomSubject("alice:bob")
	if subject != "room.alice:bob" {
		t.Fatalf("unexpected subject %q", subject)
	}
	key, ok := RoomFromSubject(subject)
	if !ok || key != "alice:bob" {
		t.Fatalf("expected alice:bob, got %q (ok=%v)", key, ok)
	}
}

func TestRoomFromSubject_Rejects(t *testing.T) {
	for _, s := range []string{"room.", "chat.alice:bob", "room"} {
		if _, ok := RoomFromSubject(s); ok {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}

func TestLocalBus_DeliversToAllHandlers(t *testing.T) {
	bus := NewLocalBus()

	type delivery struct {
		room, data, exclude string
	}
	var got []delivery
	for i := 0; i < 2; i++ {
		if err := bus.SubscribeRooms(func(room string, data []byte, exclude string) {
			got = append(got, delivery{room, string(data), exclude})
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if err := bus.PublishRoom("a:b", []byte(`{"type":"typing"}`), "conn-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	for _, d := range got {
		if d.room != "a:b" || d.exclude != "conn-1" || d.data != `{"type":"typing"}` {
			t.Errorf("unexpected delivery %+v", d)
		}
	}
}

func TestLocalBus_Closed(t *testing.T) {
	bus := NewLocalBus()
	bus.Close()

	if err := bus.PublishRoom("a:b", nil, ""); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if err := bus.SubscribeRooms(func(string, []byte, string) {}); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}
