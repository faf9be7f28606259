package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/protocol"
)

// TestSocket_PingsDuringEmit has the server ping continuously while several
// goroutines emit. Every emitted frame must arrive intact.
func TestSocket_PingsDuringEmit(t *testing.T) {
	const (
		writers   = 4
		perWriter = 100
	)

	received := make(chan []byte, writers*perWriter)
	serverErr := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()

		created := protocol.MustServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: "s1"})
		if err := wsutil.WriteServerMessage(conn, ws.OpText, created); err != nil {
			serverErr <- err
			return
		}

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
					return
				}
				time.Sleep(50 * time.Microsecond)
			}
		}()

		for i := 0; i < writers*perWriter; i++ {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				serverErr <- err
				return
			}
			received <- data
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	socket, err := DialSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "")
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	defer socket.Close()
	if _, err := socket.WaitForSession(ctx); err != nil {
		t.Fatalf("WaitForSession: %v", err)
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				event := protocol.TypingMsg{Type: protocol.TypeTyping, RoomID: "alice:bob", IsTyping: i%2 == 0}
				if err := socket.Emit(event); err != nil {
					t.Errorf("writer %d: Emit: %v", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for i := 0; i < writers*perWriter; i++ {
		select {
		case data := <-received:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeTyping {
				t.Fatalf("frame %d corrupted: %q", i, data)
			}
		case err := <-serverErr:
			t.Fatalf("server read failed after %d frames: %v", i, err)
		case <-ctx.Done():
			t.Fatalf("timed out after %d frames", i)
		}
	}

	select {
	case <-socket.Done():
		t.Fatalf("socket closed: %v", socket.Err())
	default:
	}
}
