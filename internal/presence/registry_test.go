package presence

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestSetOnline_Snapshot(t *testing.T) {
	r := NewRegistry()

	if got := r.SetOnline("alice", "c1"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("expected [alice], got %v", got)
	}
	if got := r.SetOnline("bob", "c2"); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("expected [alice bob], got %v", got)
	}

	user, removed, online := r.RemoveByConn("c1")
	if !removed || user != "alice" {
		t.Fatalf("expected alice removed, got user=%q removed=%v", user, removed)
	}
	if !reflect.DeepEqual(online, []string{"bob"}) {
		t.Fatalf("expected [bob], got %v", online)
	}
}

func TestSetOnline_ReconnectLastWriteWins(t *testing.T) {
	r := NewRegistry()
	r.SetOnline("alice", "old")
	r.SetOnline("alice", "new")

	if conn, _ := r.ConnFor("alice"); conn != "new" {
		t.Fatalf("expected conn=new, got %q", conn)
	}
	if got := r.CurrentSet(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("expected no duplicates, got %v", got)
	}

	// The superseded connection closing must not take alice offline.
	_, removed, online := r.RemoveByConn("old")
	if removed {
		t.Fatal("stale connection should not remove the user")
	}
	if !reflect.DeepEqual(online, []string{"alice"}) {
		t.Fatalf("expected [alice], got %v", online)
	}
}

func TestSetOnline_ConnectionRebound(t *testing.T) {
	r := NewRegistry()
	r.SetOnline("alice", "c1")
	r.SetOnline("bob", "c1")

	if got := r.CurrentSet(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("expected [bob], got %v", got)
	}
	if user, _ := r.UserFor("c1"); user != "bob" {
		t.Fatalf("expected bob on c1, got %q", user)
	}
}

func TestRemoveByConn_Unknown(t *testing.T) {
	r := NewRegistry()
	r.SetOnline("alice", "c1")

	user, removed, online := r.RemoveByConn("nope")
	if removed || user != "" {
		t.Fatalf("expected nothing removed, got %q", user)
	}
	if len(online) != 1 {
		t.Fatalf("expected 1 online, got %v", online)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i)
			conn := fmt.Sprintf("c%d", i)
			r.SetOnline(user, conn)
			_ = r.CurrentSet()
			if i%2 == 0 {
				r.RemoveByConn(conn)
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 25 {
		t.Fatalf("expected 25 online users, got %d", r.Count())
	}
}
