package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and flushes
// test keys before returning. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, pattern := range []string{SessionPrefix + "test_*", UserPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client, "test-server")
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_conn1", "10.0.0.1:5555"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sess, err := store.Get(ctx, "test_conn1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session, got nil")
	}
	if sess.Server != "test-server" || sess.RemoteAddr != "10.0.0.1:5555" {
		t.Errorf("unexpected session: %+v", sess)
	}
	if sess.UserID != "" {
		t.Errorf("new session should be unbound, got %q", sess.UserID)
	}
}

func TestGet_Missing(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil, got %+v", sess)
	}
}

func TestBindUserAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Create(ctx, "test_conn2", "")
	if err := store.BindUser(ctx, "test_conn2", "test_alice"); err != nil {
		t.Fatalf("BindUser() error: %v", err)
	}

	sess, _ := store.Get(ctx, "test_conn2")
	if sess == nil || sess.UserID != "test_alice" {
		t.Fatalf("expected user test_alice, got %+v", sess)
	}

	conn, err := store.ConnForUser(ctx, "test_alice")
	if err != nil || conn != "test_conn2" {
		t.Fatalf("expected test_conn2, got %q (err=%v)", conn, err)
	}
}

func TestDelete_KeepsNewerBinding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Create(ctx, "test_old", "")
	store.BindUser(ctx, "test_old", "test_bob")
	store.Create(ctx, "test_new", "")
	store.BindUser(ctx, "test_new", "test_bob")

	if err := store.Delete(ctx, "test_old"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	conn, _ := store.ConnForUser(ctx, "test_bob")
	if conn != "test_new" {
		t.Errorf("newer binding lost, got %q", conn)
	}
	if sess, _ := store.Get(ctx, "test_old"); sess != nil {
		t.Errorf("old session should be gone, got %+v", sess)
	}

	store.Delete(ctx, "test_new")
	if conn, _ := store.ConnForUser(ctx, "test_bob"); conn != "" {
		t.Errorf("expected no binding after delete, got %q", conn)
	}
}

func TestRefreshTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Create(ctx, "test_ttl", "")
	store.BindUser(ctx, "test_ttl", "test_carol")
	if err := store.RefreshTTL(ctx, "test_ttl"); err != nil {
		t.Fatalf("RefreshTTL() error: %v", err)
	}

	ttl, err := store.Client().TTL(ctx, UserPrefix+"test_carol").Result()
	if err != nil || ttl <= 0 {
		t.Errorf("expected user mapping ttl, got %s (err=%v)", ttl, err)
	}
}
