package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// newTestLimiter connects to a local Redis and removes leftover test keys.
// Tests that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client, zerolog.Nop()), client
}

var testRule = Rule{Name: "test", Key: "rl:test:", Limit: 3, Window: 5 * time.Second}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "alice", testRule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, err := l.Allow(ctx, "alice", testRule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("request over the limit should be rejected")
	}

	if after := l.RetryAfter(ctx, "alice", testRule); after < 1 || after > 5 {
		t.Errorf("expected retry-after within window, got %d", after)
	}
}

func TestAllow_SetsExpiry(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Allow(ctx, "bob", testRule); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	ttl, err := client.TTL(ctx, testRule.Key+"bob").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > testRule.Window {
		t.Errorf("expected ttl in (0, %s], got %s", testRule.Window, ttl)
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "carol", testRule)
	if err != nil || n != testRule.Limit {
		t.Fatalf("expected full limit, got %d (err=%v)", n, err)
	}

	l.Allow(ctx, "carol", testRule)
	l.Allow(ctx, "carol", testRule)

	n, err = l.Remaining(ctx, "carol", testRule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 remaining, got %d", n)
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	ok, err := l.Allow(context.Background(), "anyone", RuleMessage)
	if !ok || err != nil {
		t.Fatalf("nil limiter must allow, got ok=%v err=%v", ok, err)
	}
	if n, _ := l.Remaining(context.Background(), "anyone", RuleMessage); n != RuleMessage.Limit {
		t.Errorf("expected full limit, got %d", n)
	}
}
