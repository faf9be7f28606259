// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Each chat action (message, typing, upload,
// connection) is throttled per connection or per user.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/metrics"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // label used in metrics
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard rate limiting rules.
var (
	// RuleMessage allows 20 messages per 10 seconds per user.
	RuleMessage = Rule{Name: "message", Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleTyping allows 30 typing toggles per 10 seconds per connection.
	RuleTyping = Rule{Name: "typing", Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleUpload allows 10 attachment uploads per minute per user.
	RuleUpload = Rule{Name: "upload", Key: "rl:upload:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open so that a Redis outage does not block
// legitimate traffic. A nil Limiter allows everything.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if l == nil {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	if int(count) > rule.Limit {
		metrics.RateLimited.WithLabelValues(rule.Name).Inc()
		return false, nil
	}

	return true, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet or on Redis errors.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	if l == nil {
		return rule.Limit, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("redis GET failed, failing open")
		return rule.Limit, fmt.Errorf("ratelimit: get %s: %w", key, err)
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter returns the whole seconds until the identifier's window resets.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	if l == nil {
		return 0
	}
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return int(rule.Window.Seconds())
	}
	secs := int(ttl.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
