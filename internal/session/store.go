package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all connection hashes.
	SessionPrefix = "session:"

	// UserPrefix is the Redis key prefix mapping a user to its connection.
	UserPrefix = "session:user:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is a connection record stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`     // empty until user-online
	Server     string `redis:"server"`      // which server instance holds the socket
	RemoteAddr string `redis:"remote_addr"` // client address at upgrade
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, redisAddr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a session store for this server instance on an existing
// Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new, unbound connection record.
func (s *Store) Create(ctx context.Context, sessionID, remoteAddr string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          sessionID,
		"user_id":     "",
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// BindUser records that sessionID now carries userID and points the user's
// lookup key at this connection.
func (s *Store) BindUser(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.Set(ctx, UserPrefix+userID, sessionID, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: bind %s to %s: %w", sessionID, userID, err)
	}
	return nil
}

// ConnForUser returns the connection id last bound to userID, or "" when none.
func (s *Store) ConnForUser(ctx context.Context, userID string) (string, error) {
	id, err := s.client.Get(ctx, UserPrefix+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: lookup user %s: %w", userID, err)
	}
	return id, nil
}

// RefreshTTL extends the session's TTL and its user mapping.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: refresh %s: %w", sessionID, err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if userID != "" {
		pipe.Expire(ctx, UserPrefix+userID, SessionTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes a session. The user mapping is removed only while it still
// points at this session, so a newer connection keeps its entry.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}

	if userID != "" {
		current, err := s.client.Get(ctx, UserPrefix+userID).Result()
		if err == nil && current == sessionID {
			s.client.Del(ctx, UserPrefix+userID)
		}
	}
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
