// Package store persists chat messages. Postgres and MongoDB back production
// deployments; the in-memory store serves development and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/parley/chat-app/internal/message"
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("store: message not found")

// History limits.
const (
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 500
)

// HistoryQuery pages backwards through a conversation.
type HistoryQuery struct {
	Limit  int       // 0 means DefaultHistoryLimit
	Before time.Time // zero means latest
}

// Normalize clamps the limit.
func (q HistoryQuery) Normalize() HistoryQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		q.Limit = MaxHistoryLimit
	}
	return q
}

// Store is the durable message collaborator.
type Store interface {
	// Create assigns an id and creation time to msg and persists it. When the
	// sender already stored a message with the same client id, msg is
	// replaced by the stored record and created is false.
	Create(ctx context.Context, msg *message.Message) (created bool, err error)

	// Get returns one message by id.
	Get(ctx context.Context, id string) (*message.Message, error)

	// History returns the most recent messages between userID and peerID
	// matching q, oldest first.
	History(ctx context.Context, userID, peerID string, q HistoryQuery) ([]message.Message, error)

	// MarkSeen moves the listed messages addressed to receiverID from sent
	// to seen and returns how many changed.
	MarkSeen(ctx context.Context, receiverID string, ids []string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// reverse flips msgs in place; stores query newest first.
func reverse(msgs []message.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// dedupe drops empty and repeated ids.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
