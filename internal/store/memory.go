package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/parley/chat-app/internal/message"
)

// MemoryStore keeps messages in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*message.Message
	byClient map[string]string   // sender_id + "/" + client_id -> id
	byRoom   map[string][]string // room_id -> ids in insertion order
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*message.Message),
		byClient: make(map[string]string),
		byRoom:   make(map[string][]string),
		now:      time.Now,
	}
}

// Create stores a copy of msg.
func (s *MemoryStore) Create(_ context.Context, msg *message.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ClientID != "" {
		if id, ok := s.byClient[clientKey(msg.SenderID, msg.ClientID)]; ok {
			*msg = copyMessage(s.byID[id])
			return false, nil
		}
	}

	msg.ID = ulid.Make().String()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if msg.RoomID == "" {
		msg.RoomID = message.RoomKey(msg.SenderID, msg.ReceiverID)
	}

	stored := copyMessage(msg)
	s.byID[stored.ID] = &stored
	s.byRoom[stored.RoomID] = append(s.byRoom[stored.RoomID], stored.ID)
	if msg.ClientID != "" {
		s.byClient[clientKey(msg.SenderID, msg.ClientID)] = stored.ID
	}
	return true, nil
}

// Get returns a copy of the message with id.
func (s *MemoryStore) Get(_ context.Context, id string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := copyMessage(m)
	return &out, nil
}

// History returns the conversation page oldest first.
func (s *MemoryStore) History(_ context.Context, userID, peerID string, q HistoryQuery) ([]message.Message, error) {
	q = q.Normalize()

	s.mu.RLock()
	ids := s.byRoom[message.RoomKey(userID, peerID)]
	all := make([]message.Message, 0, len(ids))
	for _, id := range ids {
		m := s.byID[id]
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		all = append(all, copyMessage(m))
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if len(all) > q.Limit {
		all = all[len(all)-q.Limit:]
	}
	return all, nil
}

// MarkSeen transitions matching messages to seen.
func (s *MemoryStore) MarkSeen(_ context.Context, receiverID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range dedupe(ids) {
		m, ok := s.byID[id]
		if !ok || m.ReceiverID != receiverID || m.Status != message.StatusSent {
			continue
		}
		m.Status = message.StatusSeen
		n++
	}
	return n, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func clientKey(senderID, clientID string) string {
	return senderID + "/" + clientID
}

func copyMessage(m *message.Message) message.Message {
	out := *m
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	return out
}
