// Package client is the chat client library: the per-conversation message
// state machine, timeline layout, typing debounce, and the HTTP and socket
// clients that drive them.
package client

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/message"
)

// State is the local lifecycle of a message in a session.
type State string

const (
	StatePending   State = "pending"   // inserted locally, provisional id
	StateConfirmed State = "confirmed" // authoritative id known
	StateSeen      State = "seen"      // receiver viewed it
	StateFailed    State = "failed"    // durable write failed, retryable
)

var (
	ErrUnauthorized   = errors.New("client: unauthorized")
	ErrUnknownMessage = errors.New("client: unknown message")
	ErrNotFailed      = errors.New("client: message is not in failed state")
)

// Entry is one message of the local list together with its state.
type Entry struct {
	Message message.Message
	State   State
	Err     error // last persistence error while failed
}

// Session holds the local message list of one conversation. It is safe for
// concurrent use; socket callbacks and HTTP completions arrive on different
// goroutines.
type Session struct {
	viewer  string
	peer    string
	roomKey string

	mu       sync.Mutex
	entries  []*Entry
	byID     map[string]*Entry
	byClient map[string]*Entry // sender_id + "/" + client_id
	early    map[string]sentNotice // message-sent seen before its message, by client id

	now   func() time.Time
	newID func() string
}

// NewSession creates an empty session between viewer and peer.
func NewSession(viewer, peer string) (*Session, error) {
	if err := message.ValidateParticipants(viewer, peer); err != nil {
		return nil, fmt.Errorf("client: new session: %w", err)
	}
	return &Session{
		viewer:   viewer,
		peer:     peer,
		roomKey:  message.RoomKey(viewer, peer),
		byID:     make(map[string]*Entry),
		byClient: make(map[string]*Entry),
		early:    make(map[string]sentNotice),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}, nil
}

// Viewer returns the local user id.
func (s *Session) Viewer() string { return s.viewer }

// Peer returns the other participant.
func (s *Session) Peer() string { return s.peer }

// RoomKey returns the conversation's room key.
func (s *Session) RoomKey() string { return s.roomKey }

// Compose validates a new outgoing message and inserts it as pending under
// a provisional id, which doubles as its client id. Invalid input returns an
// error and leaves the list untouched.
func (s *Session) Compose(text string, att *message.Attachment) (message.Message, error) {
	msg := message.Message{
		SenderID:   s.viewer,
		ReceiverID: s.peer,
		Content:    text,
		Attachment: att,
	}
	if err := msg.Validate(); err != nil {
		return message.Message{}, err
	}
	msg.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	msg.ID = id
	msg.ClientID = id
	msg.Status = message.StatusSent
	msg.CreatedAt = s.now().UTC()

	e := &Entry{Message: msg, State: StatePending}
	s.insert(e)
	return msg, nil
}

// Load merges a page of history, oldest first, into the list.
func (s *Session) Load(msgs []message.Message) int {
	n := 0
	for _, m := range msgs {
		if s.Receive(m) {
			n++
		}
	}
	return n
}

// Receive merges a message from the server. It is discarded when its id,
// or its sender's client id, is already known; a stored copy of a local
// provisional entry confirms that entry instead. Returns whether the list
// changed.
func (s *Session) Receive(msg message.Message) bool {
	if msg.ID == "" || message.RoomKey(msg.SenderID, msg.ReceiverID) != s.roomKey {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[msg.ID]; dup {
		return false
	}
	if msg.ClientID != "" {
		key := clientKey(msg.SenderID, msg.ClientID)
		if _, dup := s.byClient[key]; dup {
			if msg.ID == msg.ClientID || !s.confirm(key, msg.ID) {
				return false
			}
			s.advance(s.byID[msg.ID], msg.Status)
			return true
		}
	}

	if msg.ClientID != "" {
		if n, ok := s.early[strings.TrimSpace(msg.ClientID)]; ok {
			delete(s.early, strings.TrimSpace(msg.ClientID))
			if msg.ID == msg.ClientID {
				if _, dup := s.byID[n.id]; dup {
					return false
				}
				msg.ID = n.id
				msg.Status = message.Advance(msg.Status, n.status)
				if n.att != nil && msg.Attachment != nil && msg.Attachment.URL == "" {
					a := *n.att
					msg.Attachment = &a
				}
			}
		}
	}

	state := StateConfirmed
	if msg.Status == message.StatusSeen {
		state = StateSeen
	}
	s.insert(&Entry{Message: msg, State: state})
	return true
}

// Confirm swaps the provisional id of the entry created with clientID for
// the authoritative id. Applying it again is a no-op. Content, participants
// and status are left as they are.
func (s *Session) Confirm(clientID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirm(clientKey(s.viewer, clientID), id)
}

// ApplySent handles a message-sent event, which may concern either side's
// message: the provisional id is swapped, the status advanced and a stored
// attachment location filled in.
func (s *Session) ApplySent(clientID, id string, status message.Status, att *message.Attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, sender := range []string{s.viewer, s.peer} {
		if s.confirm(clientKey(sender, clientID), id) {
			changed = true
			break
		}
	}

	e, ok := s.byID[id]
	if !ok {
		// The live message has not arrived yet; Receive applies this.
		if !changed && clientID != "" && id != "" {
			s.rememberSent(clientID, sentNotice{id: id, status: status, att: att})
		}
		return changed
	}
	if att != nil && e.Message.Attachment != nil && e.Message.Attachment.URL == "" {
		a := *att
		e.Message.Attachment = &a
		changed = true
	}
	if s.advance(e, status) {
		changed = true
	}
	return changed
}

// Fail marks a pending entry as failed.
func (s *Session) Fail(clientID string, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byClient[clientKey(s.viewer, clientID)]
	if !ok || e.State != StatePending {
		return false
	}
	e.State = StateFailed
	e.Err = cause
	return true
}

// Retry moves a failed entry back to pending and returns it for resending.
func (s *Session) Retry(clientID string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byClient[clientKey(s.viewer, clientID)]
	if !ok {
		return message.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, clientID)
	}
	if e.State != StateFailed {
		return message.Message{}, fmt.Errorf("%w: %s is %s", ErrNotFailed, clientID, e.State)
	}
	e.State = StatePending
	e.Err = nil
	return e.Message, nil
}

// AbandonPending fails every pending entry, used when the session lost its
// credentials mid-flight.
func (s *Session) AbandonPending(cause error) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.State == StatePending {
			e.State = StateFailed
			e.Err = cause
			n++
		}
	}
	return n
}

// ApplyStatus applies an incoming status change. Statuses only move
// forward; unknown statuses and ids are ignored.
func (s *Session) ApplyStatus(id string, status message.Status) bool {
	if _, err := message.ParseStatus(string(status)); err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return false
	}
	return s.advance(e, status)
}

// UnseenFromPeer returns the ids of stored messages addressed to the viewer
// that are still sent.
func (s *Session) UnseenFromPeer() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, e := range s.entries {
		m := e.Message
		if m.ReceiverID == s.viewer && m.Status == message.StatusSent && e.State == StateConfirmed && !s.provisional(e) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// MarkSeen transitions the listed messages addressed to the viewer to seen.
func (s *Session) MarkSeen(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		e, ok := s.byID[id]
		if !ok || e.Message.ReceiverID != s.viewer {
			continue
		}
		if s.advance(e, message.StatusSeen) {
			n++
		}
	}
	return n
}

// Entries returns a snapshot of the list in display order.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
		if e.Message.Attachment != nil {
			a := *e.Message.Attachment
			out[i].Message.Attachment = &a
		}
	}
	return out
}

// Get returns the entry with id.
func (s *Session) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of entries.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Layout returns the list as timeline rows.
func (s *Session) Layout() []Row {
	return Layout(s.Entries(), s.viewer)
}

// insert appends e and indexes it. Callers hold s.mu.
func (s *Session) insert(e *Entry) {
	s.entries = append(s.entries, e)
	s.byID[e.Message.ID] = e
	if e.Message.ClientID != "" {
		s.byClient[clientKey(e.Message.SenderID, e.Message.ClientID)] = e
	}
}

// confirm swaps the provisional id of the entry at key. When the
// authoritative id is already present (history loaded it first), the
// provisional duplicate is dropped. Callers hold s.mu.
func (s *Session) confirm(key, id string) bool {
	e, ok := s.byClient[key]
	if !ok || id == "" || e.Message.ID == id {
		return false
	}
	if !s.provisional(e) {
		return false
	}

	if existing, dup := s.byID[id]; dup && existing != e {
		s.remove(e)
		return true
	}

	delete(s.byID, e.Message.ID)
	e.Message.ID = id
	s.byID[id] = e
	if e.State == StatePending || e.State == StateFailed {
		e.State = StateConfirmed
		e.Err = nil
	}
	return true
}

// sentNotice is a message-sent event waiting for its receive-message.
type sentNotice struct {
	id     string
	status message.Status
	att    *message.Attachment
}

// maxEarlyNotices bounds notices whose message never arrives.
const maxEarlyNotices = 256

// rememberSent stores n until the message with clientID is received.
// Callers hold s.mu.
func (s *Session) rememberSent(clientID string, n sentNotice) {
	if len(s.early) >= maxEarlyNotices {
		s.early = make(map[string]sentNotice)
	}
	if n.att != nil {
		a := *n.att
		n.att = &a
	}
	s.early[strings.TrimSpace(clientID)] = n
}

// provisional reports whether e still carries its client-chosen id.
func (s *Session) provisional(e *Entry) bool {
	return e.Message.ClientID != "" && e.Message.ID == e.Message.ClientID
}

// advance moves e's status forward. Callers hold s.mu.
func (s *Session) advance(e *Entry, status message.Status) bool {
	next := message.Advance(e.Message.Status, status)
	if next == e.Message.Status {
		return false
	}
	e.Message.Status = next
	if next == message.StatusSeen && e.State == StateConfirmed {
		e.State = StateSeen
	}
	return true
}

func (s *Session) remove(e *Entry) {
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	if s.byID[e.Message.ID] == e {
		delete(s.byID, e.Message.ID)
	}
	if e.Message.ClientID != "" {
		key := clientKey(e.Message.SenderID, e.Message.ClientID)
		if s.byClient[key] == e {
			delete(s.byClient, key)
		}
	}
}

func clientKey(senderID, clientID string) string {
	return senderID + "/" + strings.TrimSpace(clientID)
}
