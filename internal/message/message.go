// Package message defines the chat message record shared by the relay, the
// durable store and the client session, together with the validation and
// status rules every component enforces.
package message

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Status is the delivery status of a message.
type Status string

const (
	StatusSent Status = "sent"
	StatusSeen Status = "seen"
)

// Kind values for Message.Kind. Text messages carry no attachment.
const (
	KindText  = "text"
	KindPhoto = "photo"
	KindAudio = "audio"
	KindVideo = "video"
	KindFile  = "file"
)

// RoomSeparator joins the two participant ids of a room key. User ids can
// never contain it (see userIDPattern).
const RoomSeparator = ":"

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Attachment describes a media file sent with a message.
type Attachment struct {
	Kind     string  `json:"kind" bson:"kind"`
	URL      string  `json:"url" bson:"url"`
	Name     string  `json:"name" bson:"name"`
	Size     int64   `json:"size" bson:"size"`
	MimeType string  `json:"mime_type" bson:"mime_type"`
	Duration float64 `json:"duration,omitempty" bson:"duration,omitempty"`
	Caption  string  `json:"caption,omitempty" bson:"caption,omitempty"`
}

// Message is one chat message between two users.
type Message struct {
	ID         string      `json:"id" bson:"-"`
	ClientID   string      `json:"client_id,omitempty" bson:"client_id,omitempty"`
	RoomID     string      `json:"room_id" bson:"room_id"`
	SenderID   string      `json:"sender_id" bson:"sender_id"`
	ReceiverID string      `json:"receiver_id" bson:"receiver_id"`
	Content    string      `json:"content,omitempty" bson:"content,omitempty"`
	Kind       string      `json:"message_type" bson:"message_type"`
	Attachment *Attachment `json:"attachment,omitempty" bson:"attachment,omitempty"`
	Status     Status      `json:"status" bson:"status"`
	CreatedAt  time.Time   `json:"created_at" bson:"created_at"`
}

// RoomKey returns the canonical room key for a two-party conversation. The
// result is the same for RoomKey(a, b) and RoomKey(b, a).
func RoomKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, RoomSeparator)
}

// Participants splits a room key back into its two user ids.
func Participants(roomKey string) (string, string, error) {
	parts := strings.Split(roomKey, RoomSeparator)
	if len(parts) != 2 || !ValidUserID(parts[0]) || !ValidUserID(parts[1]) {
		return "", "", fmt.Errorf("message: malformed room key %q", roomKey)
	}
	return parts[0], parts[1], nil
}

// ValidUserID reports whether id is usable as a user identity.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusSent, StatusSeen:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// rank orders statuses so transitions can only move forward.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusSeen:
		return 2
	}
	return 0
}

// Advance returns the status after applying next to current. A transition
// that would move backwards (seen -> sent) keeps current.
func Advance(current, next Status) Status {
	if next.rank() > current.rank() {
		return next
	}
	return current
}

// KindForMime maps a MIME type to a message kind the way the web client
// labels uploads.
func KindForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "audio"):
		return KindAudio
	case strings.HasPrefix(mime, "video"):
		return KindVideo
	case strings.HasPrefix(mime, "image"):
		return KindPhoto
	default:
		return KindFile
	}
}
