package message

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 8192 // 8KB max text payload
	MaxContentChars = 4000 // max character count
)

var (
	ErrEmpty                    = errors.New("message has no content and no attachment")
	ErrBothContentAndAttachment = errors.New("message has both content and an attachment")
	ErrInvalidUser              = errors.New("invalid user id")
	ErrSameUser                 = errors.New("sender and receiver are the same user")
	ErrUnknownStatus            = errors.New("unknown message status")
	ErrRoomMismatch             = errors.New("room id does not match participants")
	ErrTooLong                  = errors.New("message text is too long")
	ErrInvalidText              = errors.New("message text is not valid UTF-8")
	ErrInvalidAttachment        = errors.New("attachment has neither name nor url")
)

// ValidateContent checks the text body of a message.
func ValidateContent(text string) error {
	if len(text) > MaxContentBytes {
		return fmt.Errorf("%w: over %d bytes", ErrTooLong, MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidText
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("%w: over %d characters", ErrTooLong, MaxContentChars)
	}
	return nil
}

// ValidateParticipants checks both user ids of a message.
func ValidateParticipants(senderID, receiverID string) error {
	if !ValidUserID(senderID) {
		return fmt.Errorf("%w: sender %q", ErrInvalidUser, senderID)
	}
	if !ValidUserID(receiverID) {
		return fmt.Errorf("%w: receiver %q", ErrInvalidUser, receiverID)
	}
	if senderID == receiverID {
		return ErrSameUser
	}
	return nil
}

// Validate enforces the message shape: valid participants, a room key that
// matches them when set, and exactly one of non-empty content or an
// attachment.
func (m *Message) Validate() error {
	if err := ValidateParticipants(m.SenderID, m.ReceiverID); err != nil {
		return err
	}
	if m.RoomID != "" && m.RoomID != RoomKey(m.SenderID, m.ReceiverID) {
		return ErrRoomMismatch
	}

	hasText := strings.TrimSpace(m.Content) != ""
	hasFile := m.Attachment != nil
	switch {
	case !hasText && !hasFile:
		return ErrEmpty
	case hasText && hasFile:
		return ErrBothContentAndAttachment
	}

	if hasText {
		return ValidateContent(m.Content)
	}
	if m.Attachment.Name == "" && m.Attachment.URL == "" {
		return ErrInvalidAttachment
	}
	return ValidateContent(m.Attachment.Caption)
}

// Normalize fills derived fields: the room key, the kind and the initial
// status. It trims the text content.
func (m *Message) Normalize() {
	m.Content = strings.TrimSpace(m.Content)
	m.RoomID = RoomKey(m.SenderID, m.ReceiverID)
	if m.Attachment != nil {
		if m.Attachment.Kind == "" {
			m.Attachment.Kind = KindForMime(m.Attachment.MimeType)
		}
		m.Kind = m.Attachment.Kind
	} else {
		m.Kind = KindText
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
}

// Describe returns a client-facing text for a validation error.
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrEmpty):
		return "message is empty"
	case errors.Is(err, ErrBothContentAndAttachment):
		return "message has both text and an attachment"
	case errors.Is(err, ErrInvalidUser), errors.Is(err, ErrSameUser):
		return "invalid participants"
	case errors.Is(err, ErrRoomMismatch):
		return "room does not match participants"
	case errors.Is(err, ErrTooLong):
		return fmt.Sprintf("message exceeds %d characters", MaxContentChars)
	case errors.Is(err, ErrInvalidText):
		return "message text is not valid UTF-8"
	case errors.Is(err, ErrInvalidAttachment):
		return "attachment is missing its file"
	default:
		return "invalid message"
	}
}
