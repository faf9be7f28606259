package api

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parley/chat-app/internal/attachment"
	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/store"
)

// HistoryResponse is the body of GET /api/messages/{peerId}.
type HistoryResponse struct {
	Messages []message.Message `json:"messages"`
}

// MessageResponse is the body of POST /api/messages.
type MessageResponse struct {
	Message message.Message `json:"message"`
}

// SendMessageRequest carries the fields of a durable send, either as
// multipart form values or as a JSON body.
type SendMessageRequest struct {
	RoomID      string  `json:"room_id"`
	SenderID    string  `json:"sender_id" validate:"required,max=64"`
	ReceiverID  string  `json:"receiver_id" validate:"required,max=64,nefield=SenderID"`
	Content     string  `json:"content" validate:"max=8192"`
	MessageType string  `json:"message_type" validate:"omitempty,oneof=text photo audio video file"`
	Caption     string  `json:"caption" validate:"max=8192"`
	Status      string  `json:"status" validate:"omitempty,eq=sent"`
	ClientID    string  `json:"client_id" validate:"max=128"`
	FileName    string  `json:"file_name" validate:"max=255"`
	FileSize    int64   `json:"file_size" validate:"gte=0"`
	FileType    string  `json:"file_type" validate:"max=255"`
	Duration    float64 `json:"duration" validate:"gte=0"`
}

// BulkStatusRequest is the body of PUT /api/messages/status/bulk.
type BulkStatusRequest struct {
	MessageIDs []string `json:"message_ids" validate:"required,min=1,max=500,dive,required,max=64"`
	Status     string   `json:"status" validate:"required,eq=seen"`
}

// GetHistory returns the conversation between the caller and peerId, oldest
// first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())
	peerID := chi.URLParam(r, "peerId")
	if !message.ValidUserID(peerID) || peerID == userID {
		h.Error(w, http.StatusBadRequest, "invalid peer id")
		return
	}

	var q store.HistoryQuery
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}
	if v := r.URL.Query().Get("before"); v != "" {
		before, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		q.Before = before
	}

	msgs, err := h.store.History(r.Context(), userID, peerID, q)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Str("peer_id", peerID).Msg("load history")
		h.Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	h.JSON(w, http.StatusOK, HistoryResponse{Messages: msgs})
}

// PostMessage durably stores a message sent by the caller. The live copy was
// already relayed over the socket; a successful write is announced with
// message-sent so every session can swap the provisional id. A repeated
// client_id returns the stored message with 200 instead of 201.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())

	var (
		req  SendMessageRequest
		file multipart.File
	)
	if isMultipart(r) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				h.Error(w, http.StatusRequestEntityTooLarge, "upload too large")
				return
			}
			h.Error(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		defer r.MultipartForm.RemoveAll()

		var err error
		req, err = formRequest(r)
		if err != nil {
			h.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if f, _, err := r.FormFile("file"); err == nil {
			file = f
			defer f.Close()
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := h.validate.Struct(req); err != nil {
		h.Error(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if req.SenderID != userID {
		h.Error(w, http.StatusForbidden, "sender does not match token")
		return
	}

	msg := message.Message{
		ClientID:   req.ClientID,
		RoomID:     req.RoomID,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
	}

	if file != nil {
		if !h.allow(r.Context(), w, userID, ratelimit.RuleUpload) {
			return
		}
		caption := req.Caption
		if caption == "" {
			caption = req.Content
		}
		saved, err := h.attachments.Save(attachment.Upload{
			Name:     req.FileName,
			MimeType: req.FileType,
			Duration: req.Duration,
			Caption:  caption,
			Body:     file,
		})
		switch {
		case errors.Is(err, attachment.ErrTooLarge):
			h.Error(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		case errors.Is(err, attachment.ErrEmpty):
			h.Error(w, http.StatusUnprocessableEntity, "file is empty")
			return
		case err != nil:
			h.logger.Error().Err(err).Str("user_id", userID).Msg("save attachment")
			h.Error(w, http.StatusInternalServerError, "failed to store attachment")
			return
		}
		msg.Content = ""
		msg.Attachment = saved
	}

	if err := msg.Validate(); err != nil {
		h.discard(msg.Attachment)
		h.Error(w, http.StatusUnprocessableEntity, message.Describe(err))
		return
	}
	msg.Normalize()
	uploaded := msg.Attachment

	created, err := h.store.Create(r.Context(), &msg)
	if err != nil {
		h.discard(uploaded)
		h.logger.Error().Err(err).Str("user_id", userID).Str("client_id", req.ClientID).Msg("store message")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	if !created && uploaded != nil && (msg.Attachment == nil || msg.Attachment.URL != uploaded.URL) {
		h.discard(uploaded)
	}

	h.relay.MessageSent(msg)

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.JSON(w, status, MessageResponse{Message: msg})
}

// BulkStatus marks messages addressed to the caller as seen.
func (h *Handler) BulkStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFrom(r.Context())

	var req BulkStatusRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.Error(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	n, err := h.store.MarkSeen(r.Context(), userID, req.MessageIDs)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("mark seen")
		h.Error(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	h.JSON(w, http.StatusOK, map[string]int{"updated": n})
}

// discard removes an attachment whose message was not stored.
func (h *Handler) discard(a *message.Attachment) {
	if a == nil {
		return
	}
	if err := h.attachments.Remove(a.URL); err != nil {
		h.logger.Warn().Err(err).Str("url", a.URL).Msg("remove orphaned attachment")
	}
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// formRequest reads a SendMessageRequest from parsed form values.
func formRequest(r *http.Request) (SendMessageRequest, error) {
	req := SendMessageRequest{
		RoomID:      r.FormValue("room_id"),
		SenderID:    r.FormValue("sender_id"),
		ReceiverID:  r.FormValue("receiver_id"),
		Content:     r.FormValue("content"),
		MessageType: r.FormValue("message_type"),
		Caption:     r.FormValue("caption"),
		Status:      r.FormValue("status"),
		ClientID:    r.FormValue("client_id"),
		FileName:    r.FormValue("file_name"),
		FileType:    r.FormValue("file_type"),
	}
	if v := r.FormValue("file_size"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, errors.New("file_size must be an integer")
		}
		req.FileSize = size
	}
	if v := r.FormValue("duration"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, errors.New("duration must be a number")
		}
		req.Duration = d
	}
	return req, nil
}
