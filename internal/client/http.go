package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/message"
)

// File is an attachment payload held in memory so a failed send can be
// retried.
type File struct {
	Name     string
	MimeType string
	Duration float64 // seconds, audio and video
	Data     []byte
}

// Attachment describes f for the optimistic local copy.
func (f *File) Attachment(caption string) *message.Attachment {
	a := &message.Attachment{
		Kind:     message.KindForMime(f.MimeType),
		Name:     f.Name,
		Size:     int64(len(f.Data)),
		MimeType: f.MimeType,
		Caption:  strings.TrimSpace(caption),
	}
	if a.Kind == message.KindAudio || a.Kind == message.KindVideo {
		a.Duration = f.Duration
	}
	return a
}

// StatusError is a non-2xx response other than 401.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: http %d: %s", e.StatusCode, e.Message)
}

// HTTPClient calls the chat HTTP API with a bearer token.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
	}
}

// SetToken replaces the bearer token after re-authentication.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// History fetches up to limit messages with peerID older than before,
// oldest first. Zero values use the server defaults.
func (c *HTTPClient) History(ctx context.Context, peerID string, limit int, before time.Time) ([]message.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/messages/" + url.PathEscape(peerID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Messages []message.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("client: history: %w", err)
	}
	return resp.Messages, nil
}

// PostMessage durably stores msg, uploading file when set. It returns the
// stored message; created is false when the server already had msg's client
// id.
func (c *HTTPClient) PostMessage(ctx context.Context, msg message.Message, file *File) (stored message.Message, created bool, err error) {
	body, contentType, err := encodeMessageForm(msg, file)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("client: post message: %w", err)
	}

	var resp struct {
		Message message.Message `json:"message"`
	}
	status, err := c.doStatus(ctx, http.MethodPost, "/api/messages", contentType, body, &resp)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("client: post message: %w", err)
	}
	return resp.Message, status == http.StatusCreated, nil
}

// MarkSeen bulk-marks ids as seen and returns how many changed.
func (c *HTTPClient) MarkSeen(ctx context.Context, ids []string) (int, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"message_ids": ids,
		"status":      message.StatusSeen,
	})
	if err != nil {
		return 0, fmt.Errorf("client: mark seen: %w", err)
	}

	var resp struct {
		Updated int `json:"updated"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/messages/status/bulk", "application/json", bytes.NewReader(payload), &resp); err != nil {
		return 0, fmt.Errorf("client: mark seen: %w", err)
	}
	return resp.Updated, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	_, err := c.doStatus(ctx, method, path, contentType, body, out)
	return err
}

func (c *HTTPClient) doStatus(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// encodeMessageForm builds the multipart body of a durable send.
func encodeMessageForm(msg message.Message, file *File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	caption := ""
	if msg.Attachment != nil {
		caption = msg.Attachment.Caption
	}
	fields := [][2]string{
		{"room_id", msg.RoomID},
		{"sender_id", msg.SenderID},
		{"receiver_id", msg.ReceiverID},
		{"content", msg.Content},
		{"message_type", msg.Kind},
		{"caption", caption},
		{"status", string(message.StatusSent)},
		{"client_id", msg.ClientID},
	}
	if file != nil {
		fields = append(fields,
			[2]string{"file_name", file.Name},
			[2]string{"file_size", strconv.Itoa(len(file.Data))},
			[2]string{"file_type", file.MimeType},
		)
		if file.Duration > 0 {
			fields = append(fields, [2]string{"duration", strconv.FormatFloat(file.Duration, 'f', -1, 64)})
		}
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
		mimeType := file.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
