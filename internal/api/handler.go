package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/attachment"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/relay"
	"github.com/parley/chat-app/internal/store"
	"github.com/parley/chat-app/internal/ws"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store          store.Store
	relay          *relay.Relay
	attachments    *attachment.DiskStore
	limiter        *ratelimit.Limiter
	socket         *ws.Server
	validate       *validator.Validate
	logger         zerolog.Logger
	maxUploadBytes int64
}

// NewHandler creates a Handler from d.
func NewHandler(d Deps) *Handler {
	maxUpload := d.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		store:          d.Store,
		relay:          d.Relay,
		attachments:    d.Attachments,
		limiter:        d.Limiter,
		socket:         d.Socket,
		validate:       v,
		logger:         d.Logger.With().Str("component", "api").Logger(),
		maxUploadBytes: maxUpload,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Health reports store reachability and, when the socket server is mounted,
// its connection count.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("health: store ping failed")
		h.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": "unreachable"})
		return
	}
	if h.socket != nil {
		h.socket.HandleHealth(w, r)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validationMessage renders validator errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}
