// Package api exposes the HTTP surface: message history, durable sends with
// attachments, bulk status updates, uploads, health and metrics, and the
// WebSocket upgrade endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/attachment"
	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/relay"
	"github.com/parley/chat-app/internal/store"
	"github.com/parley/chat-app/internal/ws"
)

// Deps are the collaborators the router wires into its handlers.
type Deps struct {
	Logger      zerolog.Logger
	Store       store.Store
	Relay       *relay.Relay
	Verifier    *auth.Verifier
	Attachments *attachment.DiskStore
	Limiter     *ratelimit.Limiter // nil disables rate limiting
	Socket      *ws.Server         // nil serves no /ws endpoint

	CORSOrigins    []string
	MaxUploadBytes int64
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics first so every request is counted.
	r.Use(metrics.Middleware)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(d.Logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := NewHandler(d)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", h.Health)
	r.Handle(attachment.URLPrefix+"*", d.Attachments.Handler())

	if d.Socket != nil {
		r.With(h.limitByIP(ratelimit.RuleConnect)).Get("/ws", d.Socket.HandleUpgrade)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(d.Verifier.RequireAuth)

		r.Get("/messages/{peerId}", h.GetHistory)
		r.Post("/messages", h.PostMessage)
		r.Put("/messages/status/bulk", h.BulkStatus)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})

	return r
}
