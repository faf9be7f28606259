package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/parley/chat-app/internal/ratelimit"
)

// Logger returns a request logging middleware using zerolog.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				ev := logger.Info()
				if status >= http.StatusInternalServerError {
					ev = logger.Error()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// limitByIP throttles requests per client address. RealIP has already
// rewritten RemoteAddr by the time this runs.
func (h *Handler) limitByIP(rule ratelimit.Rule) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.allow(r.Context(), w, r.RemoteAddr, rule) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allow applies rule to identifier, writing a 429 when it is exceeded.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, identifier string, rule ratelimit.Rule) bool {
	if h.limiter == nil {
		return true
	}
	ok, _ := h.limiter.Allow(ctx, identifier, rule)
	if ok {
		return true
	}
	if retry := h.limiter.RetryAfter(ctx, identifier, rule); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	h.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}
