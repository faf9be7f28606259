// Package auth verifies the bearer tokens issued by the account service. The
// token subject is the user id. Issuing tokens in production is handled
// elsewhere; Issue exists for tests and the terminal client.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/parley/chat-app/internal/message"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

type contextKey string

// UserContextKey holds the authenticated user id in the request context.
const UserContextKey contextKey = "user_id"

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier creates a Verifier for the shared HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: 30 * time.Second}
}

// Verify parses token and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithLeeway(v.leeway),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || !message.ValidUserID(sub) {
		return "", fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return sub, nil
}

// Issue signs a token for userID valid for ttl.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// BearerToken extracts the token from an Authorization header, falling back
// to the token query parameter used by WebSocket clients.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// RequireAuth rejects requests without a valid bearer token and stores the
// subject in the request context.
func (v *Verifier) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := v.Verify(token)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

// Upgrade resolves the optional token on a WebSocket upgrade request. No
// token means an anonymous connection that binds with user-online.
func (v *Verifier) Upgrade(r *http.Request) (string, error) {
	token := BearerToken(r)
	if token == "" {
		return "", nil
	}
	return v.Verify(token)
}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserContextKey, userID)
}

// UserFrom returns the authenticated user id from ctx.
func UserFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserContextKey).(string)
	return userID, ok && userID != ""
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
