package api

import (
	"net/http"
	"strings"

	"github.com/antigravity-dev/squadforge/internal/config"
)

// AuthMiddleware gates write endpoints behind a single bearer token held in
// config.API.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware constructs an AuthMiddleware from the API config. An
// empty AuthToken disables the check entirely (local single-operator use).
func NewAuthMiddleware(cfg config.API) *AuthMiddleware {
	return &AuthMiddleware{token: cfg.AuthToken}
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// RequireAuth wraps a write handler, rejecting requests that don't carry
// the configured bearer token. A no-op when no token is configured.
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	if am.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if extractToken(r) != am.token {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "valid bearer token required")
			return
		}
		next(w, r)
	}
}
