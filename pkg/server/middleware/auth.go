// Package middleware implements the HTTP/SSE Surface's cross-cutting
// concerns: today, just authentication.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
)

// AuthConfig configures the auth middleware.
type AuthConfig struct {
	// APIKey is the single valid credential, checked against the
	// X-API-Key header or an Authorization: Bearer <token> header. An
	// empty APIKey disables authentication entirely.
	APIKey string
}

// AuthMiddleware enforces the X-API-Key / Bearer token contract.
type AuthMiddleware struct {
	config AuthConfig
}

// NewAuthMiddleware creates an AuthMiddleware.
func NewAuthMiddleware(config AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{config: config}
}

// Authenticate returns a middleware handler enforcing authentication on
// every request except /api/health, per spec.
func (am *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}

		if am.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			if key == am.config.APIKey {
				next.ServeHTTP(w, r)
				return
			}
			am.unauthorized(w)
			return
		}

		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			if strings.TrimPrefix(auth, "Bearer ") == am.config.APIKey {
				next.ServeHTTP(w, r)
				return
			}
		}

		am.unauthorized(w)
	})
}

func (am *AuthMiddleware) unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "authentication required"})
}
