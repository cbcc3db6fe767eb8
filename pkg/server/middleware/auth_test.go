package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticateNoAPIKeyAllowsAll(t *testing.T) {
	am := NewAuthMiddleware(AuthConfig{})
	req := httptest.NewRequest("GET", "/api/sessions", nil)
	rec := httptest.NewRecorder()
	am.Authenticate(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateHealthExempt(t *testing.T) {
	am := NewAuthMiddleware(AuthConfig{APIKey: "secret"})
	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	am.Authenticate(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateRejectsMissingCredential(t *testing.T) {
	am := NewAuthMiddleware(AuthConfig{APIKey: "secret"})
	req := httptest.NewRequest("GET", "/api/sessions", nil)
	rec := httptest.NewRecorder()
	am.Authenticate(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateAcceptsAPIKeyHeader(t *testing.T) {
	am := NewAuthMiddleware(AuthConfig{APIKey: "secret"})
	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	am.Authenticate(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateAcceptsBearerToken(t *testing.T) {
	am := NewAuthMiddleware(AuthConfig{APIKey: "secret"})
	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	am.Authenticate(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateRejectsWrongAPIKey(t *testing.T) {
	am := NewAuthMiddleware(AuthConfig{APIKey: "secret"})
	req := httptest.NewRequest("GET", "/api/sessions", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	am.Authenticate(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
