package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
)

func withAPIToken(t *testing.T, token string) {
	t.Helper()
	prev := config.APIToken
	config.APIToken = token
	t.Cleanup(func() { config.APIToken = prev })
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPITokenMiddlewareDisabledWhenUnset(t *testing.T) {
	withAPIToken(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()

	APITokenMiddleware(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPITokenMiddlewareMissingHeader(t *testing.T) {
	withAPIToken(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()

	APITokenMiddleware(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPITokenMiddlewareMalformedHeader(t *testing.T) {
	withAPIToken(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "secret")
	rec := httptest.NewRecorder()

	APITokenMiddleware(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPITokenMiddlewareWrongToken(t *testing.T) {
	withAPIToken(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()

	APITokenMiddleware(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPITokenMiddlewareValidToken(t *testing.T) {
	withAPIToken(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()

	APITokenMiddleware(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsMiddlewareRecordsStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()

	handler := MetricsMiddleware("/api/jobs", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
}
