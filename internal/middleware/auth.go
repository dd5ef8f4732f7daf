// Package middleware holds HTTP middleware shared across the Control Plane
// API's handlers: bearer-token authentication and request metrics.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/metrics"
)

// APITokenMiddleware validates the Authorization bearer token against the
// configured static token. An empty config.APIToken disables auth, which is
// the development default.
func APITokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeUnauthorized(w, "Missing Authorization header")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeUnauthorized(w, "Invalid Authorization header format. Use: Bearer <token>")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token != config.APIToken {
			writeUnauthorized(w, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","message":"` + message + `"}`))
}

// MetricsMiddleware records request count and latency per method/endpoint.
func MetricsMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(mw, r)

		metrics.RecordAPIRequest(r.Method, endpoint, strconv.Itoa(mw.statusCode))
		metrics.RecordAPIRequestDuration(r.Method, endpoint, time.Since(start).Seconds())
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
