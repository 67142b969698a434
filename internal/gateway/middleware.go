package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quizdeck/sessiond/internal/token"
)

type contextKey string

const accessClaimsKey contextKey = "accessClaims"

// AccessClaimsFromContext returns the verified access-token claims set by
// RequireAccess.
func AccessClaimsFromContext(ctx context.Context) (*token.AccessClaims, bool) {
	claims, ok := ctx.Value(accessClaimsKey).(*token.AccessClaims)
	return claims, ok
}

// RequireAccess guards a subtree behind a valid bearer access token.
// Forged or expired tokens are rejected and logged, never auto-corrected.
func (g *Gateway) RequireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			g.writeError(w, http.StatusUnauthorized, "missing_token", "authorization header required")
			return
		}
		claims, err := g.issuer.ParseAccess(raw)
		if err != nil {
			g.log.Warn("access token rejected", "error", err)
			g.writeError(w, http.StatusUnauthorized, "invalid_token", "access token invalid or expired")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accessClaimsKey, claims)))
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return header[len(prefix):]
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger logs one line per request with a correlation ID.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestID := uuid.NewString()
		next.ServeHTTP(rec, r)
		g.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
