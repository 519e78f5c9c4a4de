package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yourorg/rentledger/internal/security/auth"
	"github.com/yourorg/rentledger/internal/security/ratelimit"
)

type claimsContextKey struct{}

// publicPath reports whether a path is served without a principal. The
// callback endpoint authenticates with its own signature scheme, not JWT.
func publicPath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics" ||
		path == "/api/payments/callback"
}

// PrincipalMiddleware validates the bearer token and attaches the claims to
// the request context. The core trusts the external auth service for identity
// but re-verifies ownership on every operation.
func PrincipalMiddleware(tm *auth.TokenManager, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing auth"}`, http.StatusUnauthorized)
				return
			}

			tokenString, err := auth.ExtractToken(authHeader)
			if err != nil {
				http.Error(w, `{"error":"invalid auth"}`, http.StatusUnauthorized)
				return
			}

			claims, err := tm.ValidateToken(tokenString)
			if err != nil {
				log.Debug("token rejected", slog.String("error", err.Error()))
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware throttles payment initiation per principal
func RateLimitMiddleware(limiter *ratelimit.Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/api/payments") ||
				r.URL.Path == "/api/payments/callback" {
				next.ServeHTTP(w, r)
				return
			}

			key := ""
			if claims := GetClaimsFromContext(r.Context()); claims != nil {
				key = claims.UserID
			}

			if !limiter.Allow(key) {
				log.Warn("payment initiation rate limited", slog.String("user_id", key))
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClaimsFromContext returns the authenticated principal, or nil
func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	if c := ctx.Value(claimsContextKey{}); c != nil {
		return c.(*auth.Claims)
	}
	return nil
}
