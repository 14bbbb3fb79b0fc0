package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/boddenberg/pixgw-settlement-go/internal/service"
	"go.uber.org/zap"
)

type contextKey string

const claimsKey contextKey = "claims"

// BaaSAuthMiddleware validates Bearer tokens issued by the BaaS and injects
// the claims into the request context.
func BaaSAuthMiddleware(tokens *service.TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("auth: missing token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.Warn("auth: invalid token format",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims, err := tokens.Verify(strings.TrimSpace(parts[1]))
			if err != nil {
				logger.Warn("auth: invalid or expired token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose token does not carry role.
// Must run after BaaSAuthMiddleware.
func RequireRole(role string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil || claims.Role != role {
				logger.Warn("auth: role required",
					zap.String("path", r.URL.Path),
					zap.String("required_role", role),
				)
				writeError(w, http.StatusForbidden, "forbidden: "+role+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser admits only end-user tokens: role authenticated with a
// subject, which becomes the owner every billing read is scoped to.
// Must run after BaaSAuthMiddleware.
func RequireUser(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil || claims.Role != service.RoleAuthenticated {
				logger.Warn("auth: user token required",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusForbidden, "forbidden: user token required")
				return
			}
			if strings.TrimSpace(claims.Subject) == "" {
				logger.Warn("auth: token has no subject",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "token has no subject")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext returns the verified token claims, or nil.
func ClaimsFromContext(ctx context.Context) *service.Claims {
	v, _ := ctx.Value(claimsKey).(*service.Claims)
	return v
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.Subject
	}
	return ""
}
