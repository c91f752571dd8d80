// Package middleware provides the HTTP middleware chain for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/specboard/specboard/internal/errors"
	"github.com/specboard/specboard/internal/httputil"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/services/auth"
)

// TokenValidator checks a session token and returns its claims. Revoked
// tokens must be rejected.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*auth.Claims, error)
}

// AuthMiddleware enforces bearer-token authentication.
type AuthMiddleware struct {
	validator TokenValidator
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the authentication middleware. Requests to
// skipPaths pass through unauthenticated.
func NewAuthMiddleware(validator TokenValidator, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{validator: validator, logger: logger, skipPaths: skip}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, r, errors.Unauthorized("invalid Authorization header format"))
			return
		}

		claims, err := m.validator.ValidateToken(r.Context(), parts[1])
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("token validation failed")
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), claims.UserID)
		ctx = context.WithValue(ctx, tokenContextKey{}, parts[1])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type tokenContextKey struct{}

// BearerToken returns the raw session token carried by an authenticated
// request, for logout.
func BearerToken(ctx context.Context) string {
	if v, ok := ctx.Value(tokenContextKey{}).(string); ok {
		return v
	}
	return ""
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("authentication failed", err)
	}

	httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("authentication failed")
}
