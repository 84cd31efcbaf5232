// Package auth validates bearer tokens on the HTTP API.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const callerKey ContextKey = "caller"

var (
	ErrUnauthenticated = errors.New("missing authentication")
	ErrForbidden       = errors.New("missing required scope")
)

// devCaller is attached when authentication is disabled.
var devCaller = &Caller{Subject: "dev", Scopes: []string{ScopeAsk, ScopeRunsRead}}

// Middleware provides HTTP authentication
type Middleware struct {
	jwt      *JWTManager
	skipAuth bool
	logger   *zap.Logger
}

// NewMiddleware creates the middleware. A nil manager disables authentication.
func NewMiddleware(jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwt: jwtManager, skipAuth: skipAuth || jwtManager == nil, logger: logger}
}

// HTTPMiddleware authenticates every request passed to next.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), devCaller)))
			return
		}

		var token string
		if h := r.Header.Get("Authorization"); h != "" {
			t, err := ExtractBearerToken(h)
			if err != nil {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
			token = t
		} else if strings.HasPrefix(r.URL.Path, "/stream/") {
			// EventSource cannot send headers
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}

		caller, err := m.jwt.ValidateToken(token)
		if err != nil {
			m.logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFrom extracts the caller from ctx.
func CallerFrom(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey).(*Caller)
	return c, ok && c != nil
}

// RequireScopes checks if the caller has the required scopes
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	c, ok := CallerFrom(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	for _, required := range requiredScopes {
		if !c.HasScope(required) {
			return ErrForbidden
		}
	}
	return nil
}
