// Package http provides net/http middleware that establishes the caller of
// the referral API and guards operator-only routes
package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// Optional passes requests without a user through unchanged. Use it when
	// webhooks and operator routes share the middleware; the API still
	// answers 401 on routes that need a caller.
	Optional bool
}

// Middleware rejects requests without a user and stores the user ID in the
// request context, where UserID and api.FromContext(UserIDKey) read it
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetUserID == nil {
		panic("goreferral/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.Optional {
					next.ServeHTTP(w, r)
					return
				}
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// RequireOperator admits requests carrying "Authorization: Bearer <token>".
// An empty token disables the guarded routes entirely (404).
func RequireOperator(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.NotFound(w, r)
				return
			}
			if !ValidOperatorToken(r.Header.Get("Authorization"), token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="operator"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ValidOperatorToken compares an Authorization header value against token in constant time
func ValidOperatorToken(authorization, token string) bool {
	if token == "" {
		return false
	}
	got := BearerToken(authorization)
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// BearerToken returns the credentials of a "Bearer" Authorization header, or ""
func BearerToken(authorization string) string {
	scheme, value, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}

// Paths lists every route the referral service serves. Framework
// integrations register these against the combined service handler.
var Paths = []string{
	"/webhooks/stripe",
	"/webhooks/revenuecat",
	"/referrals",
	"/referrals/earnings",
	"/referrals/withdrawals",
	"/notifications",
	"/notifications/read",
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "referral:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// UserID returns the user ID stored by Middleware
func UserID(r *http.Request) string {
	return FromContext(UserIDKey)(r)
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
