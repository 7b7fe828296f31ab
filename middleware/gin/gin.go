// Package gin mounts the referral service on a Gin engine
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	mwhttp "github.com/mihaimyh/goreferral/middleware/http"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, aborts with 401 {"error": "unauthorized"}
	OnUnauthorized func(c *gongin.Context)

	// Optional lets requests without a user continue (see mwhttp.Config.Optional)
	Optional bool
}

// Middleware copies the caller's user ID into the request context so the
// mounted service handler reads it with api.FromContext(mwhttp.UserIDKey)
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.GetUserID == nil {
		panic("goreferral/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.Optional {
				c.Next()
				return
			}
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			return
		}

		c.Set(string(mwhttp.UserIDKey), userID)
		c.Request = c.Request.WithContext(mwhttp.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// RequireOperator admits requests carrying the operator bearer token
func RequireOperator(token string) gongin.HandlerFunc {
	return func(c *gongin.Context) {
		if token == "" {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		if !mwhttp.ValidOperatorToken(c.GetHeader("Authorization"), token) {
			c.Header("WWW-Authenticate", `Bearer realm="operator"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Mount registers the service handler for every referral route. Mount on
// the engine root: the handler matches on the full request path.
func Mount(r gongin.IRoutes, handler http.Handler) {
	h := gongin.WrapH(handler)
	for _, path := range mwhttp.Paths {
		r.Any(path, h)
	}
}

// FromContext returns a UserIDExtractor that reads a value an upstream auth
// middleware stored with c.Set
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
