// Package echo mounts the referral service on an Echo instance
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	mwhttp "github.com/mihaimyh/goreferral/middleware/http"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 {"error": "unauthorized"}
	OnUnauthorized func(c echo.Context) error

	// Optional lets requests without a user continue (see mwhttp.Config.Optional)
	Optional bool
}

// Middleware copies the caller's user ID into the request context so the
// mounted service handler reads it with api.FromContext(mwhttp.UserIDKey)
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.GetUserID == nil {
		panic("goreferral/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.Optional {
					return next(c)
				}
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			c.Set(string(mwhttp.UserIDKey), userID)
			c.SetRequest(c.Request().WithContext(mwhttp.WithUserID(c.Request().Context(), userID)))
			return next(c)
		}
	}
}

// RequireOperator admits requests carrying the operator bearer token
func RequireOperator(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return c.NoContent(http.StatusNotFound)
			}
			if !mwhttp.ValidOperatorToken(c.Request().Header.Get("Authorization"), token) {
				c.Response().Header().Set("WWW-Authenticate", `Bearer realm="operator"`)
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}

// Mount registers the service handler for every referral route. The
// handler matches on the full request path, so mount on the root instance.
func Mount(e *echo.Echo, handler http.Handler, m ...echo.MiddlewareFunc) {
	h := echo.WrapHandler(handler)
	for _, path := range mwhttp.Paths {
		e.Any(path, h, m...)
	}
}

// FromContext returns a UserIDExtractor that reads a value an upstream auth
// middleware stored with c.Set
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
