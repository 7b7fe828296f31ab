// Package fiber mounts the referral service on a Fiber app
package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	mwhttp "github.com/mihaimyh/goreferral/middleware/http"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 {"error": "unauthorized"}
	OnUnauthorized func(c *fiber.Ctx) error

	// Optional lets requests without a user continue (see mwhttp.Config.Optional)
	Optional bool
}

// localsKey is where Middleware leaves the user ID for Mount
const localsKey = string(mwhttp.UserIDKey)

// Middleware stores the caller's user ID in c.Locals. Mount forwards it
// into the net/http request context of the service handler.
func Middleware(cfg Config) fiber.Handler {
	if cfg.GetUserID == nil {
		panic("goreferral/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.Optional {
				return c.Next()
			}
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		c.Locals(localsKey, userID)
		return c.Next()
	}
}

// RequireOperator admits requests carrying the operator bearer token
func RequireOperator(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.SendStatus(fiber.StatusNotFound)
		}
		if !mwhttp.ValidOperatorToken(c.Get(fiber.HeaderAuthorization), token) {
			c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="operator"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}

// Mount registers the service handler for every referral route
func Mount(app fiber.Router, handler http.Handler) {
	h := Handler(handler)
	for _, path := range mwhttp.Paths {
		app.All(path, h)
	}
}

// Handler adapts a net/http handler, carrying the user ID set by Middleware
func Handler(handler http.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, _ := c.Locals(localsKey).(string)
		if userID == "" {
			return adaptor.HTTPHandler(handler)(c)
		}
		withUser := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler.ServeHTTP(w, r.WithContext(mwhttp.WithUserID(r.Context(), userID)))
		})
		return adaptor.HTTPHandler(withUser)(c)
	}
}

// FromLocals returns a UserIDExtractor that reads a value an upstream auth
// middleware stored with c.Locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
