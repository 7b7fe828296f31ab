// Package gorilla mounts the referral service on a Gorilla Mux router
package gorilla

import (
	"net/http"

	"github.com/gorilla/mux"

	mwhttp "github.com/mihaimyh/goreferral/middleware/http"
)

// Middleware adapts the net/http caller middleware for router.Use
func Middleware(config mwhttp.Config) mux.MiddlewareFunc {
	return mux.MiddlewareFunc(mwhttp.Middleware(config))
}

// RequireOperator adapts the operator guard for router.Use
func RequireOperator(token string) mux.MiddlewareFunc {
	return mux.MiddlewareFunc(mwhttp.RequireOperator(token))
}

// Mount registers the service handler for every referral route
func Mount(r *mux.Router, handler http.Handler) {
	for _, path := range mwhttp.Paths {
		r.Handle(path, handler)
	}
}

// FromVar returns a UserIDExtractor that reads a route variable, e.g. for
// routes shaped like /users/{user}/referrals
func FromVar(name string) mwhttp.UserIDExtractor {
	return func(r *http.Request) string {
		return mux.Vars(r)[name]
	}
}
