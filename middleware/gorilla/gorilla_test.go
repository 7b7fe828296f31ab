package gorilla

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	mwhttp "github.com/mihaimyh/goreferral/middleware/http"
)

var service = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(r.Method + " " + r.URL.Path + " " + mwhttp.UserID(r)))
})

func TestMount_AllPaths(t *testing.T) {
	r := mux.NewRouter()
	Mount(r, service)

	for _, path := range mwhttp.Paths {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown path, got %d", rec.Code)
	}
}

func TestMiddleware_PropagatesUserID(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Middleware(mwhttp.Config{GetUserID: mwhttp.FromHeader("X-User-ID"), Optional: true}))
	Mount(r, service)

	req := httptest.NewRequest(http.MethodGet, "/referrals/earnings", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Body.String() != "GET /referrals/earnings user1" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected webhook to pass without a user, got %d", rec.Code)
	}
}

func TestFromVar(t *testing.T) {
	r := mux.NewRouter()
	sub := r.PathPrefix("/users/{user}").Subrouter()
	sub.Use(Middleware(mwhttp.Config{GetUserID: FromVar("user")}))
	sub.Handle("/referrals", service)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/user3/referrals", nil))
	if rec.Body.String() != "GET /users/user3/referrals user3" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestRequireOperator(t *testing.T) {
	r := mux.NewRouter()
	ops := r.PathPrefix("/referrals/withdrawals").Subrouter()
	ops.Use(RequireOperator("s3cret"))
	ops.Handle("", service)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/referrals/withdrawals", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/referrals/withdrawals", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}
