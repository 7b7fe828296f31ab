package echo

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	mwhttp "github.com/mihaimyh/goreferral/middleware/http"
)

var service = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(r.Method + " " + r.URL.Path + " " + mwhttp.UserID(r)))
})

func TestMount_AllPaths(t *testing.T) {
	e := echo.New()
	Mount(e, service)

	for _, path := range mwhttp.Paths {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, rec.Code)
		}
	}
}

func TestMiddleware_PropagatesUserID(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{GetUserID: FromHeader("X-User-ID")}))
	Mount(e, service)

	req := httptest.NewRequest(http.MethodGet, "/referrals/earnings", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Body.String() != "GET /referrals/earnings user1" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{GetUserID: FromHeader("X-User-ID")}))
	Mount(e, service)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/referrals/earnings", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_Optional(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(Config{GetUserID: FromHeader("X-User-ID"), Optional: true}))
	Mount(e, service)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestRequireOperator(t *testing.T) {
	e := echo.New()
	e.POST("/referrals/withdrawals", echo.WrapHandler(service), RequireOperator("s3cret"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/referrals/withdrawals", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/referrals/withdrawals", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestRequireOperator_Disabled(t *testing.T) {
	e := echo.New()
	e.POST("/referrals/withdrawals", echo.WrapHandler(service), RequireOperator(""))

	req := httptest.NewRequest(http.MethodPost, "/referrals/withdrawals", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}
