package gin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"

	mwhttp "github.com/mihaimyh/goreferral/middleware/http"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

// service echoes the user ID the middleware placed in the request context
var service = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(r.Method + " " + r.URL.Path + " " + mwhttp.UserID(r)))
})

func TestMount_AllPaths(t *testing.T) {
	engine := gongin.New()
	Mount(engine, service)

	for _, path := range mwhttp.Paths {
		rec := httptest.NewRecorder()
		engine.ServeHTTP(rec, httptest.NewRequest("POST", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, rec.Code)
		}
		if rec.Body.String() != "POST "+path+" " {
			t.Errorf("%s: unexpected body %q", path, rec.Body.String())
		}
	}
}

func TestMiddleware_PropagatesUserID(t *testing.T) {
	engine := gongin.New()
	engine.Use(Middleware(Config{GetUserID: FromHeader("X-User-ID")}))
	Mount(engine, service)

	req := httptest.NewRequest("GET", "/referrals/earnings", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Body.String() != "GET /referrals/earnings user1" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	engine := gongin.New()
	engine.Use(Middleware(Config{GetUserID: FromHeader("X-User-ID")}))
	Mount(engine, service)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest("GET", "/referrals/earnings", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_Optional(t *testing.T) {
	engine := gongin.New()
	engine.Use(Middleware(Config{GetUserID: FromHeader("X-User-ID"), Optional: true}))
	Mount(engine, service)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest("POST", "/webhooks/stripe", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	engine := gongin.New()
	engine.Use(func(c *gongin.Context) {
		c.Set("uid", "user2")
		c.Next()
	})
	engine.Use(Middleware(Config{GetUserID: FromContext("uid")}))
	Mount(engine, service)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest("GET", "/notifications", nil))
	if rec.Body.String() != "GET /notifications user2" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestRequireOperator(t *testing.T) {
	engine := gongin.New()
	engine.POST("/referrals/withdrawals", RequireOperator("s3cret"), gongin.WrapH(service))

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest("POST", "/referrals/withdrawals", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}

	req := httptest.NewRequest("POST", "/referrals/withdrawals", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}
