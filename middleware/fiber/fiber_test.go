package fiber

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	mwhttp "github.com/mihaimyh/goreferral/middleware/http"
)

var service = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(r.Method + " " + r.URL.Path + " " + mwhttp.UserID(r)))
})

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return string(b)
}

func TestMount_AllPaths(t *testing.T) {
	app := fiber.New()
	Mount(app, service)

	for _, path := range mwhttp.Paths {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, path, http.NoBody))
		if err != nil {
			t.Fatalf("%s: request failed: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, resp.StatusCode)
		}
		if got := body(t, resp); got != "POST "+path+" " {
			t.Errorf("%s: unexpected body %q", path, got)
		}
	}
}

func TestMiddleware_PropagatesUserID(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware(Config{GetUserID: FromHeader("X-User-ID")}))
	Mount(app, service)

	req := httptest.NewRequest(http.MethodGet, "/referrals/earnings", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if got := body(t, resp); got != "GET /referrals/earnings user1" {
		t.Errorf("unexpected body %q", got)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware(Config{GetUserID: FromHeader("X-User-ID")}))
	Mount(app, service)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/referrals/earnings", http.NoBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestMiddleware_FromLocals(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("uid", "user2")
		return c.Next()
	})
	app.Use(Middleware(Config{GetUserID: FromLocals("uid")}))
	Mount(app, service)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/notifications", http.NoBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if got := body(t, resp); got != "GET /notifications user2" {
		t.Errorf("unexpected body %q", got)
	}
}

func TestRequireOperator(t *testing.T) {
	app := fiber.New()
	app.Post("/referrals/withdrawals", RequireOperator("s3cret"), Handler(service))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/referrals/withdrawals", http.NoBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodPost, "/referrals/withdrawals", http.NoBody)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}
