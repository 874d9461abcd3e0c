package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/san-kum/formcoach/server/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *models.APIError {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	if resp.Success || resp.Error == nil {
		t.Fatalf("expected error envelope, got %s", w.Body.String())
	}
	return resp.Error
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	a := NewAuthMiddleware("secret", nil)
	token, err := a.GenerateToken("ops", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := a.ValidateToken(token)
	if err != nil || claims.Subject != "ops" || claims.Role != RoleAdmin {
		t.Fatalf("unexpected claims %+v (%v)", claims, err)
	}

	other := NewAuthMiddleware("other", nil)
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}

	expired, _ := a.GenerateToken("ops", RoleAdmin, -time.Minute)
	if _, err := a.ValidateToken(expired); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if _, err := a.ValidateToken("abc"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected malformed token error, got %v", err)
	}
}

func TestAdminRoutesRequireRole(t *testing.T) {
	t.Parallel()
	a := NewAuthMiddleware("secret", nil)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/admin", a.RequireAuth(), a.RequireRole(RoleAdmin), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("subject"))
	})

	w := serve(r, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if w.Code != http.StatusUnauthorized || decodeError(t, w).Code != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", w.Code, w.Body.String())
	}

	viewer, _ := a.GenerateToken("bob", "viewer", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+viewer)
	if w := serve(r, req); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	admin, _ := a.GenerateToken("alice", RoleAdmin, time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "bearer "+admin)
	if w := serve(r, req); w.Code != http.StatusOK || w.Body.String() != "alice" {
		t.Fatalf("expected 200 alice, got %d %s", w.Code, w.Body.String())
	}
}

func TestRateLimiterRefills(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, 2, nil)
	defer rl.Shutdown()

	now := time.Now()
	if !rl.allow("a", now) || !rl.allow("a", now) {
		t.Fatal("expected burst of two")
	}
	if rl.allow("a", now) {
		t.Fatal("expected third request to be limited")
	}
	if !rl.allow("b", now) {
		t.Fatal("clients must not share buckets")
	}
	if !rl.allow("a", now.Add(500*time.Millisecond)) {
		t.Fatal("expected one token after half a second")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Shutdown()
	r := gin.New()
	r.Use(rl.RateLimit())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil)); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusTooManyRequests || decodeError(t, w).Code != "rate_limited" {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestRequestSizeLimitAndJSON(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(RequestSizeLimit(16), RequireJSON())
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 32)))
	req.Header.Set("Content-Type", "application/json")
	if w := serve(r, req); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "text/plain")
	if w := serve(r, req); w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCORSAndRequestID(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(RequestID(), CORS([]string{"https://coach.example"}), SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://coach.example")
	w := serve(r, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "https://coach.example" {
		t.Fatalf("expected origin to be allowed, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if id := w.Header().Get("X-Request-ID"); id == "" || id != w.Body.String() {
		t.Fatalf("request id mismatch: header %q body %q", id, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = serve(r, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected preflight response %d %v", w.Code, w.Header())
	}
}

func TestIPWhitelist(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.GET("/", IPWhitelist([]string{"10.0.0.1"}), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:1234"
	if w := serve(r, req); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	req.RemoteAddr = "10.0.0.1:1234"
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
