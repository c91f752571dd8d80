package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/specboard/specboard/internal/cache"
	"github.com/specboard/specboard/internal/errors"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/services/auth"
)

type stubValidator struct {
	userID string
	err    error
}

func (v *stubValidator) ValidateToken(context.Context, string) (*auth.Claims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &auth.Claims{UserID: v.userID}, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{userID: "u1"}, logging.NewDefault("test"), nil)
	handler := m.Handler(okHandler())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{userID: "u1"}, logging.NewDefault("test"), nil)
	handler := m.Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Basic abc123")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddlewarePassesClaims(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{userID: "u1"}, logging.NewDefault("test"), nil)

	var gotUser, gotToken string
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = logging.GetUserID(r.Context())
		gotToken = BearerToken(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer session-token")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if gotUser != "u1" {
		t.Fatalf("expected user id on context, got %q", gotUser)
	}
	if gotToken != "session-token" {
		t.Fatalf("expected bearer token on context, got %q", gotToken)
	}
}

func TestAuthMiddlewareSkipPaths(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{err: errors.InvalidToken(nil)}, logging.NewDefault("test"), []string{"/healthz"})
	handler := m.Handler(okHandler())

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected skip path to bypass auth, got %d", resp.Code)
	}
}

func TestAuthMiddlewareRevokedToken(t *testing.T) {
	m := NewAuthMiddleware(&stubValidator{err: errors.InvalidToken(nil)}, logging.NewDefault("test"), nil)
	handler := m.Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked token, got %d", resp.Code)
	}
}

func TestRateLimiterFixedWindow(t *testing.T) {
	rl := NewRateLimiter(cache.NewMemory(), "specboard", 3, time.Hour, 3, logging.NewDefault("test"))
	handler := rl.Handler(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
		req.RemoteAddr = "1.2.3.4:5555"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.RemoteAddr = "1.2.3.4:5555"
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the window budget, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	// A different caller has its own budget.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.RemoteAddr = "5.6.7.8:5555"
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected independent budget per caller, got %d", resp.Code)
	}
}

func TestRateLimiterKeysByAuthenticatedUser(t *testing.T) {
	rl := NewRateLimiter(cache.NewMemory(), "specboard", 2, time.Hour, 2, logging.NewDefault("test"))
	handler := rl.Handler(okHandler())

	// Two users behind one address each get their own window.
	do := func(userID string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
		req.RemoteAddr = "1.2.3.4:5555"
		req = req.WithContext(logging.WithUserID(req.Context(), userID))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("user-a"); code != http.StatusOK {
			t.Fatalf("user-a request %d: expected 200, got %d", i, code)
		}
	}
	if code := do("user-a"); code != http.StatusTooManyRequests {
		t.Fatalf("expected user-a limited, got %d", code)
	}
	if code := do("user-b"); code != http.StatusOK {
		t.Fatalf("expected user-b unaffected by user-a's budget, got %d", code)
	}
}

func TestRateLimiterLocalFallback(t *testing.T) {
	rl := NewRateLimiter(nil, "specboard", 3600, time.Hour, 2, logging.NewDefault("test"))
	handler := rl.Handler(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
		req.RemoteAddr = fmt.Sprintf("1.2.3.4:%d", 1000+i)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("expected burst of 2 to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %v", codes)
	}
}

func TestCORSPreflight(t *testing.T) {
	m := NewCORSMiddleware([]string{"https://app.example.com"})
	handler := m.Handler(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/projects", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestCORSUnknownOrigin(t *testing.T) {
	m := NewCORSMiddleware([]string{"https://app.example.com"})
	handler := m.Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin for unknown origin, got %q", got)
	}
}

func TestTracingMiddlewareAssignsTraceID(t *testing.T) {
	m := NewTracingMiddleware(logging.NewDefault("test"))

	var gotTrace string
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil))

	if gotTrace == "" {
		t.Fatal("expected a generated trace id")
	}
	if resp.Header().Get("X-Trace-ID") != gotTrace {
		t.Fatal("expected trace id echoed in response header")
	}
}

func TestTracingMiddlewareKeepsCallerTraceID(t *testing.T) {
	m := NewTracingMiddleware(logging.NewDefault("test"))
	handler := m.Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("X-Trace-ID", "caller-trace")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if got := resp.Header().Get("X-Trace-ID"); got != "caller-trace" {
		t.Fatalf("expected caller trace id preserved, got %q", got)
	}
}
