package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/specboard/specboard/internal/cache"
	"github.com/specboard/specboard/internal/config"
	"github.com/specboard/specboard/internal/logging"
	"github.com/specboard/specboard/internal/services/auth"
)

type stubVerifier struct {
	claims auth.GoogleClaims
	err    error
}

func (v *stubVerifier) Verify(context.Context, string) (auth.GoogleClaims, error) {
	return v.claims, v.err
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Auth: config.AuthConfig{
			JWTSecret:         "0123456789abcdef0123456789abcdef",
			TokenTTLHours:     24,
			MaxFailedAttempts: 5,
			LockoutMinutes:    15,
		},
		RateLimit: config.RateLimitConfig{RequestsPerHour: 100000, Burst: 1000},
		Cache: config.CacheConfig{
			ProjectTTLSec:       300,
			SpecificationTTLSec: 120,
			ItemTTLSec:          120,
			KeyPrefix:           "specboard",
		},
	}
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	verifier := &stubVerifier{claims: auth.GoogleClaims{Subject: "g-1", Email: "ada@example.com", Name: "Ada"}}
	application := New(testConfig(), Stores{}, Options{Verifier: verifier}, logging.NewDefault("app-test"))
	return application.Handler()
}

func marshal(t *testing.T, payload any) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewBuffer(data)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if payload != nil {
		req = httptest.NewRequest(method, path, marshal(t, payload))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func authenticate(t *testing.T, handler http.Handler) string {
	t.Helper()
	resp := doJSON(t, handler, http.MethodPost, "/api/v1/users/authenticate", "", map[string]string{"token": "google-token"})
	if resp.Code != http.StatusOK {
		t.Fatalf("authenticate: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var session struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.Token == "" {
		t.Fatal("expected a session token")
	}
	return session.Token
}

func TestHealthzOpen(t *testing.T) {
	handler := newTestHandler(t)
	resp := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestHandler(t)
	resp := doJSON(t, handler, http.MethodGet, "/api/v1/projects", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestHierarchyLifecycle(t *testing.T) {
	handler := newTestHandler(t)
	token := authenticate(t, handler)

	// Project.
	resp := doJSON(t, handler, http.MethodPost, "/api/v1/projects", token, map[string]string{"title": "Roadmap"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create project: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var project struct {
		ID string `json:"id"`
	}
	json.Unmarshal(resp.Body.Bytes(), &project)

	// Specifications: three appends and one positional insert.
	specIDs := make([]string, 0, 4)
	for i := 0; i < 3; i++ {
		resp = doJSON(t, handler, http.MethodPost, "/api/v1/projects/"+project.ID+"/specifications", token,
			map[string]any{"content": fmt.Sprintf("spec %d", i)})
		if resp.Code != http.StatusCreated {
			t.Fatalf("create spec %d: expected 201, got %d: %s", i, resp.Code, resp.Body.String())
		}
		var spec struct {
			ID         string `json:"id"`
			OrderIndex int    `json:"order_index"`
		}
		json.Unmarshal(resp.Body.Bytes(), &spec)
		if spec.OrderIndex != i {
			t.Fatalf("expected append index %d, got %d", i, spec.OrderIndex)
		}
		specIDs = append(specIDs, spec.ID)
	}

	resp = doJSON(t, handler, http.MethodPost, "/api/v1/projects/"+project.ID+"/specifications", token,
		map[string]any{"content": "inserted", "position": 0})
	if resp.Code != http.StatusCreated {
		t.Fatalf("positional insert: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = doJSON(t, handler, http.MethodGet, "/api/v1/projects/"+project.ID+"/specifications", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("list specs: expected 200, got %d", resp.Code)
	}
	var specs []struct {
		ID         string `json:"id"`
		Content    string `json:"content"`
		OrderIndex int    `json:"order_index"`
	}
	json.Unmarshal(resp.Body.Bytes(), &specs)
	if len(specs) != 4 {
		t.Fatalf("expected 4 specs, got %d", len(specs))
	}
	if specs[0].Content != "inserted" {
		t.Fatalf("expected inserted spec first, got %q", specs[0].Content)
	}
	for i, spec := range specs {
		if spec.OrderIndex != i {
			t.Fatalf("expected dense indices, got %d at slot %d", spec.OrderIndex, i)
		}
	}

	// Items under the first appended spec.
	specID := specIDs[0]
	var itemID string
	for i := 0; i < 2; i++ {
		resp = doJSON(t, handler, http.MethodPost, "/api/v1/specifications/"+specID+"/items", token,
			map[string]any{"content": fmt.Sprintf("item %d", i)})
		if resp.Code != http.StatusCreated {
			t.Fatalf("create item %d: expected 201, got %d: %s", i, resp.Code, resp.Body.String())
		}
		var it struct {
			ID string `json:"id"`
		}
		json.Unmarshal(resp.Body.Bytes(), &it)
		itemID = it.ID
	}

	resp = doJSON(t, handler, http.MethodPut, "/api/v1/items/"+itemID, token, map[string]string{"content": "revised"})
	if resp.Code != http.StatusOK {
		t.Fatalf("update item: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = doJSON(t, handler, http.MethodDelete, "/api/v1/items/"+itemID, token, nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("delete item: expected 204, got %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodDelete, "/api/v1/projects/"+project.ID, token, nil)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("delete project: expected 204, got %d", resp.Code)
	}
}

func TestReorderEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	token := authenticate(t, handler)

	resp := doJSON(t, handler, http.MethodPost, "/api/v1/projects", token, map[string]string{"title": "Roadmap"})
	var project struct {
		ID string `json:"id"`
	}
	json.Unmarshal(resp.Body.Bytes(), &project)

	ids := make([]string, 3)
	for i := range ids {
		resp = doJSON(t, handler, http.MethodPost, "/api/v1/projects/"+project.ID+"/specifications", token,
			map[string]any{"content": fmt.Sprintf("spec %d", i)})
		var spec struct {
			ID string `json:"id"`
		}
		json.Unmarshal(resp.Body.Bytes(), &spec)
		ids[i] = spec.ID
	}

	resp = doJSON(t, handler, http.MethodPost, "/api/v1/projects/"+project.ID+"/specifications/reorder", token,
		map[string]any{"moves": []map[string]any{
			{"id": ids[0], "new_index": 2},
			{"id": ids[1], "new_index": 0},
			{"id": ids[2], "new_index": 1},
		}})
	if resp.Code != http.StatusOK {
		t.Fatalf("reorder: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var specs []struct {
		ID string `json:"id"`
	}
	json.Unmarshal(resp.Body.Bytes(), &specs)
	if specs[0].ID != ids[1] || specs[2].ID != ids[0] {
		t.Fatal("unexpected order after reorder")
	}

	// A non-permutation is rejected with the dedicated code.
	resp = doJSON(t, handler, http.MethodPost, "/api/v1/projects/"+project.ID+"/specifications/reorder", token,
		map[string]any{"moves": []map[string]any{{"id": ids[0], "new_index": 0}}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	json.Unmarshal(resp.Body.Bytes(), &errBody)
	if errBody.Error.Code != "INVALID_REORDER" {
		t.Fatalf("expected INVALID_REORDER, got %q", errBody.Error.Code)
	}
}

func TestItemCapacityViaAPI(t *testing.T) {
	handler := newTestHandler(t)
	token := authenticate(t, handler)

	resp := doJSON(t, handler, http.MethodPost, "/api/v1/projects", token, map[string]string{"title": "Roadmap"})
	var project struct {
		ID string `json:"id"`
	}
	json.Unmarshal(resp.Body.Bytes(), &project)

	resp = doJSON(t, handler, http.MethodPost, "/api/v1/projects/"+project.ID+"/specifications", token,
		map[string]any{"content": "spec"})
	var spec struct {
		ID string `json:"id"`
	}
	json.Unmarshal(resp.Body.Bytes(), &spec)

	for i := 0; i < 10; i++ {
		resp = doJSON(t, handler, http.MethodPost, "/api/v1/specifications/"+spec.ID+"/items", token,
			map[string]any{"content": fmt.Sprintf("item %d", i)})
		if resp.Code != http.StatusCreated {
			t.Fatalf("fill %d: expected 201, got %d: %s", i, resp.Code, resp.Body.String())
		}
	}

	resp = doJSON(t, handler, http.MethodPost, "/api/v1/specifications/"+spec.ID+"/items", token,
		map[string]any{"content": "overflow"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 at capacity, got %d: %s", resp.Code, resp.Body.String())
	}
	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	json.Unmarshal(resp.Body.Bytes(), &errBody)
	if errBody.Error.Code != "CAPACITY_EXCEEDED" {
		t.Fatalf("expected CAPACITY_EXCEEDED, got %q", errBody.Error.Code)
	}
}

func TestProfileAndLogout(t *testing.T) {
	handler := newTestHandler(t)
	token := authenticate(t, handler)

	resp := doJSON(t, handler, http.MethodGet, "/api/v1/users/profile", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("profile: expected 200, got %d", resp.Code)
	}
	var profile struct {
		Email string `json:"email"`
	}
	json.Unmarshal(resp.Body.Bytes(), &profile)
	if profile.Email != "ada@example.com" {
		t.Fatalf("unexpected profile email %q", profile.Email)
	}

	resp = doJSON(t, handler, http.MethodPost, "/api/v1/users/logout", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	// The revoked token no longer works.
	resp = doJSON(t, handler, http.MethodGet, "/api/v1/users/profile", token, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.Code)
	}
}

func TestCrossUserIsolation(t *testing.T) {
	verifier := &stubVerifier{claims: auth.GoogleClaims{Subject: "g-1", Email: "ada@example.com", Name: "Ada"}}
	application := New(testConfig(), Stores{}, Options{Verifier: verifier}, logging.NewDefault("app-test"))
	handler := application.Handler()

	tokenA := authenticate(t, handler)

	resp := doJSON(t, handler, http.MethodPost, "/api/v1/projects", tokenA, map[string]string{"title": "Private"})
	var project struct {
		ID string `json:"id"`
	}
	json.Unmarshal(resp.Body.Bytes(), &project)

	verifier.claims = auth.GoogleClaims{Subject: "g-2", Email: "bob@example.com", Name: "Bob"}
	tokenB := authenticate(t, handler)

	resp = doJSON(t, handler, http.MethodGet, "/api/v1/projects/"+project.ID, tokenB, nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign project, got %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodGet, "/api/v1/projects", tokenB, nil)
	var list []any
	json.Unmarshal(resp.Body.Bytes(), &list)
	if len(list) != 0 {
		t.Fatalf("expected empty list for second user, got %d entries", len(list))
	}
}

func TestRateLimitCountsPerAuthenticatedUser(t *testing.T) {
	verifier := &stubVerifier{claims: auth.GoogleClaims{Subject: "g-1", Email: "ada@example.com", Name: "Ada"}}
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerHour: 3, Burst: 3}
	application := New(cfg, Stores{}, Options{Verifier: verifier, Cache: cache.NewMemory(), SharedRateLimit: true}, logging.NewDefault("app-test"))
	handler := application.Handler()

	tokenA := authenticate(t, handler)
	verifier.claims = auth.GoogleClaims{Subject: "g-2", Email: "bob@example.com", Name: "Bob"}
	tokenB := authenticate(t, handler)

	// Both callers share one remote address, so independent budgets prove
	// the limiter sees the authenticated user.
	for i := 0; i < 3; i++ {
		resp := doJSON(t, handler, http.MethodGet, "/api/v1/projects", tokenA, nil)
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i, resp.Code, resp.Body.String())
		}
	}

	resp := doJSON(t, handler, http.MethodGet, "/api/v1/projects", tokenA, nil)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the first user's budget, got %d", resp.Code)
	}

	resp = doJSON(t, handler, http.MethodGet, "/api/v1/projects", tokenB, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected second user's budget untouched, got %d: %s", resp.Code, resp.Body.String())
	}
}
