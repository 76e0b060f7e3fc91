package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/keyrelay/keyrelay/internal/crypto"
	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/registry"
	"github.com/keyrelay/keyrelay/internal/store"
	"github.com/keyrelay/keyrelay/internal/usage"
	"github.com/keyrelay/keyrelay/internal/vault"
)

type testEnv struct {
	server   *Server
	vault    *vault.Vault
	db       *store.DB
	writer   *usage.Writer
	upstream *httptest.Server
}

// upstreamRecorder captures what the gateway sends upstream.
type upstreamRecorder struct {
	lastAuth   string
	lastPath   string
	lastMethod string
	status     int
	body       string
}

func setup(t *testing.T) (*testEnv, *upstreamRecorder) {
	t.Helper()

	rec := &upstreamRecorder{status: http.StatusOK, body: `{"ok":true}`}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.lastAuth = r.Header.Get("Authorization")
		rec.lastPath = r.URL.Path
		rec.lastMethod = r.Method
		w.WriteHeader(rec.status)
		io.WriteString(w, rec.body)
	}))
	t.Cleanup(upstream.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cipher, err := crypto.New([]byte("api-test-master-key"))
	if err != nil {
		t.Fatal(err)
	}

	logger := log.New(io.Discard)
	v := vault.New(db, cipher, logger)

	reg, err := registry.New([]registry.Endpoint{
		{Slug: "openai", BaseURL: upstream.URL + "/v1", SecretName: "OPENAI_API_KEY", Description: "OpenAI REST API"},
	})
	if err != nil {
		t.Fatal(err)
	}

	writer := usage.NewWriter(db, logger)
	t.Cleanup(writer.Close)

	gw := gateway.New(v, reg, writer, logger, gateway.Options{})
	s := New(v, gw, reg, db, logger, ":0")

	return &testEnv{server: s, vault: v, db: db, writer: writer, upstream: upstream}, rec
}

func (e *testEnv) doRequest(t *testing.T, method, path string, body any, owner string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-Owner-Id", owner)
	}
	w := httptest.NewRecorder()
	e.server.handler.ServeHTTP(w, req)
	return w
}

func TestMissingIdentity(t *testing.T) {
	env, _ := setup(t)

	w := env.doRequest(t, http.MethodGet, "/secrets", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHealthAndEndpointsArePublic(t *testing.T) {
	env, _ := setup(t)

	w := env.doRequest(t, http.MethodGet, "/healthz", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = env.doRequest(t, http.MethodGet, "/endpoints", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var endpoints []map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &endpoints); err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 || endpoints[0]["slug"] != "openai" {
		t.Fatalf("unexpected endpoints %v", endpoints)
	}
	if _, leaked := endpoints[0]["base_url"]; leaked {
		t.Fatal("base URL must not be exposed publicly")
	}
	if _, leaked := endpoints[0]["secret_name"]; leaked {
		t.Fatal("secret name must not be exposed publicly")
	}
}

func TestSecretLifecycle(t *testing.T) {
	env, _ := setup(t)

	w := env.doRequest(t, http.MethodPost, "/secrets",
		map[string]string{"name": "openai api key", "value": "sk-test-1234567890abcdef"}, "u1")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	var created vault.SecretInfo
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Name != "OPENAI_API_KEY" {
		t.Fatalf("expected normalized name, got %q", created.Name)
	}
	if strings.Contains(w.Body.String(), "sk-test") {
		t.Fatal("plaintext leaked in store response")
	}

	// Duplicate
	w = env.doRequest(t, http.MethodPost, "/secrets",
		map[string]string{"name": "OPENAI_API_KEY", "value": "other"}, "u1")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	// List shows only the marker
	w = env.doRequest(t, http.MethodGet, "/secrets", nil, "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list []vault.SecretInfo
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Masked != crypto.RedactionMarker {
		t.Fatalf("unexpected list %+v", list)
	}

	// Foreign owner sees nothing
	w = env.doRequest(t, http.MethodGet, "/secrets", nil, "u2")
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Fatalf("owner u2 should see an empty list, got %s", body)
	}

	// Rotate
	w = env.doRequest(t, http.MethodPut, "/secrets/OPENAI_API_KEY",
		map[string]string{"value": "sk-test-rotated"}, "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}

	// Rotate of a missing secret
	w = env.doRequest(t, http.MethodPut, "/secrets/MISSING",
		map[string]string{"value": "x"}, "u1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	// Delete
	w = env.doRequest(t, http.MethodDelete, "/secrets/OPENAI_API_KEY", nil, "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = env.doRequest(t, http.MethodDelete, "/secrets/OPENAI_API_KEY", nil, "u1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", w.Code)
	}
}

func TestStoreSecret_Validation(t *testing.T) {
	env, _ := setup(t)

	w := env.doRequest(t, http.MethodPost, "/secrets", map[string]string{"name": "", "value": "v"}, "u1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = env.doRequest(t, http.MethodPost, "/secrets", map[string]string{"name": "bad!name", "value": "v"}, "u1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid name, got %d", w.Code)
	}
}

func TestCustomSecretLifecycle(t *testing.T) {
	env, _ := setup(t)

	w := env.doRequest(t, http.MethodPost, "/custom-secrets", map[string]string{
		"name":        "Weather API",
		"value":       "wk-0123456789abcdef",
		"base_url":    env.upstream.URL,
		"auth_mode":   "custom-header",
		"header_name": "X-Api-Key",
	}, "u1")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}

	// Bad base URL
	w = env.doRequest(t, http.MethodPost, "/custom-secrets", map[string]string{
		"name": "Bad", "value": "v", "base_url": "not-a-url",
	}, "u1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body)
	}

	w = env.doRequest(t, http.MethodGet, "/custom-secrets", nil, "u1")
	var list []vault.CustomSecretInfo
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "Weather API" {
		t.Fatalf("unexpected list %+v", list)
	}

	w = env.doRequest(t, http.MethodDelete, "/custom-secrets/Weather%20API", nil, "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestProxy_EndToEnd(t *testing.T) {
	env, rec := setup(t)

	w := env.doRequest(t, http.MethodPost, "/secrets",
		map[string]string{"name": "OPENAI_API_KEY", "value": "sk-test-1234567890abcdef"}, "u1")
	if w.Code != http.StatusCreated {
		t.Fatalf("storing secret: %d %s", w.Code, w.Body)
	}

	w = env.doRequest(t, http.MethodPost, "/proxy/openai/chat/completions",
		map[string]string{"model": "gpt-4o"}, "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if w.Body.String() != `{"ok":true}` {
		t.Fatalf("upstream body not streamed: %q", w.Body.String())
	}
	if rec.lastAuth != "Bearer sk-test-1234567890abcdef" {
		t.Fatalf("credential not injected: %q", rec.lastAuth)
	}
	if rec.lastPath != "/v1/chat/completions" {
		t.Fatalf("unexpected upstream path %q", rec.lastPath)
	}
	if rec.lastMethod != http.MethodPost {
		t.Fatalf("unexpected upstream method %q", rec.lastMethod)
	}
}

func TestProxy_ErrorMapping(t *testing.T) {
	env, _ := setup(t)

	// Unknown endpoint
	w := env.doRequest(t, http.MethodGet, "/proxy/unknown-slug/x", nil, "u1")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown slug, got %d", w.Code)
	}

	// Secret not configured
	w = env.doRequest(t, http.MethodGet, "/proxy/openai/models", nil, "u1")
	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for unconfigured secret, got %d: %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), "secret_not_configured") {
		t.Fatalf("expected actionable constraint, got %s", w.Body)
	}
}

func TestProxy_UpstreamStatusPassesThrough(t *testing.T) {
	env, rec := setup(t)
	rec.status = http.StatusTooManyRequests
	rec.body = `{"error":"rate limited"}`

	env.doRequest(t, http.MethodPost, "/secrets",
		map[string]string{"name": "OPENAI_API_KEY", "value": "sk-test"}, "u1")

	w := env.doRequest(t, http.MethodGet, "/proxy/openai/models", nil, "u1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected upstream 429 passed through, got %d", w.Code)
	}
	if w.Body.String() != `{"error":"rate limited"}` {
		t.Fatalf("upstream error body not streamed: %q", w.Body.String())
	}
}

func TestUsageEndpoint(t *testing.T) {
	env, _ := setup(t)

	env.doRequest(t, http.MethodPost, "/secrets",
		map[string]string{"name": "OPENAI_API_KEY", "value": "sk-test"}, "u1")
	env.doRequest(t, http.MethodGet, "/proxy/openai/models", nil, "u1")

	// The recorder is asynchronous; drain it before reading.
	env.writer.Close()

	w := env.doRequest(t, http.MethodGet, "/usage", nil, "u1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var records []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(records))
	}
	if records[0]["endpoint"] != "openai" {
		t.Fatalf("unexpected record %v", records[0])
	}

	// Foreign owners see their own usage only.
	w = env.doRequest(t, http.MethodGet, "/usage", nil, "u2")
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Fatalf("owner u2 should see no usage, got %s", body)
	}
}

func TestManagementBodyLimit(t *testing.T) {
	env, _ := setup(t)

	big := strings.Repeat("x", maxBodySize+1)
	w := env.doRequest(t, http.MethodPost, "/secrets",
		map[string]string{"name": "KEY", "value": big}, "u1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized management body, got %d", w.Code)
	}
}
