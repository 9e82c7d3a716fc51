package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/engine"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/health"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/loader"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/pipeline"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/registry"
	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/router"
)

func testServer(t *testing.T) (*Server, *registry.Registry, *loader.MockLoader) {
	t.Helper()
	journal := filepath.Join(t.TempDir(), "models.json")
	mock := loader.NewMockLoader()
	reg, err := registry.New(
		loader.NewSet(mock),
		engine.NewSelector(zerolog.Nop(), engine.NewNativeEngine()),
		registry.Options{JournalPath: journal},
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })

	rt := router.New(reg, router.Config{}, nil, zerolog.Nop())
	t.Cleanup(rt.Stop)

	pipe := pipeline.New(reg, rt, pipeline.Options{MaxFallbacks: 1}, zerolog.Nop())
	checker := health.NewChecker(nil, reg, journal)
	return NewServer(pipe, reg, checker, zerolog.Nop()), reg, mock
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func streamingDesc(id string) domain.Descriptor {
	return domain.Descriptor{
		ID:           id,
		Name:         "Mock " + id,
		Format:       domain.FormatMock,
		Source:       "mock://" + id,
		Capabilities: domain.NewCapabilitySet(domain.CapChat, domain.CapStreaming),
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := testServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Healthy bool `json:"healthy"`
	}
	decode(t, rec, &body)
	if !body.Healthy {
		t.Error("fresh daemon should report healthy")
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, reg, _ := testServer(t)
	if err := reg.Register(streamingDesc("m1")); err != nil {
		t.Fatal(err)
	}

	rec := do(t, s.Handler(), http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Version string `json:"version"`
		Models  int    `json:"models"`
		Loaded  int    `json:"models_loaded"`
	}
	decode(t, rec, &body)
	if body.Models != 1 || body.Loaded != 0 {
		t.Errorf("body = %+v", body)
	}
	if body.Version == "" {
		t.Error("version missing")
	}
}

func TestModelCRUD(t *testing.T) {
	s, _, _ := testServer(t)
	h := s.Handler()

	d := streamingDesc("m1")
	rec := do(t, h, http.MethodPost, "/api/models", d)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d, body %s", rec.Code, rec.Body.String())
	}

	// Duplicate ID conflicts.
	if rec := do(t, h, http.MethodPost, "/api/models", d); rec.Code != http.StatusConflict {
		t.Errorf("duplicate register = %d", rec.Code)
	}

	// Invalid descriptor rejected.
	if rec := do(t, h, http.MethodPost, "/api/models", map[string]any{"id": "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid register = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/models/m1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var v registry.View
	decode(t, rec, &v)
	if v.Descriptor.ID != "m1" || v.Status != domain.StatusRegistered {
		t.Errorf("view = %+v", v)
	}

	if rec := do(t, h, http.MethodGet, "/api/models/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get unknown = %d", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/api/models/m1", nil); rec.Code != http.StatusOK {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/models/m1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestListModelsFilters(t *testing.T) {
	s, reg, _ := testServer(t)
	h := s.Handler()

	if err := reg.Register(streamingDesc("chatty")); err != nil {
		t.Fatal(err)
	}
	plain := domain.Descriptor{ID: "plain", Name: "Plain", Format: domain.FormatSimple, Source: "mock://plain"}
	if err := reg.Register(plain); err != nil {
		t.Fatal(err)
	}

	count := func(path string) int {
		rec := do(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, rec.Code)
		}
		var body struct {
			Models []registry.View `json:"models"`
		}
		decode(t, rec, &body)
		return len(body.Models)
	}

	if n := count("/api/models"); n != 2 {
		t.Errorf("unfiltered = %d", n)
	}
	if n := count("/api/models?format=simple"); n != 1 {
		t.Errorf("format filter = %d", n)
	}
	if n := count("/api/models?capability=streaming"); n != 1 {
		t.Errorf("capability filter = %d", n)
	}
}

func TestLoadUnloadEndpoints(t *testing.T) {
	s, reg, _ := testServer(t)
	h := s.Handler()
	if err := reg.Register(streamingDesc("m1")); err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, http.MethodPost, "/api/models/m1/load", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("load = %d, body %s", rec.Code, rec.Body.String())
	}
	var v registry.View
	decode(t, rec, &v)
	if v.Status != domain.StatusLoaded {
		t.Errorf("status after load = %q", v.Status)
	}

	if rec := do(t, h, http.MethodPost, "/api/models/m1/unload", nil); rec.Code != http.StatusOK {
		t.Errorf("unload = %d", rec.Code)
	}
	v2, _ := reg.Get("m1")
	if v2.Status != domain.StatusRegistered {
		t.Errorf("status after unload = %q", v2.Status)
	}
}

func TestGenerateEndpoint(t *testing.T) {
	s, reg, mock := testServer(t)
	h := s.Handler()
	if err := reg.Register(streamingDesc("m1")); err != nil {
		t.Fatal(err)
	}
	mock.Respond = func(string, domain.Options) string { return "generated text" }

	rec := do(t, h, http.MethodPost, "/api/generate", map[string]any{"prompt": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("generate = %d, body %s", rec.Code, rec.Body.String())
	}
	var res domain.Result
	decode(t, rec, &res)
	if res.Text != "generated text" || res.ModelID != "m1" {
		t.Errorf("result = %+v", res)
	}

	// Explicit routing to an unknown model.
	rec = do(t, h, http.MethodPost, "/api/generate", map[string]any{"prompt": "hi", "model": "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown model = %d", rec.Code)
	}

	// Empty body fails validation.
	rec = do(t, h, http.MethodPost, "/api/generate", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty request = %d", rec.Code)
	}
}

func TestGenerateNoModels(t *testing.T) {
	s, _, _ := testServer(t)
	rec := do(t, s.Handler(), http.MethodPost, "/api/generate", map[string]any{"prompt": "hi"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("empty catalog = %d, want 503", rec.Code)
	}
}

func TestStreamEndpoint(t *testing.T) {
	s, reg, mock := testServer(t)
	h := s.Handler()
	if err := reg.Register(streamingDesc("m1")); err != nil {
		t.Fatal(err)
	}
	mock.Respond = func(string, domain.Options) string { return "a b c" }

	rec := do(t, h, http.MethodPost, "/api/stream", map[string]any{"prompt": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("stream = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Model-ID"); got != "m1" {
		t.Errorf("X-Model-ID = %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"delta":"a "`) {
		t.Errorf("body missing first delta: %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("body not terminated: %s", body)
	}
}

func TestOpenAIListModels(t *testing.T) {
	s, reg, _ := testServer(t)
	if err := reg.Register(streamingDesc("m1")); err != nil {
		t.Fatal(err)
	}

	rec := do(t, s.Handler(), http.MethodGet, "/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	decode(t, rec, &body)
	if body.Object != "list" || len(body.Data) != 1 {
		t.Fatalf("body = %+v", body)
	}
	if body.Data[0].ID != "m1" || body.Data[0].OwnedBy != "mock" {
		t.Errorf("model = %+v", body.Data[0])
	}
}

func TestChatCompletions(t *testing.T) {
	s, reg, mock := testServer(t)
	h := s.Handler()
	if err := reg.Register(streamingDesc("m1")); err != nil {
		t.Fatal(err)
	}
	mock.Respond = func(string, domain.Options) string { return "hello there" }

	payload := map[string]any{
		"model":    "auto",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
	rec := do(t, h, http.MethodPost, "/v1/chat/completions", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	decode(t, rec, &body)
	if !strings.HasPrefix(body.ID, "chatcmpl-") || body.Object != "chat.completion" {
		t.Errorf("envelope = %+v", body)
	}
	if body.Model != "m1" || body.Choices[0].Message.Content != "hello there" {
		t.Errorf("choice = %+v", body.Choices)
	}
	if body.Choices[0].FinishReason != "stop" || body.Usage.TotalTokens == 0 {
		t.Errorf("finish/usage = %+v", body)
	}

	// messages is mandatory.
	rec = do(t, h, http.MethodPost, "/v1/chat/completions", map[string]any{"model": "auto"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing messages = %d", rec.Code)
	}
}

func TestChatCompletionsStream(t *testing.T) {
	s, reg, mock := testServer(t)
	if err := reg.Register(streamingDesc("m1")); err != nil {
		t.Fatal(err)
	}
	mock.Respond = func(string, domain.Options) string { return "x y" }

	payload := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   true,
	}
	rec := do(t, s.Handler(), http.MethodPost, "/v1/chat/completions", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream = %d, body %s", rec.Code, rec.Body.String())
	}

	body := rec.Body.String()
	if !strings.Contains(body, "chat.completion.chunk") {
		t.Errorf("no chunks in body: %s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Errorf("no terminal chunk: %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("missing [DONE]: %s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := testServer(t)
	rec := do(t, s.Handler(), http.MethodOptions, "/api/generate", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("preflight = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestMetricsEndpointGated(t *testing.T) {
	s, _, _ := testServer(t)
	if rec := do(t, s.Handler(), http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Errorf("metrics without opt-in = %d", rec.Code)
	}

	s.EnableMetrics()
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("prometheus exposition missing")
	}
}
