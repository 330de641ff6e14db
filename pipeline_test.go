package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestPathClassification(t *testing.T) {
	if !isPassthroughPath("/api/threads/123") {
		t.Fatalf("/api/threads/123 should pass through")
	}
	if isPassthroughPath("/threads") {
		t.Fatalf("/threads is a browser path, not a passthrough")
	}
	if !isBrowserPath("/auth/callback") || !isBrowserPath("/threads") || !isBrowserPath("/threads.rss") {
		t.Fatalf("browser classification broken")
	}
	if isBrowserPath("/api/provider/anthropic/v1/messages") {
		t.Fatalf("provider route misclassified as browser")
	}

	provider, subpath, ok := providerRoute("/api/provider/anthropic/v1/messages")
	if !ok || provider != "anthropic" || subpath != "/v1/messages" {
		t.Fatalf("providerRoute = %q %q %v", provider, subpath, ok)
	}
	_, subpath, _ = providerRoute("/api/provider/openai/v1/chat/completions")
	if subpath != "/v1/chat/completions" {
		t.Fatalf("subpath = %q", subpath)
	}
	if _, _, ok := providerRoute("/api/other/x"); ok {
		t.Fatalf("non-provider path matched")
	}
}

func pipelineHandler(t *testing.T, upstream string) *proxyHandler {
	t.Helper()
	store := testStore(t)
	h := newTestHandler(t, store)
	base, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}
	h.cfg.upstreamBase = base
	h.cfg.ampAPIKey = "amp-key"
	h.cfg.listenPort = 10987
	h.upstreamClient = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return h
}

func TestHealthEndpoint(t *testing.T) {
	h := pipelineHandler(t, "https://upstream.example")
	_ = h.store.save("codex", liveCreds(0), 0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Service != serviceName || body.Port != 10987 {
		t.Fatalf("health = %+v", body)
	}
	if !body.Providers.Codex || body.Providers.Anthropic || body.Providers.Google {
		t.Fatalf("providers = %+v", body.Providers)
	}
	if body.Upstream != "https://upstream.example" {
		t.Fatalf("upstream = %q", body.Upstream)
	}
}

func TestBrowserRedirect(t *testing.T) {
	h := pipelineHandler(t, "https://upstream.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/threads/T-1?x=1", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://upstream.example/threads/T-1?x=1" {
		t.Fatalf("location = %q", loc)
	}
}

func TestUpstreamFallbackProxy(t *testing.T) {
	var gotAuth, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Encoding", "identity")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	h := pipelineHandler(t, upstream.URL)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/threads/T-1/messages", strings.NewReader(`{"x":1}`))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotAuth != "Bearer amp-key" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotPath != "/api/threads/T-1/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if rec.Body.String() != `{"x":1}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Encoding") != "" {
		t.Fatalf("content-encoding must be stripped")
	}
}

func TestProviderRouteFallsBackWithoutAccounts(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"from":"upstream"}`))
	}))
	defer upstream.Close()

	h := pipelineHandler(t, upstream.URL)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/provider/anthropic/v1/messages", strings.NewReader(`{"model":"claude-opus-4-6"}`))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != `{"from":"upstream"}` {
		t.Fatalf("fallback = %d %q", rec.Code, rec.Body.String())
	}
	snap := h.stats.snapshot()
	if snap.RequestsByRoute[routeAmpUpstream] != 1 {
		t.Fatalf("stats = %v", snap.RequestsByRoute)
	}
}

func TestProviderRouteDeliversLocally(t *testing.T) {
	store := testStore(t)
	_ = store.save("codex", liveCreds(0), 0)
	codex := &fakeAdapter{
		poolName: poolCodex, tag: routeLocalCodex, oauthCfg: codexOAuth, store: store,
		responses: []*http.Response{respWithStatus(200, nil)},
	}
	h := newTestHandler(t, store, codex)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/provider/openai/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-5.2","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("x-amp-thread-id", "T-1")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(codex.calls) != 1 {
		t.Fatalf("adapter calls = %v", codex.calls)
	}
	if p, account, ok := h.affinity.peek("T-1", "openai"); !ok || p != poolCodex || account != 0 {
		t.Fatalf("affinity pin = %v %d %v", p, account, ok)
	}
	snap := h.stats.snapshot()
	if snap.RequestsByRoute[routeLocalCodex] != 1 {
		t.Fatalf("stats = %v", snap.RequestsByRoute)
	}
}

func TestRelaySSEAppliesRewriteAndHeaders(t *testing.T) {
	store := testStore(t)
	h := newTestHandler(t, store)

	header := http.Header{}
	header.Set("Content-Type", "text/event-stream")
	header.Set("x-request-id", "req-9")
	header.Set("anthropic-ratelimit-requests-remaining", "99")
	resp := &http.Response{
		StatusCode: 200,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("data: {\"model\":\"upstream-model\"}\n\n")),
	}
	rec := httptest.NewRecorder()
	status := h.relay(rec, &forwardResult{resp: resp, rewrite: anthropicRewrite("client-model")}, true)

	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" || rec.Header().Get("Connection") != "keep-alive" {
		t.Fatalf("sse headers = %v", rec.Header())
	}
	if rec.Header().Get("x-request-id") != "req-9" ||
		rec.Header().Get("anthropic-ratelimit-requests-remaining") != "99" {
		t.Fatalf("rate limit headers lost: %v", rec.Header())
	}
	if !strings.Contains(rec.Body.String(), `"client-model"`) {
		t.Fatalf("rewrite not applied: %q", rec.Body.String())
	}
}

func TestRelayNonSSEAppliesRewrite(t *testing.T) {
	store := testStore(t)
	h := newTestHandler(t, store)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", "87")
	resp := &http.Response{
		StatusCode: 200,
		Header:     header,
		Body: io.NopCloser(strings.NewReader(
			`{"model":"upstream-model","content":[{"type":"thinking"},{"type":"tool_use"}]}`)),
	}
	rec := httptest.NewRecorder()
	status := h.relay(rec, &forwardResult{resp: resp, rewrite: anthropicRewrite("client-model")}, false)

	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (body %q)", err, rec.Body.String())
	}
	if body["model"] != "client-model" {
		t.Fatalf("model not substituted: %q", rec.Body.String())
	}
	content, _ := body["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("thinking not suppressed: %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "" {
		t.Fatalf("content-length must be dropped after rewrite")
	}
}

func TestRelayNonSSEWithoutRewriteStreamsUntouched(t *testing.T) {
	store := testStore(t)
	h := newTestHandler(t, store)

	resp := syntheticResponse(200, "plain")
	rec := httptest.NewRecorder()
	h.relay(rec, &forwardResult{resp: resp}, false)
	if rec.Body.String() != `{"error":"plain"}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestPanicBecomesInternalProxyError(t *testing.T) {
	store := testStore(t)
	h := newTestHandler(t, store)
	h.router = nil // force a nil dereference inside the provider path

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/provider/anthropic/v1/messages", strings.NewReader(`{}`))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != "Internal proxy error" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
