package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestMergeBetaHeader(t *testing.T) {
	got := mergeBetaHeader("")
	for _, base := range anthropicBaseBetas {
		if !strings.Contains(got, base) {
			t.Fatalf("base beta %s missing from %q", base, got)
		}
	}

	got = mergeBetaHeader("custom-beta-1, context-1m-2025-08-07, oauth-2025-04-20")
	if !strings.Contains(got, "custom-beta-1") {
		t.Fatalf("client beta lost: %q", got)
	}
	if strings.Contains(got, "context-1m-2025-08-07") {
		t.Fatalf("denylisted beta leaked: %q", got)
	}
	if strings.Count(got, "oauth-2025-04-20") != 1 {
		t.Fatalf("duplicate beta: %q", got)
	}
}

func storedFreshAccount(t *testing.T, store *credStore, provider string) {
	t.Helper()
	err := store.save(provider, Credentials{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		AccountID:    "acct-abc",
		ProjectID:    "proj-1",
	}, 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestAnthropicAdapterForward(t *testing.T) {
	var gotHeaders http.Header
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	store := testStore(t)
	storedFreshAccount(t, store, "anthropic")
	a := newAnthropicAdapter(newOAuthEngine(store, http.DefaultClient), http.DefaultClient)
	a.base = upstream.URL

	clientHeaders := http.Header{}
	clientHeaders.Set("anthropic-beta", "client-beta")
	pb := parseBody([]byte(`{"model":"claude-opus-4-6","stream":true}`), "/v1/messages")
	fr, err := a.forward(context.Background(), &providerRequest{
		subpath: "/v1/messages", body: pb, headers: clientHeaders, model: "claude-opus-4-6",
	}, 0)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer fr.resp.Body.Close()

	if gotPath != "/v1/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotHeaders.Get("Authorization") != "Bearer access-token" {
		t.Fatalf("authorization = %q", gotHeaders.Get("Authorization"))
	}
	if gotHeaders.Get("Anthropic-Version") != anthropicVersion ||
		gotHeaders.Get("Anthropic-Dangerous-Direct-Browser-Access") != "true" ||
		gotHeaders.Get("X-App") != "cli" ||
		gotHeaders.Get("User-Agent") != anthropicUserAgent {
		t.Fatalf("headers = %v", gotHeaders)
	}
	if beta := gotHeaders.Get("Anthropic-Beta"); !strings.Contains(beta, "client-beta") || !strings.Contains(beta, "oauth-2025-04-20") {
		t.Fatalf("beta = %q", beta)
	}
	if fr.rewrite == nil {
		t.Fatalf("anthropic forward must attach the model rewrite")
	}
}

func TestCodexAdapterForwardTranscodes(t *testing.T) {
	var gotHeaders http.Header
	var gotPath string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"type\":\"response.created\",\"response\":{\"id\":\"r\"}}\n\n"))
	}))
	defer upstream.Close()

	store := testStore(t)
	storedFreshAccount(t, store, "codex")
	a := newCodexAdapter(newOAuthEngine(store, http.DefaultClient), http.DefaultClient)
	a.base = upstream.URL

	raw := []byte(`{"model":"gpt-5.2","messages":[{"role":"user","content":"hi"}]}`)
	pb := parseBody(raw, "/v1/chat/completions")
	fr, err := a.forward(context.Background(), &providerRequest{
		subpath: "/v1/chat/completions", body: pb, headers: http.Header{}, threadID: "T-1", model: "gpt-5.2",
	}, 0)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer fr.resp.Body.Close()

	if gotPath != "/codex/responses" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotHeaders.Get("Openai-Beta") != "responses=experimental" ||
		gotHeaders.Get("Originator") != "codex_cli_rs" ||
		gotHeaders.Get("Chatgpt-Account-Id") != "acct-abc" {
		t.Fatalf("headers = %v", gotHeaders)
	}
	if gotHeaders.Get("Session_id") != "T-1" || gotHeaders.Get("Conversation_id") != "T-1" {
		t.Fatalf("session headers = %v", gotHeaders)
	}
	r := gjson.ParseBytes(gotBody)
	if !r.Get("stream").Bool() || r.Get("messages").Exists() {
		t.Fatalf("body not transcoded: %s", gotBody)
	}
	if r.Get("prompt_cache_key").String() != "T-1" {
		t.Fatalf("prompt_cache_key = %q", r.Get("prompt_cache_key").String())
	}
	if fr.rewrite == nil || fr.finish == nil {
		t.Fatalf("transcoded request must attach the reverse transcoder")
	}
}

func TestCodexAdapterForcesStreamOnResponsesBody(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	store := testStore(t)
	storedFreshAccount(t, store, "codex")
	a := newCodexAdapter(newOAuthEngine(store, http.DefaultClient), http.DefaultClient)
	a.base = upstream.URL

	pb := parseBody([]byte(`{"model":"gpt-5.2","input":[]}`), "/v1/responses")
	fr, err := a.forward(context.Background(), &providerRequest{
		subpath: "/v1/responses", body: pb, headers: http.Header{}, model: "gpt-5.2",
	}, 0)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer fr.resp.Body.Close()

	if !gjson.GetBytes(gotBody, "stream").Bool() {
		t.Fatalf("stream must be forced: %s", gotBody)
	}
	if fr.rewrite != nil {
		t.Fatalf("native responses body needs no reverse transcoder")
	}
}

func TestGeminiAdapterWrapsAndRoutes(t *testing.T) {
	var gotPath, gotQuery string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	store := testStore(t)
	storedFreshAccount(t, store, "google")
	a := newGeminiAdapter(newOAuthEngine(store, http.DefaultClient), http.DefaultClient)
	a.base = upstream.URL

	pb := parseBody([]byte(`{"contents":[]}`), "/v1beta/models/gemini-3-flash-preview:streamGenerateContent")
	fr, err := a.forward(context.Background(), &providerRequest{
		subpath: "/v1beta/models/gemini-3-flash-preview:streamGenerateContent",
		body:    pb, headers: http.Header{}, model: "gemini-3-flash-preview",
	}, 0)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer fr.resp.Body.Close()

	if gotPath != "/v1internal:streamGenerateContent" || gotQuery != "alt=sse" {
		t.Fatalf("url = %q?%q", gotPath, gotQuery)
	}
	r := gjson.ParseBytes(gotBody)
	if r.Get("project").String() != "proj-1" ||
		r.Get("model").String() != "gemini-3-flash-preview" ||
		r.Get("userAgent").String() != "pi-coding-agent" {
		t.Fatalf("envelope = %s", gotBody)
	}
}

func TestGeminiAdapterRejectsUnsupportedPath(t *testing.T) {
	store := testStore(t)
	storedFreshAccount(t, store, "google")
	a := newGeminiAdapter(newOAuthEngine(store, http.DefaultClient), http.DefaultClient)

	pb := parseBody(nil, "/v1beta/models")
	fr, err := a.forward(context.Background(), &providerRequest{
		subpath: "/v1beta/models", body: pb, headers: http.Header{},
	}, 0)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer fr.resp.Body.Close()
	if fr.resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", fr.resp.StatusCode)
	}
}

func TestAntigravityAdapterCascades(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	var goodHits int
	var gotBody []byte
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits++
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer good.Close()

	store := testStore(t)
	storedFreshAccount(t, store, "google")
	a := newAntigravityAdapter(newOAuthEngine(store, http.DefaultClient), http.DefaultClient)
	a.endpoints = []string{bad.URL, good.URL}

	pb := parseBody([]byte(`{"contents":[]}`), "/v1beta/models/gemini-3-pro:streamGenerateContent")
	fr, err := a.forward(context.Background(), &providerRequest{
		subpath: "/v1beta/models/gemini-3-pro:streamGenerateContent",
		body:    pb, headers: http.Header{}, model: "gemini-3-pro",
	}, 0)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer fr.resp.Body.Close()

	if fr.resp.StatusCode != http.StatusOK || goodHits != 1 {
		t.Fatalf("cascade failed: status=%d hits=%d", fr.resp.StatusCode, goodHits)
	}
	r := gjson.ParseBytes(gotBody)
	if r.Get("requestType").String() != "agent" || r.Get("userAgent").String() != "antigravity" {
		t.Fatalf("envelope = %s", gotBody)
	}
}

func TestAntigravityAdapterAllEndpointsFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer bad.Close()

	store := testStore(t)
	storedFreshAccount(t, store, "google")
	a := newAntigravityAdapter(newOAuthEngine(store, http.DefaultClient), http.DefaultClient)
	a.endpoints = []string{bad.URL, bad.URL}

	pb := parseBody([]byte(`{"contents":[]}`), "/v1beta/models/gemini-3-pro:generateContent")
	fr, err := a.forward(context.Background(), &providerRequest{
		subpath: "/v1beta/models/gemini-3-pro:generateContent",
		body:    pb, headers: http.Header{}, model: "gemini-3-pro",
	}, 0)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer fr.resp.Body.Close()

	if fr.resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", fr.resp.StatusCode)
	}
	raw, _ := io.ReadAll(fr.resp.Body)
	if !strings.Contains(string(raw), "all antigravity endpoints failed") {
		t.Fatalf("body = %s", raw)
	}
}

func TestCodexPathMapping(t *testing.T) {
	if codexPath("/v1/responses") != "/codex/responses" {
		t.Fatalf("responses path")
	}
	if codexPath("/v1/chat/completions") != "/codex/responses" {
		t.Fatalf("chat completions path")
	}
	if codexPath("/other") != "/other" {
		t.Fatalf("unknown paths pass through")
	}
}

func TestPostUpstreamRetriesTransient(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	resp, err := postUpstream(context.Background(), http.DefaultClient, upstream.URL, http.Header{}, nil, 3)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 || calls != 3 {
		t.Fatalf("status=%d calls=%d", resp.StatusCode, calls)
	}
}

func TestPostUpstreamDoesNotRetry429(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "limited", http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	resp, err := postUpstream(context.Background(), http.DefaultClient, upstream.URL, http.Header{}, nil, 3)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests || calls != 1 {
		t.Fatalf("status=%d calls=%d, 429 must surface immediately", resp.StatusCode, calls)
	}
}
