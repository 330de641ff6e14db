package main

import (
	"context"
	"net/http"
	"strings"
)

const (
	anthropicBase      = "https://api.anthropic.com"
	anthropicVersion   = "2023-06-01"
	anthropicUserAgent = "claude-cli/1.0.83 (external, cli)"
)

// anthropicBaseBetas is always sent; the client's own anthropic-beta header
// is unioned in, minus the denylist.
var anthropicBaseBetas = []string{
	"claude-code-20250219",
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"prompt-caching-scope-2026-01-05",
}

var anthropicBetaDenylist = map[string]bool{
	"context-1m-2025-08-07": true,
}

// anthropicAdapter serves the anthropic pool from an OAuth subscription,
// dressing requests up as the official CLI.
type anthropicAdapter struct {
	engine *oauthEngine
	client *http.Client
	base   string
}

func newAnthropicAdapter(engine *oauthEngine, client *http.Client) *anthropicAdapter {
	return &anthropicAdapter{engine: engine, client: client, base: anthropicBase}
}

func (a *anthropicAdapter) name() string            { return "anthropic" }
func (a *anthropicAdapter) servesPool() pool        { return poolAnthropic }
func (a *anthropicAdapter) routeDecision() routeTag { return routeLocalClaude }
func (a *anthropicAdapter) oauth() *oauthProvider   { return anthropicOAuth }

func (a *anthropicAdapter) isAvailable(account int) bool {
	creds, ok, _ := a.engine.store.get(anthropicOAuth.storageKey(), account)
	return ok && creds.RefreshToken != ""
}

func (a *anthropicAdapter) accountCount() int {
	return a.engine.accountCount(anthropicOAuth)
}

func (a *anthropicAdapter) forward(ctx context.Context, req *providerRequest, account int) (*forwardResult, error) {
	token, err := a.engine.token(ctx, anthropicOAuth, account)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Content-Type", "application/json")
	headers.Set("Anthropic-Version", anthropicVersion)
	headers.Set("Anthropic-Dangerous-Direct-Browser-Access", "true")
	headers.Set("Anthropic-Beta", mergeBetaHeader(req.headers.Get("anthropic-beta")))
	headers.Set("User-Agent", anthropicUserAgent)
	headers.Set("X-App", "cli")
	headers.Set("X-Stainless-Lang", "js")
	headers.Set("X-Stainless-Runtime", "node")
	headers.Set("X-Stainless-Runtime-Version", "v24.3.0")
	headers.Set("X-Stainless-Package-Version", "0.55.1")
	headers.Set("X-Stainless-Helper-Method", "stream")
	headers.Set("X-Stainless-Retry-Count", "0")
	headers.Set("X-Stainless-Timeout", "60")
	if req.body.stream {
		headers.Set("Accept", "text/event-stream")
	} else {
		headers.Set("Accept", "application/json")
	}

	resp, err := postUpstream(ctx, a.client, a.base+req.subpath, headers, req.body.forwardBody, forwardAttempts)
	if err != nil {
		return nil, err
	}
	return &forwardResult{resp: resp, rewrite: anthropicRewrite(req.model)}, nil
}

// mergeBetaHeader unions the fixed beta set with the client's comma-separated
// features, dropping denylisted ones and keeping output deterministic.
func mergeBetaHeader(clientBeta string) string {
	set := map[string]bool{}
	var ordered []string
	add := func(feature string) {
		feature = strings.TrimSpace(feature)
		if feature == "" || set[feature] || anthropicBetaDenylist[feature] {
			return
		}
		set[feature] = true
		ordered = append(ordered, feature)
	}
	for _, f := range anthropicBaseBetas {
		add(f)
	}
	for _, f := range strings.Split(clientBeta, ",") {
		add(f)
	}
	return strings.Join(ordered, ",")
}
