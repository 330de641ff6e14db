package main

import (
	"context"
	"net/http"
	"regexp"
)

// ccaActionRe splits a Gemini API path into model and action, e.g.
// /v1beta/models/gemini-3-flash-preview:streamGenerateContent.
var ccaActionRe = regexp.MustCompile(`models/([^/:]+):(\w+)`)

// geminiAdapter serves the gemini pool through Cloud Code Assist, wrapping
// the provider-native body in the CCA envelope and unwrapping the stream.
type geminiAdapter struct {
	engine *oauthEngine
	client *http.Client
	base   string
}

func newGeminiAdapter(engine *oauthEngine, client *http.Client) *geminiAdapter {
	return &geminiAdapter{engine: engine, client: client, base: ccaEndpointProd}
}

func (a *geminiAdapter) name() string            { return "gemini" }
func (a *geminiAdapter) servesPool() pool        { return poolGemini }
func (a *geminiAdapter) routeDecision() routeTag { return routeLocalGemini }
func (a *geminiAdapter) oauth() *oauthProvider   { return googleOAuth }

func (a *geminiAdapter) isAvailable(account int) bool {
	creds, ok, _ := a.engine.store.get(googleOAuth.storageKey(), account)
	return ok && creds.RefreshToken != ""
}

func (a *geminiAdapter) accountCount() int {
	return a.engine.accountCount(googleOAuth)
}

func (a *geminiAdapter) forward(ctx context.Context, req *providerRequest, account int) (*forwardResult, error) {
	match := ccaActionRe.FindStringSubmatch(req.subpath)
	if match == nil {
		return &forwardResult{resp: syntheticResponse(http.StatusUnauthorized, "unsupported path")}, nil
	}
	model, action := match[1], match[2]

	token, err := a.engine.token(ctx, googleOAuth, account)
	if err != nil {
		return nil, err
	}
	creds, _, _ := a.engine.store.get(googleOAuth.storageKey(), account)
	project := creds.ProjectID
	if project == "" {
		project = fallbackProjectID
	}

	env := ccaEnvelope{
		project:   project,
		model:     model,
		userAgent: "pi-coding-agent",
		idPrefix:  "pi",
	}
	body := env.wrap(req.body.forwardBody)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "text/event-stream")
	headers.Set("User-Agent", env.userAgent)

	resp, err := postUpstream(ctx, a.client, ccaURL(a.base, action), headers, body, forwardAttempts)
	if err != nil {
		return nil, err
	}
	return &forwardResult{resp: resp, rewrite: ccaUnwrap(req.model)}, nil
}
