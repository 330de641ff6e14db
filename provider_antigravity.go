package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
)

// antigravityAdapter is the second Google surface. Wire shape matches the
// gemini adapter, but requests walk the endpoint cascade: daily and autopush
// carry separate quota from prod, so they are drained first and any 5xx or
// connect failure advances to the next endpoint.
type antigravityAdapter struct {
	engine *oauthEngine
	client *http.Client
	// endpoints is the fallback order, kept as data rather than control flow.
	endpoints []string
}

func newAntigravityAdapter(engine *oauthEngine, client *http.Client) *antigravityAdapter {
	return &antigravityAdapter{engine: engine, client: client, endpoints: antigravityEndpoints}
}

func (a *antigravityAdapter) name() string            { return "antigravity" }
func (a *antigravityAdapter) servesPool() pool        { return poolAntigravity }
func (a *antigravityAdapter) routeDecision() routeTag { return routeLocalAntigravity }
func (a *antigravityAdapter) oauth() *oauthProvider   { return googleOAuth }

func (a *antigravityAdapter) isAvailable(account int) bool {
	creds, ok, _ := a.engine.store.get(googleOAuth.storageKey(), account)
	return ok && creds.RefreshToken != ""
}

func (a *antigravityAdapter) accountCount() int {
	return a.engine.accountCount(googleOAuth)
}

func (a *antigravityAdapter) forward(ctx context.Context, req *providerRequest, account int) (*forwardResult, error) {
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
		project:     project,
		model:       model,
		requestType: "agent",
		userAgent:   "antigravity",
		idPrefix:    "agent",
	}
	body := env.wrap(req.body.forwardBody)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "text/event-stream")
	headers.Set("User-Agent", env.userAgent)

	var failures []string
	for _, endpoint := range a.endpoints {
		resp, errPost := postUpstream(ctx, a.client, ccaURL(endpoint, action), headers, body, 1)
		if errPost != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", endpoint, errPost))
			log.Debugf("antigravity endpoint %s failed: %v", endpoint, errPost)
			continue
		}
		if resp.StatusCode >= 500 {
			failures = append(failures, fmt.Sprintf("%s: %s", endpoint, resp.Status))
			resp.Body.Close()
			continue
		}
		return &forwardResult{resp: resp, rewrite: ccaUnwrap(req.model)}, nil
	}
	return &forwardResult{
		resp: syntheticResponse(http.StatusBadGateway, "all antigravity endpoints failed: "+strings.Join(failures, "; ")),
	}, nil
}
