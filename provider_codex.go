package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	codexBase      = "https://chatgpt.com/backend-api"
	codexUserAgent = "codex_cli_rs/0.98.0 (Mac OS 26.0.1; arm64) Apple_Terminal/464"
	codexVersion   = "0.98.0"
)

// codexAdapter serves the codex pool through the ChatGPT backend. The client
// speaks Chat Completions, so requests run through the Responses transcoder
// and the stream is translated back.
type codexAdapter struct {
	engine *oauthEngine
	client *http.Client
	base   string
}

func newCodexAdapter(engine *oauthEngine, client *http.Client) *codexAdapter {
	return &codexAdapter{engine: engine, client: client, base: codexBase}
}

func (a *codexAdapter) name() string            { return "codex" }
func (a *codexAdapter) servesPool() pool        { return poolCodex }
func (a *codexAdapter) routeDecision() routeTag { return routeLocalCodex }
func (a *codexAdapter) oauth() *oauthProvider   { return codexOAuth }

func (a *codexAdapter) isAvailable(account int) bool {
	creds, ok, _ := a.engine.store.get(codexOAuth.storageKey(), account)
	return ok && creds.RefreshToken != ""
}

func (a *codexAdapter) accountCount() int {
	return a.engine.accountCount(codexOAuth)
}

// codexPath maps client API paths onto the backend's single responses route.
func codexPath(subpath string) string {
	switch {
	case strings.HasPrefix(subpath, "/v1/responses"),
		strings.HasPrefix(subpath, "/v1/chat/completions"):
		return "/codex/responses"
	}
	return subpath
}

func (a *codexAdapter) forward(ctx context.Context, req *providerRequest, account int) (*forwardResult, error) {
	token, err := a.engine.token(ctx, codexOAuth, account)
	if err != nil {
		return nil, err
	}
	creds, _, _ := a.engine.store.get(codexOAuth.storageKey(), account)

	sessionID := req.threadID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	body, transcoded := chatToResponses(req.body.forwardBody, req.threadID)
	if !transcoded {
		// Already Responses-shaped. The backend only serves streams, so force
		// the flag; the inbound preference is noted but not honored.
		if !gjson.GetBytes(body, "stream").Bool() {
			if !req.body.stream {
				log.Debugf("client asked for non-streaming codex response; forcing stream")
			}
			body, _ = sjson.SetBytes(body, "stream", true)
		}
		if req.threadID != "" && !gjson.GetBytes(body, "prompt_cache_key").Exists() {
			body, _ = sjson.SetBytes(body, "prompt_cache_key", req.threadID)
		}
	} else if !req.body.stream {
		log.Debugf("client asked for non-streaming codex response; forcing stream")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "text/event-stream")
	headers.Set("OpenAI-Beta", "responses=experimental")
	headers.Set("Originator", "codex_cli_rs")
	headers.Set("User-Agent", codexUserAgent)
	headers.Set("Version", codexVersion)
	headers.Set("Session_id", sessionID)
	headers.Set("Conversation_id", sessionID)
	if creds.AccountID != "" {
		headers.Set("Chatgpt-Account-Id", creds.AccountID)
	}

	resp, err := postUpstream(ctx, a.client, a.base+codexPath(req.subpath), headers, body, forwardAttempts)
	if err != nil {
		return nil, err
	}
	result := &forwardResult{resp: resp}
	if transcoded {
		st := newResponsesToChat(req.model)
		result.rewrite = st.transform
		result.finish = st.finish
	}
	return result, nil
}
