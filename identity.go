package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Cloud Code Assist endpoints. The cascade orders are load-bearing: project
// discovery prefers prod, while the antigravity adapter drains daily and
// autopush before falling back to prod.
const (
	ccaEndpointProd     = "https://cloudcode-pa.googleapis.com"
	ccaEndpointDaily    = "https://daily-cloudcode-pa.googleapis.com"
	ccaEndpointAutopush = "https://autopush-cloudcode-pa.googleapis.com"
)

var (
	projectDiscoveryEndpoints = []string{ccaEndpointProd, ccaEndpointDaily, ccaEndpointAutopush}
	antigravityEndpoints      = []string{ccaEndpointDaily, ccaEndpointAutopush, ccaEndpointProd}
)

const fallbackProjectID = "cloudaicompanion-default"

const ccaClientMetadata = `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`

// anthropicIdentity reads the account object Anthropic embeds in its token
// response.
func anthropicIdentity(_ context.Context, _ *http.Client, tokenJSON []byte, _ string) oauthIdentity {
	return oauthIdentity{
		email:     gjson.GetBytes(tokenJSON, "account.email_address").String(),
		accountID: gjson.GetBytes(tokenJSON, "account.uuid").String(),
	}
}

// codexIdentity decodes the access token's JWT payload for the ChatGPT
// account id and asks /v1/me for the email.
func codexIdentity(ctx context.Context, client *http.Client, _ []byte, accessToken string) oauthIdentity {
	var id oauthIdentity
	if claims := decodeJWTPayload(accessToken); claims != nil {
		id.accountID = gjson.GetBytes(claims, `https\://api\.openai\.com/auth.chatgpt_account_id`).String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.openai.com/v1/me", nil)
	if err != nil {
		return id
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := client.Do(req)
	if err != nil {
		log.Debugf("codex /v1/me: %v", err)
		return id
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode == http.StatusOK {
		id.email = gjson.GetBytes(raw, "email").String()
	}
	return id
}

// decodeJWTPayload returns the decoded middle segment of a JWT, or nil.
func decodeJWTPayload(token string) []byte {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	return payload
}

// googleIdentity fetches userinfo for the email and discovers the Cloud
// project backing the subscription.
func googleIdentity(ctx context.Context, client *http.Client, _ []byte, accessToken string) oauthIdentity {
	var id oauthIdentity
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://www.googleapis.com/oauth2/v1/userinfo?alt=json", nil)
	if err == nil {
		req.Header.Set("Authorization", "Bearer "+accessToken)
		if resp, errDo := client.Do(req); errDo == nil {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				id.email = gjson.GetBytes(raw, "email").String()
			}
		} else {
			log.Debugf("google userinfo: %v", errDo)
		}
	}
	id.projectID = discoverProject(ctx, client, accessToken)
	return id
}

// discoverProject walks the Code Assist endpoints for a companion project id.
// The response carries it either as a bare string or as an object with an id.
func discoverProject(ctx context.Context, client *http.Client, accessToken string) string {
	for _, endpoint := range projectDiscoveryEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v1internal:loadCodeAssist", bytes.NewReader([]byte(ccaClientMetadata)))
		if err != nil {
			continue
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			log.Debugf("loadCodeAssist %s: %v", endpoint, err)
			continue
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Debugf("loadCodeAssist %s: %s", endpoint, resp.Status)
			continue
		}
		project := gjson.GetBytes(raw, "cloudaicompanionProject")
		switch {
		case project.Type == gjson.String && project.Str != "":
			return project.Str
		case project.IsObject():
			if projectID := project.Get("id").String(); projectID != "" {
				return projectID
			}
		}
	}
	log.Warnf("project discovery failed on all endpoints, using fallback project %s", fallbackProjectID)
	return fallbackProjectID
}
