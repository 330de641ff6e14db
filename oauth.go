package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	oauthCallbackTimeout = 120 * time.Second
	tokenExpiryBuffer    = 5 * time.Minute
	refreshRetryDelay    = time.Second
)

var errNoRefreshToken = errors.New("token response contained no refresh token; revoke app access and try again")

type oauthIdentity struct {
	email     string
	accountID string
	projectID string
}

// identityHook extracts who just logged in from the token response (and,
// for some providers, follow-up API calls).
type identityHook func(ctx context.Context, client *http.Client, tokenJSON []byte, accessToken string) oauthIdentity

// oauthProvider is the compile-time description of one provider's OAuth
// surface: endpoints, encodings and quirks.
type oauthProvider struct {
	name         string
	clientID     string
	clientSecret string
	authorizeURL string
	tokenURL     string
	redirectHost string
	callbackPort int
	callbackPath string
	scope        string
	// bodyEncoding selects the token-exchange body format: "json" or "form".
	bodyEncoding    string
	stateInToken    bool
	extraAuthParams map[string]string
	noExpiryBuffer  bool
	identity        identityHook
}

func (p *oauthProvider) storageKey() string { return p.name }

// oauthEngine owns the interactive login flow and token refresh for all
// providers. Logins are single-flighted per provider; refreshes are
// single-flighted per (provider, account) so one refresh token is never used
// by two concurrent exchanges.
type oauthEngine struct {
	store     *credStore
	client    *http.Client
	logins    singleflight.Group
	refreshes singleflight.Group
	// openURL is swapped in tests; defaults to the system browser.
	openURL func(string) error
}

func newOAuthEngine(store *credStore, client *http.Client) *oauthEngine {
	return &oauthEngine{store: store, client: client, openURL: browser.OpenURL}
}

type pkceCodes struct {
	verifier  string
	challenge string
}

// newPKCECodes generates an RFC 7636 verifier (96 random bytes, base64url
// no-pad) and its S256 challenge.
func newPKCECodes() (pkceCodes, error) {
	raw := make([]byte, 96)
	if _, err := rand.Read(raw); err != nil {
		return pkceCodes{}, fmt.Errorf("generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return pkceCodes{
		verifier:  verifier,
		challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

type callbackResult struct {
	code  string
	state string
	err   string
}

// login runs the interactive authorization-code flow and persists the
// resulting credentials, reusing an existing account slot when the identity
// matches a prior login. Concurrent calls for the same provider share one
// flow.
func (e *oauthEngine) login(ctx context.Context, p *oauthProvider) (Credentials, int, error) {
	type loginOutcome struct {
		creds   Credentials
		account int
	}
	v, err, _ := e.logins.Do(p.name, func() (any, error) {
		creds, account, errLogin := e.loginFlow(ctx, p)
		if errLogin != nil {
			return nil, errLogin
		}
		return loginOutcome{creds: creds, account: account}, nil
	})
	if err != nil {
		return Credentials{}, 0, err
	}
	out := v.(loginOutcome)
	return out.creds, out.account, nil
}

func (e *oauthEngine) loginFlow(ctx context.Context, p *oauthProvider) (Credentials, int, error) {
	pkce, err := newPKCECodes()
	if err != nil {
		return Credentials{}, 0, err
	}
	state := randomHex(16)

	addr := net.JoinHostPort(p.redirectHost, strconv.Itoa(p.callbackPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return Credentials{}, 0, fmt.Errorf("start callback listener on %s: %w", addr, err)
	}
	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(p.callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res := callbackResult{
			code:  q.Get("code"),
			state: q.Get("state"),
			err:   q.Get("error"),
		}
		select {
		case resultCh <- res:
		default:
		}
		if res.code != "" && res.err == "" {
			_, _ = w.Write([]byte("<h1>Login successful</h1><p>You can close this window.</p>"))
		} else {
			_, _ = w.Write([]byte("<h1>Login failed</h1><p>Check the proxy output.</p>"))
		}
	})
	srv := &http.Server{Handler: mux}
	go func() {
		if errServe := srv.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Warnf("%s callback server: %v", p.name, errServe)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := e.buildAuthorizeURL(p, pkce, state)
	if errOpen := e.openURL(authURL); errOpen != nil {
		fmt.Printf("Open this URL to continue the %s login:\n%s\n", p.name, authURL)
	}
	log.Infof("waiting for %s authentication callback", p.name)

	timer := time.NewTimer(oauthCallbackTimeout)
	defer timer.Stop()
	var res callbackResult
	select {
	case res = <-resultCh:
	case <-timer.C:
		return Credentials{}, 0, fmt.Errorf("%s login timed out waiting for callback", p.name)
	case <-ctx.Done():
		return Credentials{}, 0, ctx.Err()
	}

	if res.err != "" {
		return Credentials{}, 0, fmt.Errorf("%s authorization failed: %s", p.name, res.err)
	}
	if res.state != state {
		return Credentials{}, 0, fmt.Errorf("%s state mismatch: possible CSRF", p.name)
	}
	if res.code == "" {
		return Credentials{}, 0, fmt.Errorf("%s callback had no authorization code", p.name)
	}

	fields := map[string]string{
		"grant_type":    "authorization_code",
		"code":          res.code,
		"redirect_uri":  e.redirectURI(p),
		"client_id":     p.clientID,
		"code_verifier": pkce.verifier,
	}
	if p.clientSecret != "" {
		fields["client_secret"] = p.clientSecret
	}
	if p.stateInToken {
		fields["state"] = state
	}
	tokenJSON, err := e.postToken(ctx, p, fields)
	if err != nil {
		return Credentials{}, 0, fmt.Errorf("%s token exchange: %w", p.name, err)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err = json.Unmarshal(tokenJSON, &payload); err != nil {
		return Credentials{}, 0, fmt.Errorf("%s token response: %w", p.name, err)
	}
	if payload.AccessToken == "" {
		return Credentials{}, 0, fmt.Errorf("%s token exchange returned no access token", p.name)
	}

	creds := Credentials{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    e.expiryMillis(p, payload.ExpiresIn),
	}
	if p.identity != nil {
		id := p.identity(ctx, e.client, tokenJSON, payload.AccessToken)
		creds.Email = id.email
		creds.AccountID = id.accountID
		creds.ProjectID = id.projectID
	}

	provider := p.storageKey()
	account, matched := e.store.findByIdentity(provider, creds)
	if !matched {
		account, err = e.store.nextAccount(provider)
		if err != nil {
			return Credentials{}, 0, err
		}
	}
	if creds.RefreshToken == "" {
		prior, ok, _ := e.store.get(provider, account)
		if !ok || prior.RefreshToken == "" {
			return Credentials{}, 0, errNoRefreshToken
		}
		creds.RefreshToken = prior.RefreshToken
	}
	if err = e.store.save(provider, creds, account); err != nil {
		return Credentials{}, 0, err
	}
	log.Infof("%s login stored as account %d (%s)", p.name, account, creds.Email)
	return creds, account, nil
}

func (e *oauthEngine) buildAuthorizeURL(p *oauthProvider, pkce pkceCodes, state string) string {
	u, _ := url.Parse(p.authorizeURL)
	q := u.Query()
	q.Set("client_id", p.clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", e.redirectURI(p))
	q.Set("scope", p.scope)
	q.Set("code_challenge", pkce.challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	for k, v := range p.extraAuthParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (e *oauthEngine) redirectURI(p *oauthProvider) string {
	return fmt.Sprintf("http://%s:%d%s", p.redirectHost, p.callbackPort, p.callbackPath)
}

// postToken POSTs to the provider's token endpoint using its configured body
// encoding and returns the raw response JSON.
func (e *oauthEngine) postToken(ctx context.Context, p *oauthProvider, fields map[string]string) ([]byte, error) {
	var body io.Reader
	contentType := ""
	if p.bodyEncoding == "json" {
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	} else {
		form := url.Values{}
		for k, v := range fields {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", resp.Status, safeText(raw))
	}
	return raw, nil
}

func (e *oauthEngine) expiryMillis(p *oauthProvider, expiresIn int64) int64 {
	expires := time.Now().Add(time.Duration(expiresIn) * time.Second)
	if !p.noExpiryBuffer {
		expires = expires.Add(-tokenExpiryBuffer)
	}
	return expires.UnixMilli()
}

// token returns a usable access token for the slot, refreshing when stale.
func (e *oauthEngine) token(ctx context.Context, p *oauthProvider, account int) (string, error) {
	creds, ok, err := e.store.get(p.storageKey(), account)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no credentials for %s account %d", p.name, account)
	}
	if creds.fresh() {
		return creds.AccessToken, nil
	}
	refreshed, err := e.refresh(ctx, p, account)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// tokenFromAny returns the first usable token across the provider's slots:
// any fresh one wins, else slots are refreshed in account order.
func (e *oauthEngine) tokenFromAny(ctx context.Context, p *oauthProvider) (string, int, error) {
	all, err := e.store.getAll(p.storageKey())
	if err != nil {
		return "", 0, err
	}
	for _, sa := range all {
		if sa.creds.fresh() {
			return sa.creds.AccessToken, sa.account, nil
		}
	}
	for _, sa := range all {
		if sa.creds.RefreshToken == "" {
			continue
		}
		refreshed, errRefresh := e.refresh(ctx, p, sa.account)
		if errRefresh != nil {
			log.Debugf("%s account %d refresh failed: %v", p.name, sa.account, errRefresh)
			continue
		}
		return refreshed.AccessToken, sa.account, nil
	}
	return "", 0, fmt.Errorf("no usable %s credentials", p.name)
}

func (e *oauthEngine) ready(p *oauthProvider) bool {
	return e.store.exists(p.storageKey())
}

func (e *oauthEngine) accountCount(p *oauthProvider) int {
	return e.store.count(p.storageKey())
}

// refresh exchanges the stored refresh token, retrying once after a short
// pause. Concurrent callers for the same slot coalesce into one exchange;
// issuing two at once would get the older token revoked upstream.
func (e *oauthEngine) refresh(ctx context.Context, p *oauthProvider, account int) (Credentials, error) {
	key := fmt.Sprintf("%s/%d", p.name, account)
	v, err, _ := e.refreshes.Do(key, func() (any, error) {
		creds, errFirst := e.refreshOnce(ctx, p, account)
		if errFirst == nil {
			return creds, nil
		}
		select {
		case <-time.After(refreshRetryDelay):
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
		return e.refreshOnce(ctx, p, account)
	})
	if err != nil {
		return Credentials{}, err
	}
	return v.(Credentials), nil
}

func (e *oauthEngine) refreshOnce(ctx context.Context, p *oauthProvider, account int) (Credentials, error) {
	provider := p.storageKey()
	prior, ok, err := e.store.get(provider, account)
	if err != nil {
		return Credentials{}, err
	}
	if !ok || prior.RefreshToken == "" {
		return Credentials{}, fmt.Errorf("no refresh token for %s account %d", p.name, account)
	}

	fields := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": prior.RefreshToken,
		"client_id":     p.clientID,
	}
	if p.clientSecret != "" {
		fields["client_secret"] = p.clientSecret
	}
	tokenJSON, err := e.postToken(ctx, p, fields)
	if err != nil {
		return Credentials{}, fmt.Errorf("refresh %s account %d: %w", p.name, account, err)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err = json.Unmarshal(tokenJSON, &payload); err != nil {
		return Credentials{}, err
	}
	if payload.AccessToken == "" {
		return Credentials{}, fmt.Errorf("empty access token after %s refresh", p.name)
	}

	// Merge into the prior record: identity fields survive, and a response
	// that omits the refresh token keeps the one we already hold.
	next := prior
	next.AccessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		next.RefreshToken = payload.RefreshToken
	}
	next.ExpiresAt = e.expiryMillis(p, payload.ExpiresIn)
	if err = e.store.save(provider, next, account); err != nil {
		return Credentials{}, err
	}
	return next, nil
}
