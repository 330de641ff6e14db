package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// providerRequest is everything an adapter needs to rebuild the client's
// request against its upstream.
type providerRequest struct {
	subpath  string
	body     *parsedBody
	headers  http.Header
	threadID string
	// model is the client-requested name, used to rewrite upstream payloads
	// back to what the client expects.
	model string
}

// forwardResult couples the upstream response with the SSE transform to apply
// while relaying it to the client.
type forwardResult struct {
	resp    *http.Response
	rewrite chunkTransform
	finish  func() []sseChunk
}

// adapter is one local upstream binding. account numbers refer to slots in
// the credential store of the adapter's OAuth provider.
type adapter interface {
	name() string
	servesPool() pool
	routeDecision() routeTag
	oauth() *oauthProvider
	isAvailable(account int) bool
	accountCount() int
	forward(ctx context.Context, req *providerRequest, account int) (*forwardResult, error)
}

const (
	forwardAttempts = 3
	forwardBackoff  = 500 * time.Millisecond
)

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// postUpstream POSTs to an upstream with bounded retries on transient
// failures. 429 is never retried here; the router layer owns rate limits.
// Non-ok terminal responses come back with a replayable body.
func postUpstream(ctx context.Context, client *http.Client, url string, headers http.Header, body []byte, attempts int) (*http.Response, error) {
	if attempts <= 0 {
		attempts = forwardAttempts
	}
	var lastErr error
	var lastResp *http.Response
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header = cloneHeader(headers)

		resp, err := client.Do(req)
		switch {
		case err != nil:
			lastErr = err
			log.Debugf("upstream %s attempt %d/%d: %v", url, attempt, attempts, err)
		case transientStatus(resp.StatusCode):
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(raw))
			lastResp = resp
			lastErr = nil
			log.Debugf("upstream %s attempt %d/%d: %s %s", url, attempt, attempts, resp.Status, safeText(raw))
		default:
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
				resp.Body.Close()
				resp.Body = io.NopCloser(bytes.NewReader(raw))
				log.Debugf("upstream %s: %s %s", url, resp.Status, safeText(raw))
			}
			return resp, nil
		}
		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * forwardBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if lastResp != nil {
		return lastResp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("upstream %s: all attempts failed", url)
	}
	return nil, lastErr
}

// syntheticResponse builds an in-process error response in upstream shape.
func syntheticResponse(status int, msg string) *http.Response {
	body := fmt.Sprintf(`{"error":%q}`, msg)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// isSSEResponse reports whether the upstream answer should be relayed as an
// event stream.
func isSSEResponse(resp *http.Response, declaredStream bool) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		return true
	}
	return declaredStream
}
