package main

import (
	"bytes"
	"io"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
)

// proxyUpstream forwards a request to the paid gateway: URL rewritten to the
// upstream base, proxy's API key injected, redirects left untouched and the
// body streamed through unchanged. Returns the status written to the client.
func (h *proxyHandler) proxyUpstream(w http.ResponseWriter, r *http.Request, body []byte, reqID string) int {
	outURL := new(url.URL)
	*outURL = *r.URL
	outURL.Scheme = h.cfg.upstreamBase.Scheme
	outURL.Host = h.cfg.upstreamBase.Host

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), reqBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	outReq.Host = h.cfg.upstreamBase.Host
	outReq.Header = cloneHeader(r.Header)
	removeHopByHopHeaders(outReq.Header)
	if h.cfg.ampAPIKey != "" {
		outReq.Header.Set("Authorization", "Bearer "+h.cfg.ampAPIKey)
	}

	resp, err := h.upstreamClient.Do(outReq)
	if err != nil {
		log.Debugf("[%s] upstream proxy failed: %v", reqID, err)
		h.recent.add(err.Error())
		http.Error(w, err.Error(), http.StatusBadGateway)
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	// The body is re-streamed, so the original framing no longer applies.
	w.Header().Del("Content-Encoding")
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	var sink io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		sink = flushWriter{w: w, f: flusher}
	}
	if _, errCopy := io.Copy(sink, resp.Body); errCopy != nil {
		h.recent.add(errCopy.Error())
	}
	return resp.StatusCode
}
