package main

import (
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var browserPrefixes = []string{"/auth", "/threads", "/docs", "/settings"}

var browserExact = map[string]bool{
	"/threads.rss": true,
	"/news.rss":    true,
}

var passthroughPrefixes = []string{
	"/api/internal",
	"/api/user",
	"/api/auth",
	"/api/meta",
	"/api/ads",
	"/api/telemetry",
	"/api/threads",
	"/api/otel",
	"/api/tab",
	"/api/durable-thread-workers",
}

// isBrowserPath matches routes a human opens in a browser; those redirect to
// the upstream web app instead of being proxied.
func isBrowserPath(path string) bool {
	if browserExact[path] {
		return true
	}
	for _, prefix := range browserPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func isPassthroughPath(path string) bool {
	for _, prefix := range passthroughPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// providerRoute splits /api/provider/<clientProvider>/<subpath>.
func providerRoute(path string) (string, string, bool) {
	const prefix = "/api/provider/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	idx := strings.Index(rest, "/")
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx:], true
}

// ServeHTTP classifies the path and dispatches. Nothing is allowed to escape
// a request: panics become a JSON 500 and the server keeps serving.
func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("[%s] panic serving %s %s: %v\n%s", reqID, r.Method, r.URL.Path, rec, debug.Stack())
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal proxy error"})
		}
	}()

	path := r.URL.Path
	if r.Method == http.MethodGet && (path == "/" || path == "/status") {
		h.serveHealth(w)
		return
	}
	if path == "/metrics" {
		h.metrics.serve(w, r)
		return
	}
	if path == "/requests" {
		h.serveRecentRequests(w, r)
		return
	}

	if isBrowserPath(path) {
		target := h.cfg.upstreamBase.String() + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	if isPassthroughPath(path) {
		body, err := readBodyForReplay(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.proxyUpstream(w, r, body, reqID)
		return
	}
	if clientProvider, subpath, ok := providerRoute(path); ok {
		h.handleProvider(w, r, clientProvider, subpath, reqID)
		return
	}

	body, err := readBodyForReplay(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.proxyUpstream(w, r, body, reqID)
}

// handleProvider is the core dispatch: parse the body, route, forward through
// the retry engine, and account for the outcome.
func (h *proxyHandler) handleProvider(w http.ResponseWriter, r *http.Request, clientProvider, subpath, reqID string) {
	start := time.Now()

	var raw []byte
	if r.Method == http.MethodPost {
		var err error
		raw, err = readBodyForReplay(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	pb := parseBody(raw, subpath)
	if mapped := h.resolveModel(pb.ampModel); mapped != pb.ampModel {
		pb.forwardBody = rewriteBodyModel(pb, mapped)
	}
	threadID := r.Header.Get("x-amp-thread-id")

	route := h.router.pick(clientProvider, pb.ampModel, threadID)
	log.Debugf("[%s] %s %s provider=%s model=%s thread=%s decision=%s pool=%s account=%d",
		reqID, r.Method, r.URL.Path, clientProvider, pb.ampModel, threadID, route.decision, route.pool, route.account)

	if route.handler == nil {
		status := h.proxyUpstream(w, r, raw, reqID)
		h.recordOutcome(routeAmpUpstream, clientProvider, pb.ampModel, status, start)
		return
	}

	preq := &providerRequest{
		subpath:  subpath,
		body:     pb,
		headers:  r.Header,
		threadID: threadID,
		model:    pb.ampModel,
	}
	fr, finalRoute, ok := h.deliver(r.Context(), route, preq, reqID)
	if !ok {
		log.Debugf("[%s] local delivery failed, falling back to upstream", reqID)
		status := h.proxyUpstream(w, r, raw, reqID)
		h.recordOutcome(routeAmpUpstream, clientProvider, pb.ampModel, status, start)
		return
	}

	status := h.relay(w, fr, pb.stream)
	h.recordOutcome(finalRoute.decision, clientProvider, pb.ampModel, status, start)
	log.Debugf("[%s] done decision=%s status=%d duration_ms=%d",
		reqID, finalRoute.decision, status, time.Since(start).Milliseconds())
}

// resolveModel applies the configured client-model to local-model mapping.
// Unmapped names resolve to themselves, which also makes it idempotent.
func (h *proxyHandler) resolveModel(model string) string {
	if mapped, ok := h.cfg.modelMap[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

func (h *proxyHandler) recordOutcome(tag routeTag, provider, model string, status int, start time.Time) {
	h.stats.record(requestEntry{
		Timestamp:  start,
		Route:      tag,
		Provider:   provider,
		Model:      model,
		Status:     status,
		DurationMs: time.Since(start).Milliseconds(),
	})
	h.metrics.inc(status, tag)
}

// flushWriter pushes SSE bytes out as they arrive instead of waiting for the
// response buffer to fill.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

// relay writes an adapter response to the client, running SSE bodies through
// the route's stream rewriter.
func (h *proxyHandler) relay(w http.ResponseWriter, fr *forwardResult, declaredStream bool) int {
	resp := fr.resp
	defer resp.Body.Close()

	if !isSSEResponse(resp, declaredStream) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			h.recent.add(err.Error())
		}
		// The rewrite applies to non-streaming replies too: the whole body
		// is one JSON payload instead of a sequence of SSE records.
		if fr.rewrite != nil && len(body) > 0 {
			var rewritten []byte
			for _, c := range fr.rewrite(sseChunk{data: string(body), hasData: true}) {
				rewritten = append(rewritten, c.data...)
			}
			body = rewritten
		}
		copyHeader(w.Header(), resp.Header)
		removeHopByHopHeaders(w.Header())
		w.Header().Del("Content-Length")
		w.WriteHeader(resp.StatusCode)
		if _, errWrite := w.Write(body); errWrite != nil {
			h.recent.add(errWrite.Error())
		}
		return resp.StatusCode
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	forwardRateLimitHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)

	var sink io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		sink = flushWriter{w: w, f: flusher}
	}
	sw := newSSERewriter(sink, fr.rewrite)
	sw.finish = fr.finish
	if _, err := io.Copy(sw, resp.Body); err != nil {
		h.recent.add(err.Error())
		return resp.StatusCode
	}
	if err := sw.flush(); err != nil {
		h.recent.add(err.Error())
	}
	return resp.StatusCode
}
