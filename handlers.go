package main

import (
	"net/http"
	"strconv"
)

type healthProviders struct {
	Anthropic bool `json:"anthropic"`
	Codex     bool `json:"codex"`
	Google    bool `json:"google"`
}

type healthResponse struct {
	Status       string          `json:"status"`
	Service      string          `json:"service"`
	Port         int             `json:"port"`
	Upstream     string          `json:"upstream"`
	Providers    healthProviders `json:"providers"`
	Stats        statsSnapshot   `json:"stats"`
	RecentErrors []string        `json:"recent_errors,omitempty"`
}

func (h *proxyHandler) serveHealth(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Service:  serviceName,
		Port:     h.cfg.listenPort,
		Upstream: h.cfg.upstreamBase.String(),
		Providers: healthProviders{
			Anthropic: h.engine.ready(anthropicOAuth),
			Codex:     h.engine.ready(codexOAuth),
			Google:    h.engine.ready(googleOAuth),
		},
		Stats:        h.stats.snapshot(),
		RecentErrors: h.recent.snapshot(),
	})
}

func (h *proxyHandler) serveRecentRequests(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	respondJSON(w, http.StatusOK, h.stats.recentRequests(n))
}
