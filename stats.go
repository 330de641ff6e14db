package main

import (
	"sync"
	"time"
)

// routeTag labels where a request was ultimately served from.
type routeTag string

const (
	routeLocalClaude      routeTag = "LOCAL_CLAUDE"
	routeLocalCodex       routeTag = "LOCAL_CODEX"
	routeLocalGemini      routeTag = "LOCAL_GEMINI"
	routeLocalAntigravity routeTag = "LOCAL_ANTIGRAVITY"
	routeAmpUpstream      routeTag = "AMP_UPSTREAM"
)

const statsCapacity = 1000

type requestEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Route      routeTag  `json:"route"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
}

// statsRing is a fixed-capacity rolling window of request outcomes. Once full
// the oldest slot is overwritten; totalCount keeps counting regardless.
type statsRing struct {
	mu      sync.Mutex
	entries []requestEntry
	next    int
	size    int
	total   uint64
	started time.Time
}

func newStatsRing() *statsRing {
	return &statsRing{
		entries: make([]requestEntry, statsCapacity),
		started: time.Now(),
	}
}

func (s *statsRing) record(e requestEntry) {
	s.mu.Lock()
	s.entries[s.next] = e
	s.next = (s.next + 1) % len(s.entries)
	if s.size < len(s.entries) {
		s.size++
	}
	s.total++
	s.mu.Unlock()
}

type statsSnapshot struct {
	TotalRequests     uint64              `json:"total_requests"`
	RequestsByRoute   map[routeTag]uint64 `json:"requests_by_route"`
	Count429          uint64              `json:"count_429"`
	AverageDurationMs int64               `json:"average_duration_ms"`
	UptimeMs          int64               `json:"uptime_ms"`
}

func (s *statsRing) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := statsSnapshot{
		TotalRequests:   s.total,
		RequestsByRoute: make(map[routeTag]uint64),
		UptimeMs:        time.Since(s.started).Milliseconds(),
	}
	var totalDur int64
	for i := 0; i < s.size; i++ {
		e := s.entries[(s.next-s.size+i+len(s.entries))%len(s.entries)]
		snap.RequestsByRoute[e.Route]++
		if e.Status == 429 {
			snap.Count429++
		}
		totalDur += e.DurationMs
	}
	if s.size > 0 {
		snap.AverageDurationMs = totalDur / int64(s.size)
	}
	return snap
}

// recentRequests returns the last min(n, size) entries in insertion order.
func (s *statsRing) recentRequests(n int) []requestEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.size {
		n = s.size
	}
	out := make([]requestEntry, 0, n)
	for i := s.size - n; i < s.size; i++ {
		out = append(out, s.entries[(s.next-s.size+i+len(s.entries))%len(s.entries)])
	}
	return out
}

// recentErrors keeps the last few error strings for the health endpoint.
type recentErrors struct {
	mu   sync.Mutex
	max  int
	list []string
}

func newRecentErrors(max int) *recentErrors {
	return &recentErrors{max: max}
}

func (r *recentErrors) add(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append([]string{msg}, r.list...)
	if len(r.list) > r.max {
		r.list = r.list[:r.max]
	}
}

func (r *recentErrors) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.list))
	copy(out, r.list)
	return out
}
