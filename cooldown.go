package main

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// pool identifies a quota bucket on an upstream provider. A single Google
// login serves both the gemini and antigravity pools.
type pool string

const (
	poolAnthropic   pool = "anthropic"
	poolCodex       pool = "codex"
	poolGemini      pool = "gemini"
	poolAntigravity pool = "antigravity"
)

const (
	burstCooldownFloor  = 30 * time.Second
	exhaustionRetryMax  = 300 * time.Second
	exhaustionCooldown  = 2 * time.Hour
	forbiddenCooldown   = 24 * time.Hour
	consecutive429Limit = 3
)

type cooldownKey struct {
	pool    pool
	account int
}

type cooldownEntry struct {
	until          int64 // epoch ms
	exhausted      bool
	consecutive429 int
}

// cooldownTracker keeps per-(pool,account) rate-limit state. Entries are
// created on 429/403, removed on success, and evicted lazily once expired.
type cooldownTracker struct {
	mu      sync.Mutex
	entries map[cooldownKey]*cooldownEntry
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{entries: make(map[cooldownKey]*cooldownEntry)}
}

// record429 escalates burst cooldowns into a 2h exhaustion after three
// consecutive hits or when the upstream asks for a wait beyond 300s.
func (t *cooldownTracker) record429(p pool, account int, retryAfter time.Duration, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := cooldownKey{p, account}
	e := t.entries[key]
	if e == nil {
		e = &cooldownEntry{}
		t.entries[key] = e
	}
	e.consecutive429++

	now := time.Now().UnixMilli()
	if (known && retryAfter > exhaustionRetryMax) || e.consecutive429 >= consecutive429Limit {
		e.exhausted = true
		e.until = now + exhaustionCooldown.Milliseconds()
		return
	}
	wait := burstCooldownFloor
	if known && retryAfter > wait {
		wait = retryAfter
	}
	e.until = now + wait.Milliseconds()
}

func (t *cooldownTracker) record403(p pool, account int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[cooldownKey{p, account}] = &cooldownEntry{
		until:     time.Now().UnixMilli() + forbiddenCooldown.Milliseconds(),
		exhausted: true,
	}
}

func (t *cooldownTracker) recordSuccess(p pool, account int) {
	t.mu.Lock()
	delete(t.entries, cooldownKey{p, account})
	t.mu.Unlock()
}

// isCoolingDown reports whether the pair is currently banned, burst or
// exhaustion alike. Expired entries are removed on the way out.
func (t *cooldownTracker) isCoolingDown(p pool, account int) bool {
	e := t.live(p, account)
	return e != nil
}

func (t *cooldownTracker) isExhausted(p pool, account int) bool {
	e := t.live(p, account)
	return e != nil && e.exhausted
}

func (t *cooldownTracker) live(p pool, account int) *cooldownEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := cooldownKey{p, account}
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	if time.Now().UnixMilli() >= e.until {
		delete(t.entries, key)
		return nil
	}
	return e
}

// parseRetryAfter accepts integer seconds or an HTTP-date. Anything else is
// reported unknown and callers fall back to the 30s floor.
func parseRetryAfter(h string) (time.Duration, bool) {
	if h == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(h, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(h); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
