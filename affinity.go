package main

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	affinityTTL           = 2 * time.Hour
	affinityCleanupPeriod = 10 * time.Minute
)

type affinityKey struct {
	threadID       string
	clientProvider string
}

type poolAccount struct {
	pool    pool
	account int
}

type affinityEntry struct {
	pool       pool
	account    int
	assignedAt int64 // epoch ms
}

// affinityMap pins a (thread, clientProvider) pair to a (pool, account) so a
// conversation keeps hitting the same upstream prompt cache. A secondary
// counts index tracks how many live pins point at each pair; it is updated
// under the same lock as the primary map so the two can never drift.
type affinityMap struct {
	mu      sync.Mutex
	entries map[affinityKey]*affinityEntry
	counts  map[poolAccount]uint
}

func newAffinityMap() *affinityMap {
	return &affinityMap{
		entries: make(map[affinityKey]*affinityEntry),
		counts:  make(map[poolAccount]uint),
	}
}

// get returns the live pin for the pair and bumps its timestamp. Expired
// entries are evicted on the way through.
func (m *affinityMap) get(threadID, clientProvider string) (pool, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := affinityKey{threadID, clientProvider}
	e, ok := m.entries[key]
	if !ok {
		return "", 0, false
	}
	now := time.Now().UnixMilli()
	if now-e.assignedAt > affinityTTL.Milliseconds() {
		m.dropLocked(key, e)
		return "", 0, false
	}
	e.assignedAt = now
	return e.pool, e.account, true
}

// peek reads the pin without touching the timestamp or evicting.
func (m *affinityMap) peek(threadID, clientProvider string) (pool, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[affinityKey{threadID, clientProvider}]
	if !ok {
		return "", 0, false
	}
	return e.pool, e.account, true
}

func (m *affinityMap) set(threadID, clientProvider string, p pool, account int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := affinityKey{threadID, clientProvider}
	now := time.Now().UnixMilli()
	if e, ok := m.entries[key]; ok {
		if e.pool == p && e.account == account {
			e.assignedAt = now
			return
		}
		m.decLocked(poolAccount{e.pool, e.account})
	}
	m.entries[key] = &affinityEntry{pool: p, account: account, assignedAt: now}
	m.counts[poolAccount{p, account}]++
}

func (m *affinityMap) clear(threadID, clientProvider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := affinityKey{threadID, clientProvider}
	if e, ok := m.entries[key]; ok {
		m.dropLocked(key, e)
	}
}

// activeCount is the least-connections signal read by the router.
func (m *affinityMap) activeCount(p pool, account int) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[poolAccount{p, account}]
}

func (m *affinityMap) dropLocked(key affinityKey, e *affinityEntry) {
	m.decLocked(poolAccount{e.pool, e.account})
	delete(m.entries, key)
}

func (m *affinityMap) decLocked(pa poolAccount) {
	if c := m.counts[pa]; c > 1 {
		m.counts[pa] = c - 1
	} else {
		delete(m.counts, pa)
	}
}

// sweep evicts entries idle past the TTL and returns how many were dropped.
func (m *affinityMap) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UnixMilli() - affinityTTL.Milliseconds()
	dropped := 0
	for key, e := range m.entries {
		if e.assignedAt < cutoff {
			m.dropLocked(key, e)
			dropped++
		}
	}
	return dropped
}

func (m *affinityMap) startCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(affinityCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.sweep(); n > 0 {
					log.Debugf("affinity cleanup evicted %d stale pins", n)
				}
			}
		}
	}()
}
