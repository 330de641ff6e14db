package main

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// clientPools is the static registry from the client-facing provider name to
// the local pools that can serve it.
var clientPools = map[string][]pool{
	"anthropic": {poolAnthropic},
	"openai":    {poolCodex},
	"google":    {poolGemini, poolAntigravity},
}

// routeResult is one routing decision. A nil handler with the AMP_UPSTREAM
// decision means "no local route; fall back to the paid gateway".
type routeResult struct {
	decision routeTag
	provider string
	model    string
	pool     pool
	account  int
	handler  adapter
}

func upstreamRoute(clientProvider, model string) routeResult {
	return routeResult{decision: routeAmpUpstream, provider: clientProvider, model: model}
}

// router picks a (pool, account) for each request: thread affinity first,
// then cooldown filtering, then least-connections over the candidates.
type router struct {
	store    *credStore
	cooldown *cooldownTracker
	affinity *affinityMap
	adapters map[pool]adapter
	enabled  map[pool]bool
}

func newRouter(store *credStore, cooldown *cooldownTracker, affinity *affinityMap, adapters []adapter, enabled map[pool]bool) *router {
	byPool := make(map[pool]adapter, len(adapters))
	for _, a := range adapters {
		byPool[a.servesPool()] = a
	}
	return &router{
		store:    store,
		cooldown: cooldown,
		affinity: affinity,
		adapters: byPool,
		enabled:  enabled,
	}
}

type candidate struct {
	pool    pool
	account int
}

func (rt *router) pick(clientProvider, model, threadID string) routeResult {
	// Honor an existing pin first. A burst cooldown falls through to fresh
	// selection without breaking the pin; exhaustion or a vanished account
	// breaks it.
	if threadID != "" {
		if p, account, ok := rt.affinity.get(threadID, clientProvider); ok {
			handler := rt.adapters[p]
			switch {
			case handler == nil || !rt.enabled[p] || !handler.isAvailable(account) || rt.cooldown.isExhausted(p, account):
				rt.affinity.clear(threadID, clientProvider)
			case rt.cooldown.isCoolingDown(p, account):
				// burst; pin survives, this request routes elsewhere
			default:
				return routeResult{
					decision: handler.routeDecision(),
					provider: clientProvider,
					model:    model,
					pool:     p,
					account:  account,
					handler:  handler,
				}
			}
		}
	}

	candidates := rt.candidates(clientProvider)
	filtered := candidates[:0:0]
	for _, c := range candidates {
		if !rt.cooldown.isCoolingDown(c.pool, c.account) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return upstreamRoute(clientProvider, model)
	}

	best := filtered[0]
	bestCount := rt.affinity.activeCount(best.pool, best.account)
	for _, c := range filtered[1:] {
		if n := rt.affinity.activeCount(c.pool, c.account); n < bestCount {
			best = c
			bestCount = n
		}
	}

	if threadID != "" {
		rt.affinity.set(threadID, clientProvider, best.pool, best.account)
	}
	handler := rt.adapters[best.pool]
	return routeResult{
		decision: handler.routeDecision(),
		provider: clientProvider,
		model:    model,
		pool:     best.pool,
		account:  best.account,
		handler:  handler,
	}
}

// candidates enumerates stored accounts with a refresh token across the
// pools registered for the client provider, in registry order.
func (rt *router) candidates(clientProvider string) []candidate {
	var out []candidate
	for _, p := range clientPools[clientProvider] {
		if !rt.enabled[p] {
			continue
		}
		handler := rt.adapters[p]
		if handler == nil {
			continue
		}
		all, err := rt.store.getAll(handler.oauth().storageKey())
		if err != nil {
			log.Warnf("enumerate %s accounts: %v", p, err)
			continue
		}
		for _, sa := range all {
			if sa.creds.RefreshToken == "" {
				continue
			}
			out = append(out, candidate{pool: p, account: sa.account})
		}
	}
	return out
}

// rerouteAfter429 records the rate limit on the failed pair, breaks the pin
// when that tipped it into exhaustion, and picks again; the refreshed
// cooldown map keeps the failed pair out of the running until it clears.
func (rt *router) rerouteAfter429(clientProvider, model string, failedPool pool, failedAccount int, retryAfter time.Duration, known bool, threadID string) routeResult {
	rt.cooldown.record429(failedPool, failedAccount, retryAfter, known)
	if threadID != "" && rt.cooldown.isExhausted(failedPool, failedAccount) {
		rt.affinity.clear(threadID, clientProvider)
	}
	return rt.pick(clientProvider, model, threadID)
}
