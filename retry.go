package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// cachePreserveWaitMax bounds the wait we are willing to spend retrying
	// the same account: short Retry-After hints are worth honoring because a
	// reroute would abandon the provider's prompt cache.
	cachePreserveWaitMax = 10 * time.Second
	maxRerouteAttempts   = 4
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver runs the 429/401 state machine around adapter forwards. It returns
// the response to relay plus the route that produced it; ok=false means every
// local option is spent and the request should fall back to the paid gateway.
func (h *proxyHandler) deliver(ctx context.Context, route routeResult, req *providerRequest, reqID string) (*forwardResult, routeResult, bool) {
	fr, err := route.handler.forward(ctx, req, route.account)
	if err != nil {
		log.Debugf("[%s] %s forward failed: %v", reqID, route.pool, err)
		h.recent.add(err.Error())
		return nil, route, false
	}

	status := fr.resp.StatusCode
	if status != 429 && status != 401 {
		h.cooldown.recordSuccess(route.pool, route.account)
		return fr, route, true
	}
	if status == 401 {
		// Credentials may have been revoked server-side; soft-fail to the
		// paid gateway rather than hammering the local account.
		log.Debugf("[%s] %s account %d returned 401, falling back", reqID, route.pool, route.account)
		fr.resp.Body.Close()
		return nil, route, false
	}

	retryAfter, known := parseRetryAfter(fr.resp.Header.Get("Retry-After"))
	fr.resp.Body.Close()

	// Cache-preserve: one bounded wait on the same account.
	if known && retryAfter <= cachePreserveWaitMax {
		log.Debugf("[%s] 429 on %s account %d, waiting %v to preserve prompt cache", reqID, route.pool, route.account, retryAfter)
		if errSleep := sleepCtx(ctx, retryAfter); errSleep != nil {
			return nil, route, false
		}
		fr, err = route.handler.forward(ctx, req, route.account)
		if err != nil {
			log.Debugf("[%s] cache-preserve retry failed: %v", reqID, err)
			h.recent.add(err.Error())
			return nil, route, false
		}
		status = fr.resp.StatusCode
		if status != 429 && status != 401 {
			h.cooldown.recordSuccess(route.pool, route.account)
			return fr, route, true
		}
		if status == 401 {
			fr.resp.Body.Close()
			return nil, route, false
		}
		// Another 429; the first reroute below records it for this pair,
		// so just carry the updated Retry-After into the loop.
		retryAfter, known = parseRetryAfter(fr.resp.Header.Get("Retry-After"))
		fr.resp.Body.Close()
	}

	for attempt := 1; attempt <= maxRerouteAttempts; attempt++ {
		next := h.router.rerouteAfter429(route.provider, route.model, route.pool, route.account, retryAfter, known, req.threadID)
		if next.handler == nil {
			return nil, route, false
		}
		log.Debugf("[%s] reroute %d/%d -> %s account %d", reqID, attempt, maxRerouteAttempts, next.pool, next.account)
		route = next

		fr, err = route.handler.forward(ctx, req, route.account)
		if err != nil {
			log.Debugf("[%s] reroute forward failed: %v", reqID, err)
			h.recent.add(err.Error())
			return nil, route, false
		}
		status = fr.resp.StatusCode
		if status != 429 && status != 401 {
			h.cooldown.recordSuccess(route.pool, route.account)
			return fr, route, true
		}
		if status == 401 {
			fr.resp.Body.Close()
			return nil, route, false
		}
		retryAfter, known = parseRetryAfter(fr.resp.Header.Get("Retry-After"))
		fr.resp.Body.Close()
	}

	// Loop spent; account for the final hit before giving up on local routes.
	h.cooldown.record429(route.pool, route.account, retryAfter, known)
	return nil, route, false
}
