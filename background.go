package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	refreshSweepPeriod = 60 * time.Second
	refreshSweepLead   = 5 * time.Minute
)

// startBackground launches the periodic token refresh sweep and the affinity
// cleanup. Both stop when the process context is cancelled.
func (h *proxyHandler) startBackground(ctx context.Context) {
	h.affinity.startCleanup(ctx)
	go func() {
		ticker := time.NewTicker(refreshSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.refreshSweep(ctx)
			}
		}
	}()
}

// refreshSweep refreshes every account within the expiry lead. One bad
// account must never abort the sweep, so failures are logged and skipped.
func (h *proxyHandler) refreshSweep(ctx context.Context) {
	now := time.Now().UnixMilli()
	for _, p := range oauthProviders {
		all, err := h.store.getAll(p.storageKey())
		if err != nil {
			log.Warnf("refresh sweep: enumerate %s: %v", p.name, err)
			continue
		}
		for _, sa := range all {
			if sa.creds.RefreshToken == "" {
				continue
			}
			if sa.creds.ExpiresAt-now > refreshSweepLead.Milliseconds() {
				continue
			}
			if _, errRefresh := h.engine.refresh(ctx, p, sa.account); errRefresh != nil {
				log.Warnf("refresh sweep: %s account %d: %v", p.name, sa.account, errRefresh)
			} else {
				log.Debugf("refresh sweep: refreshed %s account %d", p.name, sa.account)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}
