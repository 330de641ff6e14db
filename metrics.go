package main

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
)

// metrics keeps Prometheus-style counters per status and per route decision,
// served as plain text exposition.
type metrics struct {
	mu          sync.Mutex
	requests    map[string]int64
	routeStatus map[routeTag]map[string]int64
}

func newMetrics() *metrics {
	return &metrics{
		requests:    make(map[string]int64),
		routeStatus: make(map[routeTag]map[string]int64),
	}
}

func (m *metrics) inc(status int, route routeTag) {
	key := strconv.Itoa(status)
	m.mu.Lock()
	m.requests[key]++
	if route != "" {
		mp, ok := m.routeStatus[route]
		if !ok {
			mp = make(map[string]int64)
			m.routeStatus[route] = mp
		}
		mp[key]++
	}
	m.mu.Unlock()
}

func (m *metrics) serve(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]string, 0, len(m.requests))
	for s := range m.requests {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "ampproxy_requests_total{status=\"%s\"} %d\n", s, m.requests[s])
	}

	routes := make([]string, 0, len(m.routeStatus))
	for route := range m.routeStatus {
		routes = append(routes, string(route))
	}
	sort.Strings(routes)
	for _, route := range routes {
		st := m.routeStatus[routeTag(route)]
		sts := make([]string, 0, len(st))
		for s := range st {
			sts = append(sts, s)
		}
		sort.Strings(sts)
		for _, s := range sts {
			fmt.Fprintf(w, "ampproxy_route_requests_total{route=\"%s\",status=\"%s\"} %d\n", route, s, st[s])
		}
	}
}
