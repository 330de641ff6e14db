package main

import (
	"testing"
	"time"
)

func TestStatsRingSnapshot(t *testing.T) {
	s := newStatsRing()
	s.record(requestEntry{Route: routeLocalCodex, Status: 200, DurationMs: 100})
	s.record(requestEntry{Route: routeLocalCodex, Status: 429, DurationMs: 50})
	s.record(requestEntry{Route: routeAmpUpstream, Status: 200, DurationMs: 150})

	snap := s.snapshot()
	if snap.TotalRequests != 3 {
		t.Fatalf("total = %d", snap.TotalRequests)
	}
	if snap.RequestsByRoute[routeLocalCodex] != 2 || snap.RequestsByRoute[routeAmpUpstream] != 1 {
		t.Fatalf("by route = %v", snap.RequestsByRoute)
	}
	if snap.Count429 != 1 {
		t.Fatalf("count429 = %d", snap.Count429)
	}
	if snap.AverageDurationMs != 100 {
		t.Fatalf("avg = %d", snap.AverageDurationMs)
	}
	if snap.UptimeMs < 0 {
		t.Fatalf("uptime = %d", snap.UptimeMs)
	}
}

func TestStatsRingOverwritesOldest(t *testing.T) {
	s := newStatsRing()
	for i := 0; i < statsCapacity+10; i++ {
		s.record(requestEntry{Route: routeLocalCodex, Status: 200, DurationMs: int64(i)})
	}
	snap := s.snapshot()
	if snap.TotalRequests != statsCapacity+10 {
		t.Fatalf("total = %d", snap.TotalRequests)
	}
	if s.size != statsCapacity {
		t.Fatalf("size = %d", s.size)
	}
	recent := s.recentRequests(1)
	if len(recent) != 1 || recent[0].DurationMs != int64(statsCapacity+9) {
		t.Fatalf("latest entry = %+v", recent)
	}
}

func TestStatsRecentRequestsOrder(t *testing.T) {
	s := newStatsRing()
	for i := 0; i < 5; i++ {
		s.record(requestEntry{Timestamp: time.Now(), Status: 200, DurationMs: int64(i)})
	}
	got := s.recentRequests(3)
	if len(got) != 3 {
		t.Fatalf("got %d entries", len(got))
	}
	for i, e := range got {
		if e.DurationMs != int64(i+2) {
			t.Fatalf("order broken: %v", got)
		}
	}
	if n := len(s.recentRequests(100)); n != 5 {
		t.Fatalf("clamped read = %d", n)
	}
}

func TestRecentErrors(t *testing.T) {
	r := newRecentErrors(2)
	r.add("one")
	r.add("two")
	r.add("three")
	got := r.snapshot()
	if len(got) != 2 || got[0] != "three" || got[1] != "two" {
		t.Fatalf("snapshot = %v", got)
	}
}
