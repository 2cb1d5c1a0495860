package discovery

import (
	"net"
	"testing"
	"time"
)

func testHub(id uint32, discoveredAt time.Time) *DiscoveredHub {
	return &DiscoveredHub{
		HubID:        id,
		Address:      &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 56700},
		DiscoveredAt: discoveredAt,
	}
}

func TestAddNewHub(t *testing.T) {
	r := NewRegistry()
	if !r.Add(testHub(1, time.Now())) {
		t.Fatal("Add() returned false for a new hub")
	}
	if _, ok := r.Get(1); !ok {
		t.Fatal("Get() did not find the added hub")
	}
}

func TestAddDoesNotReplaceExisting(t *testing.T) {
	r := NewRegistry()
	first := testHub(1, time.Now())
	first.Capabilities = "original"
	r.Add(first)

	second := testHub(1, time.Now().Add(time.Minute))
	second.Capabilities = "impersonator"
	if r.Add(second) {
		t.Fatal("Add() replaced an already-registered hub id")
	}

	got, _ := r.Get(1)
	if got.Capabilities != "original" {
		t.Errorf("Get() returned %q, want the first-seen value %q", got.Capabilities, "original")
	}
}

func TestBestReturnsMostRecentlyDiscovered(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add(testHub(1, now.Add(-time.Hour)))
	r.Add(testHub(2, now))
	r.Add(testHub(3, now.Add(-time.Minute)))

	best, ok := r.Best()
	if !ok {
		t.Fatal("Best() found nothing")
	}
	if best.HubID != 2 {
		t.Errorf("Best() = hub %d, want hub 2", best.HubID)
	}
}

func TestIsReachable(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add(testHub(1, now.Add(-200*time.Second)))

	if !r.IsReachable(1, now, 300*time.Second) {
		t.Error("IsReachable() false for a hub within maxAge")
	}
	if r.IsReachable(1, now.Add(200*time.Second), 300*time.Second) {
		t.Error("IsReachable() true for a hub outside maxAge")
	}
	if r.IsReachable(99, now, 300*time.Second) {
		t.Error("IsReachable() true for an unknown hub")
	}
}

func TestPruneRemovesStaleHubs(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add(testHub(1, now.Add(-400*time.Second)))
	r.Add(testHub(2, now))

	removed := r.Prune(now, 300*time.Second)
	if removed != 1 {
		t.Errorf("Prune() removed %d, want 1", removed)
	}
	if _, ok := r.Get(1); ok {
		t.Error("stale hub still present after Prune()")
	}
	if _, ok := r.Get(2); !ok {
		t.Error("fresh hub was removed by Prune()")
	}
}

func TestAllReturnsAscendingDiscoveryOrder(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Add(testHub(3, now))
	r.Add(testHub(1, now.Add(-time.Hour)))
	r.Add(testHub(2, now.Add(-time.Minute)))

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d hubs, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].DiscoveredAt.After(all[i].DiscoveredAt) {
			t.Errorf("All() not sorted by discovery time at index %d", i)
		}
	}
}

func TestClearEmptiesRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add(testHub(1, time.Now()))
	r.Clear()
	if _, ok := r.Best(); ok {
		t.Error("Best() found a hub after Clear()")
	}
}
