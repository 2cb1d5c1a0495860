// Package discovery implements a sensor's hub-discovery workflow:
// broadcasting/multicasting HUB_DISCOVERY_REQ, collecting
// HUB_DISCOVERY_RESP replies into a registry, and picking which hub
// to join.
package discovery

import (
	"net"
	"sort"
	"sync"
	"time"
)

// DiscoveredHub is one hub a sensor has heard a HUB_DISCOVERY_RESP
// from.
type DiscoveredHub struct {
	HubID        uint32
	Address      *net.UDPAddr
	PublicKey    [32]byte
	Capabilities string
	DiscoveredAt time.Time
}

// Registry tracks discovered hubs, keyed by hub ID. A hub ID already
// in the registry is never overwritten by a later sighting — the
// first address and public key observed for a given hub ID are
// trusted for the lifetime of the registry entry, so a spoofed
// response from a second address can't silently take over an
// already-known hub's identity.
type Registry struct {
	mu   sync.RWMutex
	hubs map[uint32]*DiscoveredHub
}

// NewRegistry returns an empty hub registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[uint32]*DiscoveredHub)}
}

// Add records a newly discovered hub. It returns false without
// modifying the registry if hub.HubID was already known — callers
// that want to detect an address mismatch on a repeat sighting should
// compare against the value Get returns.
func (r *Registry) Add(hub *DiscoveredHub) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hubs[hub.HubID]; exists {
		return false
	}
	r.hubs[hub.HubID] = hub
	return true
}

// Get returns the registered hub for id, if any.
func (r *Registry) Get(id uint32) (*DiscoveredHub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hub, ok := r.hubs[id]
	return hub, ok
}

// All returns every registered hub, ordered by discovery time
// (earliest first).
func (r *Registry) All() []*DiscoveredHub {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hubs := make([]*DiscoveredHub, 0, len(r.hubs))
	for _, hub := range r.hubs {
		hubs = append(hubs, hub)
	}
	sort.Slice(hubs, func(i, j int) bool { return hubs[i].DiscoveredAt.Before(hubs[j].DiscoveredAt) })
	return hubs
}

// Best returns the most recently discovered hub — the one a sensor
// should join when more than one hub answers discovery.
func (r *Registry) Best() (*DiscoveredHub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *DiscoveredHub
	for _, hub := range r.hubs {
		if best == nil || hub.DiscoveredAt.After(best.DiscoveredAt) {
			best = hub
		}
	}
	return best, best != nil
}

// IsReachable reports whether id was discovered within maxAge of now.
func (r *Registry) IsReachable(id uint32, now time.Time, maxAge time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hub, ok := r.hubs[id]
	if !ok {
		return false
	}
	return now.Sub(hub.DiscoveredAt) <= maxAge
}

// Prune removes every hub last (and only) seen more than maxAge
// before now, returning the number removed. Continuous discovery
// mode calls this each cycle so hubs that have gone quiet eventually
// drop out of the registry.
func (r *Registry) Prune(now time.Time, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, hub := range r.hubs {
		if now.Sub(hub.DiscoveredAt) > maxAge {
			delete(r.hubs, id)
			removed++
		}
	}
	return removed
}

// Clear removes every registered hub.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hubs = make(map[uint32]*DiscoveredHub)
}
