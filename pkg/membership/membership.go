// Package membership tracks the set of peer RPC addresses a node replicates
// to. The set is mutated by Join, PeerExchange gossip and, optionally, the
// memberlist discovery assist; addresses are never evicted.
package membership

import (
	"strings"
	"sync"
)

// Registry is a duplicate-free set of peer addresses with insertion order
// preserved for stable snapshots. It has its own lock so gossip never waits
// on log operations.
type Registry struct {
	mu    sync.RWMutex
	set   map[string]struct{}
	order []string
}

// NewRegistry returns a registry seeded with initial.
func NewRegistry(initial ...string) *Registry {
	r := &Registry{set: make(map[string]struct{})}
	r.Merge(initial)
	return r
}

// Add inserts addr and reports whether it was new.
func (r *Registry) Add(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(addr)
}

// Merge unions addrs into the set and returns the addresses that were new.
func (r *Registry) Merge(addrs []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var added []string
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a != "" && r.addLocked(a) {
			added = append(added, a)
		}
	}
	return added
}

// Replace swaps the whole set for addrs (bootstrap after Join).
func (r *Registry) Replace(addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set = make(map[string]struct{}, len(addrs))
	r.order = r.order[:0]
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a != "" {
			r.addLocked(a)
		}
	}
}

// Snapshot returns a copy of the current peers.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Contains(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[addr]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) addLocked(addr string) bool {
	if _, ok := r.set[addr]; ok {
		return false
	}
	r.set[addr] = struct{}{}
	r.order = append(r.order, addr)
	return true
}
