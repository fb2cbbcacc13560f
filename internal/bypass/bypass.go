// Package bypass tracks destinations that must never be routed through a
// tunnel: each tunnel's own transport endpoint. Without this, a tunnel's
// encrypted UDP/TCP traffic to its own server could be matched by a rule
// and recursively routed back into itself, deadlocking the tunnel. This is
// grounded on the donor's gateway.RouteManager.AddBypassRoute, which added
// a host route for the VPN server's IP via the real NIC for the same
// reason; since this module doesn't own the OS routing table, the same
// protection is enforced as a lookup the router consults before ever
// considering a rule match.
package bypass

import (
	"net/netip"
	"sync"
)

// Registry holds the set of endpoints currently protected from tunnel
// routing, keyed by address with a reference count, so an address stays
// protected until every Protect call for it has been matched by a Release.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[netip.Addr]int // refcount per address, since multiple tunnels could share a server
}

// New creates an empty bypass registry.
func New() *Registry {
	return &Registry{endpoints: make(map[netip.Addr]int)}
}

// Protect registers addrs as bypassed destinations. Safe to call multiple
// times for the same address (e.g. on reconnect); each call increments a
// refcount released by the matching Release.
func (r *Registry) Protect(addrs []netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ap := range addrs {
		r.endpoints[ap.Addr()]++
	}
}

// Release decrements the refcount for addrs, removing them once no tunnel
// still depends on the bypass.
func (r *Registry) Release(addrs []netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ap := range addrs {
		addr := ap.Addr()
		if r.endpoints[addr] <= 1 {
			delete(r.endpoints, addr)
			continue
		}
		r.endpoints[addr]--
	}
}

// IsProtected reports whether dst is a registered tunnel endpoint that
// must bypass every tunnel.
func (r *Registry) IsProtected(dst netip.Addr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[dst] > 0
}
