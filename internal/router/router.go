// Package router implements the packet router (C7): the per-packet
// decision loop that decides, for every packet arriving off the captured
// TUN, which tunnel (if any) should carry it. Its processPacket shape —
// parse, resolve owner, match rule, dispatch — is grounded on the donor's
// gateway.TUNRouter.resolveFlow, generalized away from that file's
// NAT-hairpin/proxy-port design (out of scope here, since the modern and
// legacy tunnel clients accept raw packets directly) to a direct
// parse-lookup-match-dispatch pipeline.
package router

import (
	"net/netip"

	"multitun/internal/bypass"
	"multitun/internal/core"
	"multitun/internal/parser"
	"multitun/internal/rulecache"
	"multitun/internal/tracker"
)

// Dispatcher is the subset of the connection manager the router needs: it
// never imports the manager package directly so tests can substitute a
// fake without pulling in tunnel clients.
type Dispatcher interface {
	Submit(id core.TunnelID, pkt []byte) bool
	IsActive(id core.TunnelID) bool
}

// Bypass marks packets the router lets onto the real network interface
// directly, bypassing every tunnel — the captured TUN's caller is
// responsible for actually writing them there.
type Bypass interface {
	WriteDirect(pkt []byte) error
}

// Stats counts what the router has done with packets, useful for
// diagnostics and tests; all fields are updated with plain increments
// since Route runs single-threaded on the hot path.
type Stats struct {
	Parsed    uint64
	Routed    uint64
	Bypassed  uint64
	Dropped   uint64
	ParseErrs uint64
}

// Router implements the parse -> resolve owner -> match rule -> dispatch
// pipeline for one direction of traffic (outbound from the captured TUN).
// Rule lookups are lock-free reads of the current snapshot; tracker and
// bypass-registry lookups take a read lock that no writer holds across
// I/O. Submit to the connection manager either queues the packet or hands
// it to the tunnel client; the legacy client's write into its socket pair
// blocks while the pair's kernel buffer is full.
type Router struct {
	tracker   *tracker.Tracker
	rules     *rulecache.Cache
	dispatch  Dispatcher
	direct    Bypass
	endpoints *bypass.Registry

	stats Stats
}

// New creates a Router wired to the given tracker, rule cache, tunnel
// dispatcher, direct-bypass writer and protected-endpoint registry.
// endpoints may be nil, in which case no destination is ever endpoint-
// protected.
func New(t *tracker.Tracker, rules *rulecache.Cache, dispatch Dispatcher, direct Bypass, endpoints *bypass.Registry) *Router {
	return &Router{tracker: t, rules: rules, dispatch: dispatch, direct: direct, endpoints: endpoints}
}

// Stats returns a snapshot of the router's packet counters.
func (r *Router) Stats() Stats { return r.stats }

// Route processes one raw IP packet captured from the TUN. It never
// returns an error: a malformed or unroutable packet is counted and
// dropped rather than propagated, since one bad packet must never stall
// the hot path.
func (r *Router) Route(pkt []byte) {
	ft, err := parser.Parse(pkt)
	if err != nil {
		r.stats.ParseErrs++
		return
	}
	r.stats.Parsed++

	if r.endpoints != nil && r.endpoints.IsProtected(netip.AddrFrom4(ft.DstAddr)) {
		r.passDirect(pkt)
		return
	}

	var exePath string
	if appID, ok := r.tracker.Lookup(ft); ok {
		exePath, _ = r.tracker.PathFor(appID)
	}

	snap := r.rules.Load()
	tunnelID, fallback, matched := snap.TunnelFor(exePath)

	if !matched {
		r.passDirect(pkt)
		return
	}

	if fallback == core.PolicyDrop {
		r.stats.Dropped++
		return
	}

	if !snap.IsTunnelActive(tunnelID) || !r.dispatch.IsActive(tunnelID) {
		r.applyFallback(pkt, fallback)
		return
	}

	if r.dispatch.Submit(tunnelID, pkt) {
		r.stats.Routed++
	} else {
		r.stats.Dropped++
	}
}

// applyFallback decides what to do with a packet whose matched tunnel is
// not currently connected.
func (r *Router) applyFallback(pkt []byte, policy core.FallbackPolicy) {
	switch policy {
	case core.PolicyAllowDirect:
		r.passDirect(pkt)
	case core.PolicyBlock, core.PolicyDrop:
		r.stats.Dropped++
	default:
		r.stats.Dropped++
	}
}

func (r *Router) passDirect(pkt []byte) {
	if r.direct == nil {
		r.stats.Dropped++
		return
	}
	if err := r.direct.WriteDirect(pkt); err != nil {
		r.stats.Dropped++
		return
	}
	r.stats.Bypassed++
}
