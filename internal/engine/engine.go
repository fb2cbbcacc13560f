// Package engine implements the VPN engine (C8): the top-level lifecycle
// that owns the captured TUN, the packet router, the tunnel connection
// manager, and the outbound/inbound pump loops connecting them. Its
// Start/Stop shape and the idempotence of Stop are grounded on the
// donor's gateway.TUNRouter.Start/Stop, generalized from a single
// NAT-hairpin router to the full router+manager pairing this module's
// redesigned architecture requires.
package engine

import (
	"context"
	"net/netip"
	"sync"

	"multitun/internal/bypass"
	"multitun/internal/core"
	"multitun/internal/manager"
	"multitun/internal/platform"
	"multitun/internal/router"
	"multitun/internal/rulecache"
	"multitun/internal/tracker"
)

// directWriter adapts platform.CapturedTUN to router.Bypass: a packet the
// router decides to pass directly re-enters the TUN's write path so the
// OS's own routing table (not this module) decides where it actually
// goes on the wire.
type directWriter struct {
	tun platform.CapturedTUN
}

func (d directWriter) WriteDirect(pkt []byte) error { return d.tun.WritePacket(pkt) }

// Engine owns one running instance of the split-tunnel core.
type Engine struct {
	tun       platform.CapturedTUN
	tracker   *tracker.Tracker
	rules     *rulecache.Cache
	endpoints *bypass.Registry
	manager   *manager.Manager
	router    *router.Router
	bus       *core.EventBus

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	protected map[core.TunnelID][]netip.AddrPort
}

// New creates an Engine wired around the given captured TUN. bus may be
// nil, in which case lifecycle events are not published anywhere (and a
// tunnel's own transport endpoints are never auto-protected; callers would
// need to call ProtectTunnelEndpoints themselves).
func New(tun platform.CapturedTUN, bus *core.EventBus) *Engine {
	t := tracker.New()
	rules := rulecache.New()
	endpoints := bypass.New()
	mgr := manager.New(bus)
	r := router.New(t, rules, mgr, directWriter{tun: tun}, endpoints)

	e := &Engine{
		tun:       tun,
		tracker:   t,
		rules:     rules,
		endpoints: endpoints,
		manager:   mgr,
		router:    r,
		bus:       bus,
		protected: make(map[core.TunnelID][]netip.AddrPort),
	}

	if bus != nil {
		bus.Subscribe(core.EventTunnelStateChanged, e.onTunnelStateChanged)
	}
	return e
}

// onTunnelStateChanged keeps a tunnel's own transport endpoints protected
// for exactly as long as it is connected: protected on the transition into
// TunnelStateConnected (per spec.md §4.4.A, requested from C9 during
// bring-up so the encrypted flow bypasses the captured TUN), released the
// moment it leaves that state so a stale endpoint doesn't stay bypassed
// after the tunnel using it is gone.
func (e *Engine) onTunnelStateChanged(ev core.Event) {
	payload, ok := ev.Payload.(core.TunnelStatePayload)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if payload.NewState == core.TunnelStateConnected {
		e.protected[payload.TunnelID] = payload.PeerEndpoints
		e.ProtectTunnelEndpoints(payload.PeerEndpoints)
		return
	}

	if prior, ok := e.protected[payload.TunnelID]; ok {
		e.endpoints.Release(prior)
		delete(e.protected, payload.TunnelID)
	}
}

// Start brings the engine up: it begins pumping packets between the
// captured TUN and the router. It does not itself bring up any tunnels —
// callers drive that through ApplyConfigs/ApplyRules after Start.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	e.wg.Add(2)
	go e.outboundLoop(ctx)
	go e.inboundLoop(ctx)

	core.Log.Infof("Engine", "started")
	return nil
}

// Stop tears the engine down idempotently: the captured TUN is closed
// (which unblocks the outbound loop's pending read), the pump loops are
// stopped, every managed tunnel is torn down, and the connection tracker's
// background maintenance loop is halted. Calling Stop on an already-
// stopped Engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.tun.Close()
	e.wg.Wait()
	e.manager.TearDownAll()
	e.tracker.Stop()
	core.Log.Infof("Engine", "stopped")
	return nil
}

// outboundLoop reads packets off the captured TUN and hands them to the
// router. A read error that isn't due to shutdown is fatal to the engine:
// losing the TUN means there is nothing left to route.
func (e *Engine) outboundLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := e.tun.ReadPacket(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				core.Log.Errorf("Engine", "captured TUN read failed, stopping: %v", err)
				return
			}
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		e.router.Route(pkt)
	}
}

// inboundLoop forwards packets arriving from any managed tunnel back out
// through the captured TUN.
func (e *Engine) inboundLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-e.manager.Inbound():
			if !ok {
				return
			}
			if err := e.tun.WritePacket(pkt.Data); err != nil {
				core.Log.Warnf("Engine", "write to captured TUN failed: %v", err)
			}
		}
	}
}

// ApplyRules atomically replaces the active routing rule set.
func (e *Engine) ApplyRules(rules []core.Rule) {
	e.rules.Update(rules, e.manager.ActiveTunnelIDs(), e.manager.Configs())
}

// ApplyConfigs reconciles the set of managed tunnels against cfgs: new IDs
// are brought up, removed IDs are torn down. Changed configs for an
// existing ID are applied by tearing down and bringing back up under the
// new config — a live tunnel is never reconfigured in place.
func (e *Engine) ApplyConfigs(cfgs []core.VpnConfig) {
	want := make(map[core.TunnelID]core.VpnConfig, len(cfgs))
	for _, c := range cfgs {
		want[c.ID] = c
	}

	current := e.manager.Configs()
	for _, id := range e.manager.AllTunnelIDs() {
		if cfg, ok := want[id]; !ok || current[id] != cfg {
			e.manager.TearDown(id)
		}
	}

	for id, cfg := range want {
		if e.manager.IsActive(id) {
			continue
		}
		if err := e.manager.BringUp(cfg); err != nil {
			core.Log.Warnf("Engine", "bring up tunnel %q failed: %v", id, err)
		}
	}

	e.rules.Update(e.rules.Load().Rules(), e.manager.ActiveTunnelIDs(), e.manager.Configs())
}

// ProtectTunnelEndpoints registers a tunnel's own transport endpoints as
// bypassed so its encrypted traffic never loops back through itself.
func (e *Engine) ProtectTunnelEndpoints(endpoints []netip.AddrPort) {
	e.endpoints.Protect(endpoints)
}
