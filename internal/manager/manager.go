// Package manager implements the tunnel connection manager (C6): it owns
// every configured tunnel's lifecycle, fans inbound packets from all
// tunnels into one shared channel, and retries failed connections with
// backoff. Its slot bookkeeping is grounded on the donor's
// core.TunnelRegistry — a map of IDs to entries guarded by one mutex,
// publishing state-change events — generalized here to hold a live
// tunnel.Client plus a bounded outbound queue per slot.
package manager

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"multitun/internal/core"
	"multitun/internal/tunnel"
	"multitun/internal/tunnel/legacyengine/tlsengine"
)

// ErrAlreadyUp is returned by BringUp when the tunnel ID already has an
// active slot.
var ErrAlreadyUp = fmt.Errorf("tunnel already brought up")

// OutboundQueueSize bounds how many outbound packets a slot buffers while
// its tunnel is reconnecting. Once full, the oldest queued packet is
// dropped to make room for the newest — a drop-oldest policy, since a
// stale packet is less useful than a fresh one once the tunnel resumes.
const OutboundQueueSize = 256

// TunnelSlot is one managed tunnel: its client, its state, and its
// reconnect bookkeeping.
type TunnelSlot struct {
	mu        sync.Mutex
	id        core.TunnelID
	cfg       core.VpnConfig
	client    tunnel.Client
	outbound  [][]byte
	attempt   int
	cancelRun context.CancelFunc
	done      chan struct{}
}

func newSlot(id core.TunnelID, client tunnel.Client) *TunnelSlot {
	return &TunnelSlot{id: id, client: client}
}

// enqueue appends pkt to the slot's bounded outbound queue, dropping the
// oldest entry if the queue is already full.
func (s *TunnelSlot) enqueue(pkt []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbound) >= OutboundQueueSize {
		s.outbound = s.outbound[1:]
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	s.outbound = append(s.outbound, cp)
}

func (s *TunnelSlot) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.outbound
	s.outbound = nil
	return q
}

// Manager owns the set of configured tunnels and drives each one's
// connect/reconnect lifecycle independently. A tunnel's failure never
// affects any other slot — each runs its own retry loop.
type Manager struct {
	bus *core.EventBus

	mu    sync.RWMutex
	slots map[core.TunnelID]*TunnelSlot

	inbound chan InboundPacket
}

// InboundPacket is a packet arriving from a tunnel, tagged with the
// tunnel it came from. The engine's inbound loop writes Data to the
// captured TUN and does not read TunnelID.
type InboundPacket struct {
	TunnelID core.TunnelID
	Data     []byte
}

// New creates a Manager publishing lifecycle events onto bus.
func New(bus *core.EventBus) *Manager {
	return &Manager{
		bus:     bus,
		slots:   make(map[core.TunnelID]*TunnelSlot),
		inbound: make(chan InboundPacket, 1024),
	}
}

// Inbound returns the fan-in channel of packets arriving from any managed
// tunnel.
func (m *Manager) Inbound() <-chan InboundPacket { return m.inbound }

// BuildClient constructs the right Client implementation for a VpnConfig,
// detecting protocol via the exact [Interface]-prefix rule rather than any
// heuristic.
func BuildClient(cfg core.VpnConfig) (tunnel.Client, error) {
	if tunnel.IsModernConfigText(cfg.Raw) {
		parsed, err := tunnel.ParseModernConfig(cfg.Raw)
		if err != nil {
			return nil, err
		}
		return tunnel.NewModernClient(string(cfg.ID), tunnel.ModernConfig{Parsed: parsed}), nil
	}
	return tunnel.NewLegacyClient(string(cfg.ID), tunnel.LegacyConfig{Profile: cfg.Raw}, tlsengine.New()), nil
}

// BringUp registers a tunnel slot for cfg and starts its connect/reconnect
// loop. Returns immediately; connection progress is observable through
// bus events and slot state.
func (m *Manager) BringUp(cfg core.VpnConfig) error {
	client, err := BuildClient(cfg)
	if err != nil {
		m.publishStartupFailed(cfg.ID, "config", err)
		return err
	}

	slot := newSlot(cfg.ID, client)
	slot.cfg = cfg
	runCtx, cancel := context.WithCancel(context.Background())
	slot.cancelRun = cancel
	slot.done = make(chan struct{})

	m.mu.Lock()
	if _, exists := m.slots[cfg.ID]; exists {
		m.mu.Unlock()
		cancel()
		return ErrAlreadyUp
	}
	m.slots[cfg.ID] = slot
	m.mu.Unlock()

	core.Log.Infof("Manager", "bringing up tunnel %q", cfg.ID)
	go m.runSlot(runCtx, slot)
	return nil
}

// TearDown stops a tunnel's reconnect loop, disconnects it, and removes
// its slot.
func (m *Manager) TearDown(id core.TunnelID) {
	m.mu.Lock()
	slot, ok := m.slots[id]
	if ok {
		delete(m.slots, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	slot.cancelRun()
	<-slot.done
	slot.client.Disconnect()
	m.onStateChange(id, core.TunnelStateClosing, core.TunnelStateClosed)
	core.Log.Infof("Manager", "tore down tunnel %q", id)
}

// TearDownAll stops every managed tunnel, used on full engine shutdown.
func (m *Manager) TearDownAll() {
	m.mu.RLock()
	ids := make([]core.TunnelID, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.TearDown(id)
	}
}

// Submit routes an outbound packet to the named tunnel. If the tunnel is
// not currently connected, the packet is queued (subject to the bounded
// drop-oldest policy) to be replayed once the reconnect loop succeeds.
func (m *Manager) Submit(id core.TunnelID, pkt []byte) bool {
	m.mu.RLock()
	slot, ok := m.slots[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if slot.client.State() == core.TunnelStateConnected {
		return slot.client.Submit(pkt)
	}
	slot.enqueue(pkt)
	return true
}

// IsActive reports whether id names a connected tunnel slot.
func (m *Manager) IsActive(id core.TunnelID) bool {
	m.mu.RLock()
	slot, ok := m.slots[id]
	m.mu.RUnlock()
	return ok && slot.client.State() == core.TunnelStateConnected
}

// Len returns the number of currently-registered tunnel slots, regardless
// of their connection state.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}

// ActiveTunnelIDs returns every tunnel ID currently in the connected
// state, for rulecache.Update's activeTunnels argument.
func (m *Manager) ActiveTunnelIDs() []core.TunnelID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]core.TunnelID, 0, len(m.slots))
	for id, slot := range m.slots {
		if slot.client.State() == core.TunnelStateConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// AllTunnelIDs returns every managed tunnel ID regardless of connection
// state, used to compute slot removals: a tunnel still connecting or
// reconnecting when its config is dropped must still be torn down, not
// just one that has already reached TunnelStateConnected.
func (m *Manager) AllTunnelIDs() []core.TunnelID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]core.TunnelID, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	return ids
}

// Configs returns the VpnConfig each managed tunnel slot was brought up
// with, for rulecache.Update's configs argument.
func (m *Manager) Configs() map[core.TunnelID]core.VpnConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[core.TunnelID]core.VpnConfig, len(m.slots))
	for id, slot := range m.slots {
		out[id] = slot.cfg
	}
	return out
}

// runSlot drives one tunnel's connect -> run -> (on failure) reconnect
// cycle until ctx is cancelled by TearDown.
func (m *Manager) runSlot(ctx context.Context, slot *TunnelSlot) {
	defer close(slot.done)

	for {
		connectCtx, cancel := context.WithTimeout(ctx, tunnel.ConnectTimeout)
		err := slot.client.Connect(connectCtx)
		cancel()

		if err != nil {
			m.onStateChange(slot.id, core.TunnelStateConnecting, core.TunnelStateReconnecting)
			kind := tunnel.ErrKindRetryable
			if ce, ok := err.(*tunnel.ConnectError); ok {
				kind = ce.Kind
			}
			if kind == tunnel.ErrKindFatal {
				core.Log.Errorf("Manager", "tunnel %q failed fatally: %v", slot.id, err)
				m.publishStartupFailed(slot.id, "fatal", err)
				return
			}

			delay := tunnel.BackoffFor(slot.attempt)
			slot.attempt++
			core.Log.Warnf("Manager", "tunnel %q connect failed, retrying in %s: %v", slot.id, delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		slot.attempt = 0
		m.onConnected(slot.id, slot.client.PeerEndpoints())
		for _, pkt := range slot.drain() {
			slot.client.Submit(pkt)
		}

		if m.pumpUntilDown(ctx, slot) {
			return
		}
		m.onStateChange(slot.id, core.TunnelStateConnected, core.TunnelStateReconnecting)
	}
}

// pumpUntilDown forwards inbound packets from the slot's client into the
// shared fan-in channel until the tunnel disconnects or ctx is cancelled.
// Returns true if the caller should stop entirely (ctx cancelled).
func (m *Manager) pumpUntilDown(ctx context.Context, slot *TunnelSlot) bool {
	inbound := slot.client.Inbound()
	for {
		select {
		case <-ctx.Done():
			slot.client.Disconnect()
			return true
		case pkt, ok := <-inbound:
			if !ok {
				return false
			}
			// A full fan-in channel means the engine can't keep up writing
			// to the captured TUN; block here rather than drop, so the
			// slowdown throttles this tunnel's remote peer instead of
			// silently losing packets.
			select {
			case m.inbound <- InboundPacket{TunnelID: slot.id, Data: pkt}:
			case <-ctx.Done():
				slot.client.Disconnect()
				return true
			}
			if slot.client.State() != core.TunnelStateConnected {
				return false
			}
		}
	}
}

func (m *Manager) onStateChange(id core.TunnelID, old, new core.TunnelState) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(core.Event{
		Type: core.EventTunnelStateChanged,
		Payload: core.TunnelStatePayload{
			TunnelID: id,
			OldState: old,
			NewState: new,
		},
	})
}

// onConnected publishes the connecting -> connected transition along with
// the tunnel's peer endpoints, so subscribers can protect the tunnel's own
// transport traffic from being routed back through itself.
func (m *Manager) onConnected(id core.TunnelID, endpoints []netip.AddrPort) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(core.Event{
		Type: core.EventTunnelStateChanged,
		Payload: core.TunnelStatePayload{
			TunnelID:      id,
			OldState:      core.TunnelStateConnecting,
			NewState:      core.TunnelStateConnected,
			PeerEndpoints: endpoints,
		},
	})
}

func (m *Manager) publishStartupFailed(id core.TunnelID, kind string, err error) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(core.Event{
		Type: core.EventTunnelStartupFailed,
		Payload: core.TunnelStartupFailedPayload{
			TunnelID: id,
			Kind:     kind,
			Err:      err,
		},
	})
}
