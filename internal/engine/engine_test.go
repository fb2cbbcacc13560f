package engine

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"multitun/internal/core"
)

// fakeTUN is an in-memory platform.CapturedTUN test double: WritePacket
// appends to an inbox a test can drain, and ReadPacket blocks on an
// outbox channel fed by the test to simulate outbound traffic.
type fakeTUN struct {
	mu     sync.Mutex
	closed bool
	outbox chan []byte
	inbox  [][]byte
}

func newFakeTUN() *fakeTUN {
	return &fakeTUN{outbox: make(chan []byte, 16)}
}

func (f *fakeTUN) IP() netip.Addr { return netip.MustParseAddr("10.255.0.1") }

func (f *fakeTUN) ReadPacket(buf []byte) (int, error) {
	pkt, ok := <-f.outbox
	if !ok {
		return 0, errClosed
	}
	return copy(buf, pkt), nil
}

func (f *fakeTUN) WritePacket(pkt []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	f.inbox = append(f.inbox, cp)
	return nil
}

func (f *fakeTUN) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.outbox)
	}
	return nil
}

func (f *fakeTUN) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbox)
}

var errClosed = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "tun closed" }

func tcpPacket(srcPort, dstPort uint16) []byte {
	pkt := make([]byte, 40)
	pkt[0] = 0x45
	pkt[2], pkt[3] = 0, 40
	pkt[9] = 6
	copy(pkt[12:16], []byte{10, 0, 0, 5})
	copy(pkt[16:20], []byte{1, 1, 1, 1})
	pkt[20], pkt[21] = byte(srcPort>>8), byte(srcPort)
	pkt[22], pkt[23] = byte(dstPort>>8), byte(dstPort)
	return pkt
}

func TestEngineStartStopIdempotent(t *testing.T) {
	tun := newFakeTUN()
	e := New(tun, core.NewEventBus())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestEngineRoutesUnmatchedTrafficBackToTUN(t *testing.T) {
	tun := newFakeTUN()
	e := New(tun, core.NewEventBus())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	tun.outbox <- tcpPacket(5555, 443)

	deadline := time.Now().Add(2 * time.Second)
	for tun.writtenCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tun.writtenCount() != 1 {
		t.Fatalf("expected 1 packet written back to TUN (direct bypass), got %d", tun.writtenCount())
	}
}

func TestEngineApplyRulesUpdatesCache(t *testing.T) {
	tun := newFakeTUN()
	e := New(tun, core.NewEventBus())
	e.ApplyRules([]core.Rule{{Pattern: "curl", TunnelID: "vpn1", Fallback: core.PolicyBlock}})
	snap := e.rules.Load()
	if len(snap.Rules()) != 1 {
		t.Errorf("expected 1 rule in snapshot, got %d", len(snap.Rules()))
	}
}

func TestEngineApplyConfigsTearsDownRemovedTunnel(t *testing.T) {
	tun := newFakeTUN()
	e := New(tun, core.NewEventBus())
	cfg := core.VpnConfig{ID: "legacy1", Raw: "server=127.0.0.1:0\nip=10.9.0.2\n"}
	e.ApplyConfigs([]core.VpnConfig{cfg})

	deadline := time.Now().Add(1 * time.Second)
	for e.manager.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.manager.Len() != 1 {
		t.Fatalf("expected 1 registered slot, got %d", e.manager.Len())
	}

	e.ApplyConfigs(nil)
	if e.manager.Len() != 0 {
		t.Error("expected 0 registered slots after removing config")
	}
}
