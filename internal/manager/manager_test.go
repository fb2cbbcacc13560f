package manager

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"multitun/internal/core"
	"multitun/internal/tunnel"
)

// fakeClient is a tunnel.Client test double with scripted Connect
// behavior, used to drive the manager's retry/backoff and fan-in logic
// without any real network or cryptographic dependency.
type fakeClient struct {
	mu          sync.Mutex
	state       core.TunnelState
	failTimes   int
	connectErr  func() error
	inbound     chan []byte
	submitted   [][]byte
	connectCall int
}

func newFakeClient() *fakeClient {
	return &fakeClient{state: core.TunnelStateInit, inbound: make(chan []byte, 16)}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCall++
	if f.connectCall <= f.failTimes {
		f.state = core.TunnelStateReconnecting
		return &tunnel.ConnectError{Kind: tunnel.ErrKindRetryable, Err: context.DeadlineExceeded}
	}
	f.state = core.TunnelStateConnected
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = core.TunnelStateClosed
	return nil
}

func (f *fakeClient) State() core.TunnelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) Submit(pkt []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, pkt)
	return true
}

func (f *fakeClient) Inbound() <-chan []byte { return f.inbound }

func (f *fakeClient) AssignedIP() (netip.Addr, bool) {
	return netip.MustParseAddr("10.0.0.2"), true
}

func (f *fakeClient) DNSServers() []netip.Addr { return nil }

func (f *fakeClient) PeerEndpoints() []netip.AddrPort {
	return []netip.AddrPort{netip.MustParseAddrPort("203.0.113.1:51820")}
}

func withSlot(m *Manager, id core.TunnelID, c tunnel.Client) {
	slot := newSlot(id, c)
	ctx, cancel := context.WithCancel(context.Background())
	slot.cancelRun = cancel
	slot.done = make(chan struct{})
	m.mu.Lock()
	m.slots[id] = slot
	m.mu.Unlock()
	go m.runSlot(ctx, slot)
}

func TestManagerSubmitQueuesWhileReconnecting(t *testing.T) {
	m := New(core.NewEventBus())
	fc := newFakeClient()
	fc.failTimes = 100 // never succeeds within the test window
	withSlot(m, "t1", fc)

	time.Sleep(20 * time.Millisecond)
	if !m.Submit("t1", []byte{1, 2, 3}) {
		t.Fatal("Submit returned false while tunnel reconnecting")
	}
	if m.IsActive("t1") {
		t.Error("IsActive true before connect succeeds")
	}
	m.TearDown("t1")
}

func TestManagerSubmitForwardsWhenConnected(t *testing.T) {
	m := New(core.NewEventBus())
	fc := newFakeClient()
	withSlot(m, "t2", fc)

	deadline := time.Now().Add(2 * time.Second)
	for !m.IsActive("t2") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.IsActive("t2") {
		t.Fatal("tunnel never became active")
	}

	if !m.Submit("t2", []byte{9, 9}) {
		t.Fatal("Submit returned false")
	}
	time.Sleep(10 * time.Millisecond)
	fc.mu.Lock()
	n := len(fc.submitted)
	fc.mu.Unlock()
	if n != 1 {
		t.Errorf("client received %d submits, want 1", n)
	}
	m.TearDown("t2")
}

func TestManagerFanInDeliversInboundPackets(t *testing.T) {
	m := New(core.NewEventBus())
	fc := newFakeClient()
	withSlot(m, "t3", fc)

	deadline := time.Now().Add(2 * time.Second)
	for !m.IsActive("t3") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	fc.inbound <- []byte{7, 7, 7}

	select {
	case pkt := <-m.Inbound():
		if pkt.TunnelID != "t3" || len(pkt.Data) != 3 {
			t.Errorf("unexpected inbound packet: %+v", pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-in delivery")
	}
	m.TearDown("t3")
}

func TestManagerBringUpRejectsDuplicateID(t *testing.T) {
	m := New(core.NewEventBus())
	cfg := core.VpnConfig{ID: "dup", Raw: "server=127.0.0.1:0\nip=10.0.0.2\n"}
	if err := m.BringUp(cfg); err != nil {
		t.Fatalf("first BringUp: %v", err)
	}
	if err := m.BringUp(cfg); err != ErrAlreadyUp {
		t.Errorf("second BringUp error = %v, want ErrAlreadyUp", err)
	}
	m.TearDown("dup")
}

func TestManagerActiveTunnelIDsExcludesReconnecting(t *testing.T) {
	m := New(core.NewEventBus())
	connected := newFakeClient()
	reconnecting := newFakeClient()
	reconnecting.failTimes = 1000
	withSlot(m, "up", connected)
	withSlot(m, "down", reconnecting)

	deadline := time.Now().Add(2 * time.Second)
	for !m.IsActive("up") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ids := m.ActiveTunnelIDs()
	if len(ids) != 1 || ids[0] != "up" {
		t.Errorf("ActiveTunnelIDs = %v, want [up]", ids)
	}
	m.TearDown("up")
	m.TearDown("down")
}

func TestManagerTearDownAllStopsEverySlot(t *testing.T) {
	m := New(core.NewEventBus())
	withSlot(m, "a", newFakeClient())
	withSlot(m, "b", newFakeClient())
	time.Sleep(10 * time.Millisecond)
	m.TearDownAll()
	if len(m.ActiveTunnelIDs()) != 0 {
		t.Error("expected no active tunnels after TearDownAll")
	}
}
