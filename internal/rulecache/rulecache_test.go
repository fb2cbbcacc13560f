package rulecache

import (
	"sync"
	"testing"

	"multitun/internal/core"
)

func TestTunnelForExactAndSubstring(t *testing.T) {
	c := New()
	c.Update([]core.Rule{
		{Pattern: "firefox", TunnelID: "vpn-a", Fallback: core.PolicyAllowDirect},
		{Pattern: "/opt/games/*", TunnelID: "vpn-b", Fallback: core.PolicyBlock},
	}, []core.TunnelID{"vpn-a"}, nil)

	snap := c.Load()

	id, fb, ok := snap.TunnelFor("/usr/lib/firefox/firefox")
	if !ok || id != "vpn-a" || fb != core.PolicyAllowDirect {
		t.Errorf("firefox match = %v/%v/%v", id, fb, ok)
	}

	id, _, ok = snap.TunnelFor("/opt/games/steam/steam")
	if !ok || id != "vpn-b" {
		t.Errorf("dir-prefix match = %v/%v", id, ok)
	}

	if _, _, ok := snap.TunnelFor("/usr/bin/bash"); ok {
		t.Error("expected no match for bash")
	}
}

func TestIsTunnelActive(t *testing.T) {
	c := New()
	c.Update(nil, []core.TunnelID{"vpn-a"}, nil)
	snap := c.Load()
	if !snap.IsTunnelActive("vpn-a") {
		t.Error("expected vpn-a active")
	}
	if snap.IsTunnelActive("vpn-b") {
		t.Error("expected vpn-b inactive")
	}
}

func TestConfigFor(t *testing.T) {
	c := New()
	cfg := core.VpnConfig{ID: "vpn-a", Name: "work"}
	c.Update(nil, []core.TunnelID{"vpn-a"}, map[core.TunnelID]core.VpnConfig{"vpn-a": cfg})
	snap := c.Load()

	got, ok := snap.ConfigFor("vpn-a")
	if !ok || got.Name != "work" {
		t.Errorf("ConfigFor(vpn-a) = %+v, %v", got, ok)
	}
	if _, ok := snap.ConfigFor("vpn-b"); ok {
		t.Error("expected no config for vpn-b")
	}
}

// TestUpdateDoesNotMutatePriorSnapshot is the central invariant of the
// copy-on-write cache: a reader holding an old Snapshot must never observe
// a concurrent Update.
func TestUpdateDoesNotMutatePriorSnapshot(t *testing.T) {
	c := New()
	c.Update([]core.Rule{{Pattern: "a", TunnelID: "t1"}}, nil, nil)
	old := c.Load()

	c.Update([]core.Rule{{Pattern: "b", TunnelID: "t2"}}, nil, nil)

	if _, _, ok := old.TunnelFor("b"); ok {
		t.Error("old snapshot should be unaffected by later Update")
	}
	if _, _, ok := old.TunnelFor("a"); !ok {
		t.Error("old snapshot should still match its own rules")
	}
}

func TestConcurrentLoadDuringUpdate(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Update([]core.Rule{{Pattern: "x", TunnelID: core.TunnelID("t")}}, nil, nil)
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Load().Rules()
		}()
	}
	wg.Wait()
}
