package persistence

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"multitun/internal/core"
)

func TestLoadMissingFileCreatesEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	s := NewStore(path, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.VpnConfigs()) != 0 || len(s.Rules()) != 0 {
		t.Error("expected empty document for missing file")
	}
}

func TestSetTunnelsRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	s := NewStore(path, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfgs := []core.VpnConfig{{ID: "vpn1", Name: "work", Raw: "[Interface]\nPrivateKey = x\n"}}
	if err := s.SetTunnels(cfgs); err != nil {
		t.Fatalf("SetTunnels: %v", err)
	}

	s2 := NewStore(path, nil)
	if err := s2.Load(); err != nil {
		t.Fatalf("reload Load: %v", err)
	}
	got := s2.VpnConfigs()
	if len(got) != 1 || got[0].ID != "vpn1" {
		t.Errorf("VpnConfigs after reload = %+v", got)
	}
}

func TestSetRulesPublishesEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	bus := core.NewEventBus()

	received := make(chan core.RuleCachePayload, 1)
	bus.Subscribe(core.EventRuleCacheUpdated, func(e core.Event) {
		received <- e.Payload.(core.RuleCachePayload)
	})

	s := NewStore(path, bus)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rules := []core.Rule{{Pattern: "curl", TunnelID: "vpn1", Fallback: core.PolicyBlock}}
	if err := s.SetRules(rules); err != nil {
		t.Fatalf("SetRules: %v", err)
	}

	select {
	case payload := <-received:
		if len(payload.Rules) != 1 {
			t.Errorf("payload.Rules = %v", payload.Rules)
		}
	default:
		t.Fatal("expected EventRuleCacheUpdated to be published synchronously")
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	bus := core.NewEventBus()

	received := make(chan core.RuleCachePayload, 4)
	bus.Subscribe(core.EventRuleCacheUpdated, func(e core.Event) {
		received <- e.Payload.(core.RuleCachePayload)
	})

	s := NewStore(path, bus)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Loading a missing file writes an empty document without publishing,
	// so there is no initial event to drain here.

	// Force the file's mtime forward: some filesystems have coarser mtime
	// resolution than the test's wall-clock gap to the initial Load.
	future := time.Now().Add(2 * time.Second)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data = bytes.Replace(data, []byte("rules: []"), []byte("rules:\n  - pattern: curl\n    tunnel_id: vpn1"), 1)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx, 10*time.Millisecond)

	select {
	case payload := <-received:
		if len(payload.Rules) != 1 {
			t.Errorf("payload.Rules after watch reload = %v", payload.Rules)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Watch to detect the file change and republish")
	}
}

func TestRulesReturnsCopyNotSharedSlice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	s := NewStore(path, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.SetRules([]core.Rule{{Pattern: "a"}}); err != nil {
		t.Fatalf("SetRules: %v", err)
	}
	got := s.Rules()
	got[0].Pattern = "mutated"
	if s.Rules()[0].Pattern != "a" {
		t.Error("mutating returned slice affected Store's internal state")
	}
}
