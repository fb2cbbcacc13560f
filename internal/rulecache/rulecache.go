// Package rulecache holds the routing rule set as an immutable,
// atomically-swapped snapshot, giving lock-free reads on the packet
// router's hot path. Loading the snapshot is O(1); TunnelFor scans the
// rules in order, so a lookup is linear in the number of rules. This replaces the RWMutex-guarded rule engine pattern
// used elsewhere in the ecosystem: a writer publishing a brand-new snapshot
// can never block a reader, and a reader never observes a partially-updated
// rule set.
package rulecache

import (
	"path/filepath"
	"strings"
	"sync/atomic"

	"multitun/internal/core"
)

// Snapshot is an immutable, pre-processed view of the rule set at a point
// in time. Once built it is never mutated; callers share it freely across
// goroutines.
type Snapshot struct {
	rules     []core.Rule
	lowerExe  []string // lower-cased Pattern, parallel to rules
	activeSet map[core.TunnelID]bool
	configs   map[core.TunnelID]core.VpnConfig
}

// Rules returns the rules backing this snapshot, in the order they were
// passed to Update. TunnelFor returns the first match in that order;
// Rule.Priority is not consulted.
func (s *Snapshot) Rules() []core.Rule { return s.rules }

// TunnelFor returns the tunnel and fallback policy that should handle
// traffic from the given executable path, or ok=false if no rule matches.
func (s *Snapshot) TunnelFor(exePath string) (core.TunnelID, core.FallbackPolicy, bool) {
	if exePath == "" {
		return "", 0, false
	}
	exeLower := strings.ToLower(exePath)
	base := exeLower
	if i := strings.LastIndexByte(exeLower, '/'); i >= 0 {
		base = exeLower[i+1:]
	}
	for i, r := range s.rules {
		if matchPreprocessed(exeLower, base, s.lowerExe[i]) {
			return r.TunnelID, r.Fallback, true
		}
	}
	return "", 0, false
}

// IsTunnelActive reports whether a tunnel is in this snapshot's active set,
// i.e. connected at the moment the snapshot was built.
func (s *Snapshot) IsTunnelActive(id core.TunnelID) bool {
	return s.activeSet[id]
}

// ConfigFor returns the VpnConfig a tunnel ID was configured with at the
// moment this snapshot was built, or ok=false if no such tunnel is known.
func (s *Snapshot) ConfigFor(id core.TunnelID) (core.VpnConfig, bool) {
	cfg, ok := s.configs[id]
	return cfg, ok
}

func matchPreprocessed(exeLower, baseLower, patternLower string) bool {
	if patternLower == "" {
		return false
	}
	if strings.HasSuffix(patternLower, "/*") {
		dir := patternLower[:len(patternLower)-2]
		return len(exeLower) > len(dir) && strings.HasPrefix(exeLower, dir) && exeLower[len(dir)] == '/'
	}
	if strings.Contains(patternLower, "/") {
		matched, _ := filepath.Match(patternLower, exeLower)
		return matched
	}
	if baseLower == patternLower {
		return true
	}
	return strings.Contains(baseLower, patternLower)
}

// Cache holds the current rule Snapshot behind an atomic pointer. Writers
// call Update to publish a new snapshot wholesale; readers call Load and
// keep using the returned Snapshot for the duration of their operation,
// immune to concurrent updates.
type Cache struct {
	snap atomic.Pointer[Snapshot]
}

// New creates a Cache with an empty initial snapshot.
func New() *Cache {
	c := &Cache{}
	c.snap.Store(&Snapshot{})
	return c
}

// Load returns the current snapshot. Never nil, never blocks.
func (c *Cache) Load() *Snapshot {
	return c.snap.Load()
}

// Update builds a new immutable snapshot from rules, the set of
// currently-connected tunnels, and each tunnel's current config, then
// atomically publishes it. Existing holders of the previous Snapshot are
// unaffected.
func (c *Cache) Update(rules []core.Rule, activeTunnels []core.TunnelID, configs map[core.TunnelID]core.VpnConfig) {
	lower := make([]string, len(rules))
	for i, r := range rules {
		lower[i] = strings.ToLower(r.Pattern)
	}
	active := make(map[core.TunnelID]bool, len(activeTunnels))
	for _, id := range activeTunnels {
		active[id] = true
	}
	configsCopy := make(map[core.TunnelID]core.VpnConfig, len(configs))
	for id, cfg := range configs {
		configsCopy[id] = cfg
	}

	rulesCopy := make([]core.Rule, len(rules))
	copy(rulesCopy, rules)

	c.snap.Store(&Snapshot{
		rules:     rulesCopy,
		lowerExe:  lower,
		activeSet: active,
		configs:   configsCopy,
	})
}
