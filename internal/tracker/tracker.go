// Package tracker resolves a flow's five-tuple to the AppID of the local
// process that owns it, backed by the operating system's connection table.
package tracker

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"multitun/internal/core"
	"multitun/internal/ostable"
	"multitun/internal/process"
)

const (
	// SoftCap bounds the number of cached flow entries. Exceeding it triggers
	// eviction of the oldest entries on the next maintenance tick.
	SoftCap = 1024
	// IdleTTL is how long an entry survives without being re-seen before
	// eviction.
	IdleTTL = 5 * time.Minute

	maintenanceInterval = 30 * time.Second
	refreshMinInterval  = 250 * time.Millisecond
)

// flowKey identifies a locally-bound socket by protocol and port. The
// source address is deliberately not part of the key: a given protocol+port
// pair names exactly one local socket on a host, matching how the OS
// connection table itself is keyed.
type flowKey struct {
	proto core.IPProtocol
	port  uint16
}

type entry struct {
	appID    core.AppID
	lastSeen time.Time
}

// Tracker maps a flow's (protocol, source port) to the AppID of its owning
// process. The flow's source address is not part of the lookup key.
type Tracker struct {
	mu          sync.RWMutex
	entries     map[flowKey]entry
	appPaths    map[core.AppID]string
	lastRefresh time.Time
	reader      ostable.Reader
	matcher     *process.Matcher
	stopCh      chan struct{}
	stopOnce    sync.Once
	refreshReq  chan struct{}
}

// New creates a tracker using the platform connection-table reader.
func New() *Tracker {
	return NewWithReader(ostable.NewReader())
}

// NewWithReader creates a tracker against a specific Reader, for testing.
func NewWithReader(r ostable.Reader) *Tracker {
	t := &Tracker{
		entries:    make(map[flowKey]entry),
		appPaths:   make(map[core.AppID]string),
		reader:     r,
		matcher:    process.NewMatcher(),
		stopCh:     make(chan struct{}),
		refreshReq: make(chan struct{}, 1),
	}
	go t.maintenanceLoop()
	return t
}

// Stop halts the background eviction loop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// AppID computes a stable application identity from a lower-cased
// executable path.
func AppID(exePath string) core.AppID {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(exePath)))
	id := h.Sum32()
	if id == 0 {
		id = 1 // reserve 0 for "unknown"
	}
	return core.AppID(id)
}

// Register explicitly records the owner of a flow, bypassing the OS
// connection table. Used when the caller already knows ownership (e.g. a
// socket created locally and handed to the tracker at connect time).
func (t *Tracker) Register(ft core.FiveTuple, appID core.AppID, exePath string) {
	key := flowKey{proto: ft.Protocol, port: ft.SrcPort}
	t.mu.Lock()
	t.entries[key] = entry{appID: appID, lastSeen: time.Now()}
	if exePath != "" {
		t.appPaths[appID] = exePath
	}
	t.mu.Unlock()
}

// Lookup resolves the AppID owning a flow from the cache only — it never
// performs OS I/O itself, since it runs on the packet-routing hot path. On
// a cache miss it nudges the background refresh goroutine (a non-blocking
// signal, dropped if a refresh is already pending) so the next Lookup for
// this flow has a chance of hitting, and returns immediately either way.
func (t *Tracker) Lookup(ft core.FiveTuple) (core.AppID, bool) {
	key := flowKey{proto: ft.Protocol, port: ft.SrcPort}

	id, ok := t.lookupCached(key)
	if !ok {
		select {
		case t.refreshReq <- struct{}{}:
		default:
		}
	}
	return id, ok
}

// PathFor returns the executable path resolved for an AppID, if known.
func (t *Tracker) PathFor(appID core.AppID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.appPaths[appID]
	return p, ok
}

func (t *Tracker) lookupCached(key flowKey) (core.AppID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e.appID, ok
}

// refreshIfStale performs a full OS connection-table scan if one hasn't run
// in the last refreshMinInterval, merging results into the cache. It is
// only ever called from the background maintenanceLoop goroutine, never
// from Lookup directly — the blocking filesystem I/O a Reader performs
// must never reach the packet-routing hot path.
func (t *Tracker) refreshIfStale() {
	t.mu.Lock()
	if time.Since(t.lastRefresh) < refreshMinInterval {
		t.mu.Unlock()
		return
	}
	t.lastRefresh = time.Now()
	t.mu.Unlock()

	entries, err := t.reader.Scan()
	if err != nil {
		core.Log.Warnf("Tracker", "connection table scan failed: %v", err)
		return
	}

	// Resolve executable paths (OS I/O) before taking the write lock, so a
	// concurrent Lookup never waits on it.
	type resolved struct {
		key  flowKey
		id   core.AppID
		path string
	}
	found := make([]resolved, 0, len(entries))
	for _, e := range entries {
		path, ok := t.matcher.GetExePath(e.PID)
		if !ok {
			continue
		}
		found = append(found, resolved{key: flowKey{proto: e.Proto, port: e.LocalPort}, id: AppID(path), path: path})
	}

	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range found {
		t.appPaths[r.id] = r.path
		t.entries[r.key] = entry{appID: r.id, lastSeen: now}
	}
}

func (t *Tracker) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.evict()
		case <-t.refreshReq:
			t.refreshIfStale()
		}
	}
}

// evict removes idle entries, then trims down to SoftCap by oldest
// lastSeen if still over the limit. Runs off the packet-routing hot path.
func (t *Tracker) evict() {
	cutoff := time.Now().Add(-IdleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, e := range t.entries {
		if e.lastSeen.Before(cutoff) {
			delete(t.entries, k)
		}
	}

	if len(t.entries) <= SoftCap {
		return
	}

	type kv struct {
		key      flowKey
		lastSeen time.Time
	}
	all := make([]kv, 0, len(t.entries))
	for k, e := range t.entries {
		all = append(all, kv{k, e.lastSeen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastSeen.Before(all[j].lastSeen) })

	excess := len(all) - SoftCap
	for i := 0; i < excess; i++ {
		delete(t.entries, all[i].key)
	}
}
