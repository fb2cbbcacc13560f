// Package process resolves OS process IDs to executable paths. Pattern
// matching against those paths lives in internal/rulecache, the only
// caller that needs it.
package process

import (
	"sync"
)

// Matcher resolves process IDs to executable paths.
type Matcher struct {
	mu    sync.RWMutex
	cache map[uint32]string // PID → exe path cache
}

// NewMatcher creates a process matcher with an empty cache.
func NewMatcher() *Matcher {
	return &Matcher{
		cache: make(map[uint32]string),
	}
}

// GetExePath returns the full executable path for a given PID.
// Results are cached for performance on the hot path.
func (m *Matcher) GetExePath(pid uint32) (string, bool) {
	m.mu.RLock()
	path, ok := m.cache[pid]
	m.mu.RUnlock()
	if ok {
		return path, true
	}

	path, err := queryProcessPath(pid)
	if err != nil {
		return "", false
	}

	m.mu.Lock()
	m.cache[pid] = path
	m.mu.Unlock()

	return path, true
}

// Invalidate removes a PID from the cache (call when a process exits).
func (m *Matcher) Invalidate(pid uint32) {
	m.mu.Lock()
	delete(m.cache, pid)
	m.mu.Unlock()
}

// PurgeCache clears the entire PID cache.
func (m *Matcher) PurgeCache() {
	m.mu.Lock()
	m.cache = make(map[uint32]string)
	m.mu.Unlock()
}
