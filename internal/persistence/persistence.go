// Package persistence implements the async persistence surface (C9): it
// loads tunnel configs and routing rules from a YAML file on disk,
// publishes change events when the file is reloaded, and exposes the
// last-loaded values for a caller to pull at any time. Its load/save/Get
// shape and event-on-reload pattern are grounded on the donor's
// core.ConfigManager.
package persistence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"multitun/internal/core"
)

// PollInterval is how often Watch checks the config file for changes. The
// spec's propagation requirement (a rule or config change must reach a new
// snapshot within 1s of persistence notification) sets the ceiling.
const PollInterval = 1 * time.Second

// Document is the on-disk shape of the persisted configuration: every
// tunnel this installation knows about, plus the routing rules applied
// across all of them.
type Document struct {
	Tunnels []core.VpnConfig `yaml:"tunnels"`
	Rules   []core.Rule      `yaml:"rules"`
}

// Store loads and holds a Document, publishing EventVpnConfigsUpdated and
// EventRuleCacheUpdated on every successful reload.
type Store struct {
	mu       sync.RWMutex
	path     string
	bus      *core.EventBus
	document Document
	modTime  time.Time
}

// NewStore creates a Store reading from path. Call Load before using
// VpnConfigs/Rules.
func NewStore(path string, bus *core.EventBus) *Store {
	return &Store{path: path, bus: bus}
}

// Load reads and parses the configuration file. A missing file is not an
// error: it is treated as an empty document and written back to disk so a
// fresh install has a config file to edit.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			core.Log.Infof("Persistence", "config %s not found, creating empty document", s.path)
			s.mu.Lock()
			s.document = Document{}
			s.mu.Unlock()
			return s.Save()
		}
		return fmt.Errorf("read config %s: %w", s.path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", s.path, err)
	}

	modTime := s.statModTime()

	s.mu.Lock()
	s.document = doc
	s.modTime = modTime
	s.mu.Unlock()

	s.publishReload(doc, nil)
	return nil
}

func (s *Store) statModTime() time.Time {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Watch polls the config file for changes every interval until ctx is
// cancelled, reloading (and re-publishing EventVpnConfigsUpdated /
// EventRuleCacheUpdated) whenever its modification time advances. This is
// the reference fsnotify-free polling adapter: no filesystem notification
// library is wired in since a plain os.Stat comparison is enough to meet
// the propagation deadline at an interval of PollInterval or shorter.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mt := s.statModTime()
			s.mu.RLock()
			changed := !mt.IsZero() && mt.After(s.modTime)
			s.mu.RUnlock()
			if !changed {
				continue
			}
			if err := s.Load(); err != nil {
				core.Log.Warnf("Persistence", "reload %s failed: %v", s.path, err)
			}
		}
	}
}

// Save writes the current document back to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := yaml.Marshal(&s.document)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.modTime = s.statModTime()
	s.mu.Unlock()
	return nil
}

// VpnConfigs returns the currently-loaded tunnel configs.
func (s *Store) VpnConfigs() []core.VpnConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.VpnConfig, len(s.document.Tunnels))
	copy(out, s.document.Tunnels)
	return out
}

// Rules returns the currently-loaded routing rules.
func (s *Store) Rules() []core.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Rule, len(s.document.Rules))
	copy(out, s.document.Rules)
	return out
}

// SetTunnels replaces the tunnel list and persists it.
func (s *Store) SetTunnels(tunnels []core.VpnConfig) error {
	s.mu.Lock()
	s.document.Tunnels = tunnels
	s.mu.Unlock()
	if err := s.Save(); err != nil {
		return err
	}
	s.publishReload(s.snapshot(), nil)
	return nil
}

// SetRules replaces the rule list and persists it.
func (s *Store) SetRules(rules []core.Rule) error {
	s.mu.Lock()
	s.document.Rules = rules
	s.mu.Unlock()
	if err := s.Save(); err != nil {
		return err
	}
	s.publishReload(s.snapshot(), nil)
	return nil
}

func (s *Store) snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.document
}

func (s *Store) publishReload(doc Document, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(core.Event{
		Type:    core.EventVpnConfigsUpdated,
		Payload: core.VpnConfigsPayload{Configs: doc.Tunnels, Err: err},
	})
	s.bus.Publish(core.Event{
		Type:    core.EventRuleCacheUpdated,
		Payload: core.RuleCachePayload{Rules: doc.Rules},
	})
}
