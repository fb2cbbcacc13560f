package core

import (
	"net/netip"
	"sync"
)

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventTunnelStateChanged EventType = iota
	EventRuleCacheUpdated
	EventVpnConfigsUpdated
	EventTunnelStartupFailed
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// TunnelStatePayload is the payload for EventTunnelStateChanged.
type TunnelStatePayload struct {
	TunnelID TunnelID
	OldState TunnelState
	NewState TunnelState
	// PeerEndpoints carries the tunnel's outer transport endpoints when
	// NewState is TunnelStateConnected, so a subscriber (C8's engine) can
	// register them with C9's bypass registry without the event bus
	// needing to know about that package.
	PeerEndpoints []netip.AddrPort
}

// RuleCachePayload is the payload for EventRuleCacheUpdated.
type RuleCachePayload struct {
	Rules []Rule
}

// VpnConfigsPayload is the payload for EventVpnConfigsUpdated.
type VpnConfigsPayload struct {
	Configs []VpnConfig
	Err     error
}

// TunnelStartupFailedPayload is the payload for EventTunnelStartupFailed.
type TunnelStartupFailedPayload struct {
	TunnelID TunnelID
	Kind     string
	Err      error
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
