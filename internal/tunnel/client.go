// Package tunnel implements the two tunnel client protocols behind one
// uniform contract: a modern, library-native client (C4) built on
// amneziawg-go, and a legacy client (C5) that bridges a TLS-based control
// channel onto a library that insists on owning its own TUN device.
package tunnel

import (
	"context"
	"net/netip"
	"time"

	"multitun/internal/core"
)

// Client is the uniform contract both tunnel protocols implement. The
// connection manager (C6) drives every tunnel through this interface
// without knowing which protocol backs it.
type Client interface {
	// Connect brings the tunnel up. Must return within ConnectTimeout or a
	// retryable/fatal error, never hang indefinitely.
	Connect(ctx context.Context) error
	// Disconnect tears the tunnel down. Idempotent: calling it on an
	// already-disconnected client is a no-op, not an error.
	Disconnect() error
	// State reports the current lifecycle state.
	State() core.TunnelState
	// Submit enqueues a raw IP packet for transmission into the tunnel.
	// Returns false if the packet was dropped (tunnel not connected, or
	// the underlying library rejected it).
	Submit(pkt []byte) bool
	// Inbound returns the channel of raw IP packets arriving from the
	// tunnel, destined back to the captured TUN.
	Inbound() <-chan []byte
	// AssignedIP returns the local tunnel IP negotiated at connect time.
	AssignedIP() (netip.Addr, bool)
	// DNSServers returns the DNS servers advertised by the tunnel, if any.
	DNSServers() []netip.Addr
	// PeerEndpoints returns the tunnel's own outer transport endpoints, so
	// C9's bypass registry can keep the encrypted flow off the captured
	// TUN and out of a routing loop.
	PeerEndpoints() []netip.AddrPort
}

// ConnectTimeout bounds how long Connect is allowed to take before the
// connection manager treats the attempt as failed.
const ConnectTimeout = 30 * time.Second

// BackoffSchedule is the reconnect delay sequence: doubling from 0.5s up to
// an 8s cap, after which every further attempt waits 8s.
var BackoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// BackoffFor returns the delay before reconnect attempt number n (0-based).
func BackoffFor(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= len(BackoffSchedule) {
		return BackoffSchedule[len(BackoffSchedule)-1]
	}
	return BackoffSchedule[n]
}

// ErrKind classifies a Connect failure so the caller can decide whether to
// retry.
type ErrKind int

const (
	// ErrKindRetryable means the failure is transient (network blip,
	// timeout) and a reconnect with backoff is appropriate.
	ErrKindRetryable ErrKind = iota
	// ErrKindFatal means the failure won't resolve by retrying (bad
	// config, malformed credentials) and the slot should surface an error
	// without looping.
	ErrKindFatal
)

// ConnectError wraps a Connect failure with its retry classification.
type ConnectError struct {
	Kind ErrKind
	Err  error
}

func (e *ConnectError) Error() string { return e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }
