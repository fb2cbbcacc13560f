// Package legacyengine defines the seam between the legacy tunnel client
// (C5) and a legacy-protocol library that insists on owning its own TUN
// device. No engine implementation in this package performs real protocol
// cryptography: per the spec, a legacy tunnel protocol's cryptographic
// core is itself an external collaborator. tlsengine provides the one
// concrete engine this repository ships, built on the stdlib crypto/tls
// boundary.
package legacyengine

import (
	"context"
	"net/netip"
)

// TUN is the descriptor an Engine reads/writes raw IP packets through. The
// bridge package's Endpoint satisfies this directly.
type TUN interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(pkt []byte) error
	Close() error
}

// Result carries what Connect negotiates with the remote endpoint.
type Result struct {
	AssignedIP netip.Addr
	DNS        []netip.Addr
	MTU        int
	// RemoteAddr is the outer transport endpoint the engine dialed, so the
	// client can hand it to C9's bypass registry.
	RemoteAddr netip.AddrPort
}

// Engine drives one legacy tunnel session. Connect takes ownership of tun
// (closing it on Disconnect) and does not return until the session is
// either established or has failed — it must not hang past its own
// internal deadline derived from ctx.
type Engine interface {
	Connect(ctx context.Context, profile string, tun TUN) (Result, error)
	Disconnect() error
}
