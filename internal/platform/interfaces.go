// Package platform defines the OS-facing seam the core needs: a single
// captured TUN descriptor, handed in by whatever owns the real OS VPN
// framework integration (explicitly out of this repository's scope).
package platform

import "net/netip"

// CapturedTUN abstracts the one TUN device the host has already captured
// for this process (utun on macOS, a TUN fd on Linux, WinTUN on Windows).
// The core never creates more than one.
type CapturedTUN interface {
	// IP returns the adapter's assigned IP address.
	IP() netip.Addr
	// ReadPacket reads one IP packet into buf and returns the byte count.
	// Not safe for concurrent use — called from a single engine goroutine.
	ReadPacket(buf []byte) (int, error)
	// WritePacket writes one IP packet to the adapter. Safe for concurrent use.
	WritePacket(pkt []byte) error
	// Close tears down the adapter.
	Close() error
}
