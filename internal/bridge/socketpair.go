package bridge

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Endpoint is one side of a SOCK_SEQPACKET socketpair(2). SEQPACKET
// preserves message boundaries, so one WritePacket on one side becomes
// exactly one ReadPacket on the other — no length-prefix framing needed,
// unlike a utun fd's 4-byte AF-family header.
type Endpoint struct {
	file *os.File
}

// NewPair creates a connected pair of endpoints: appSide is kept by the
// legacy tunnel client to submit/receive packets; libSide is handed to the
// legacy engine as the TUN descriptor it believes it owns.
func NewPair() (appSide, libSide *Endpoint, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return &Endpoint{file: os.NewFile(uintptr(fds[0]), "bridge-app")},
		&Endpoint{file: os.NewFile(uintptr(fds[1]), "bridge-lib")},
		nil
}

// ReadPacket reads one message (one packet) into buf.
func (e *Endpoint) ReadPacket(buf []byte) (int, error) {
	return e.file.Read(buf)
}

// WritePacket writes one message (one packet). Blocks until the kernel
// socket buffer has room, which is this bridge's analog of the
// retry-on-writable discipline a raw nonblocking fd would need explicitly.
func (e *Endpoint) WritePacket(pkt []byte) error {
	_, err := e.file.Write(pkt)
	return err
}

// Close closes this side of the pair. Safe to call once; calling it again
// returns the underlying os.File's already-closed error.
func (e *Endpoint) Close() error {
	return e.file.Close()
}
