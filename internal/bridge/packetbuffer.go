// Package bridge adapts a legacy tunnel library that insists on owning its
// own TUN device onto this core's caller-owned packet plane, via a
// SOCK_SEQPACKET socketpair(2) connecting the library's side (which
// believes it is reading/writing a TUN) to this process's side (which the
// legacy client drives directly). No published Go VPN library demonstrates
// this exact seam; the buffer-layout discipline here is grounded on
// amneziawg-go/wireguard-go's own tun.Device convention
// (Read(bufs, sizes, offset) / Write(bufs, offset)) — structurally the
// same headroom contract this package models explicitly as a type.
package bridge

// Headroom and tailroom bound the space a PacketBuffer reserves around its
// payload so the legacy library can prepend/append protocol framing
// in-place without a reallocation on the hot path.
const (
	Headroom = 256
	Tailroom = 128
)

// PacketBuffer is a single fixed-capacity buffer with a writable payload
// window: Headroom bytes before the default payload offset, and after the
// payload any unused payload capacity plus Tailroom bytes. Growing the
// payload within that space never reallocates; growing past either end of
// the buffer is a programming error and panics, since every caller is
// expected to size buffers against the library's configured headroom up
// front.
type PacketBuffer struct {
	buf        []byte
	payloadOff int
	payloadLen int
}

// NewPacketBuffer allocates a buffer sized for a payload up to
// maxPayload bytes, with the standard Headroom/Tailroom margins.
func NewPacketBuffer(maxPayload int) *PacketBuffer {
	return &PacketBuffer{
		buf:        make([]byte, Headroom+maxPayload+Tailroom),
		payloadOff: Headroom,
		payloadLen: 0,
	}
}

// Reset points the payload window back at an empty slice starting at the
// default headroom offset.
func (p *PacketBuffer) Reset() {
	p.payloadOff = Headroom
	p.payloadLen = 0
}

// Payload returns the current payload window.
func (p *PacketBuffer) Payload() []byte {
	return p.buf[p.payloadOff : p.payloadOff+p.payloadLen]
}

// SetPayload copies data into the buffer starting at the default headroom
// offset, replacing any prior payload. Panics if data is larger than the
// buffer's capacity minus Headroom+Tailroom.
func (p *PacketBuffer) SetPayload(data []byte) {
	capacity := len(p.buf) - Headroom - Tailroom
	if len(data) > capacity {
		panic("bridge: payload exceeds PacketBuffer capacity")
	}
	p.payloadOff = Headroom
	p.payloadLen = len(data)
	copy(p.buf[p.payloadOff:p.payloadOff+p.payloadLen], data)
}

// GrowHead extends the payload window backward by n bytes, into the
// headroom margin, for a caller prepending a header in-place. Panics if n
// exceeds the available headroom.
func (p *PacketBuffer) GrowHead(n int) []byte {
	if n > p.payloadOff {
		panic("bridge: GrowHead exceeds available headroom")
	}
	p.payloadOff -= n
	p.payloadLen += n
	return p.buf[p.payloadOff : p.payloadOff+n]
}

// GrowTail extends the payload window forward by n bytes, into the
// unused payload capacity and then the tailroom margin, for a caller
// appending a trailer in-place. Panics if n exceeds the space left between
// the payload's end and the end of the buffer.
func (p *PacketBuffer) GrowTail(n int) []byte {
	avail := len(p.buf) - (p.payloadOff + p.payloadLen)
	if n > avail {
		panic("bridge: GrowTail exceeds available tailroom")
	}
	start := p.payloadOff + p.payloadLen
	p.payloadLen += n
	return p.buf[start : start+n]
}

// Cap returns the buffer's maximum payload capacity (excluding margins).
func (p *PacketBuffer) Cap() int {
	return len(p.buf) - Headroom - Tailroom
}
