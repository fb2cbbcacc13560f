//go:build darwin

package ostable

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"multitun/internal/core"
)

// pcbStructSize is the per-entry size in pcblist_n output (xinpcb_n + xsocket_n + sockbufs).
// Varies by macOS version: 408 on macOS 13+ (Darwin 22.x), 384 on macOS 12 and earlier.
var pcbStructSize = func() int {
	release, _ := unix.Sysctl("kern.osrelease")
	major, _, _ := strings.Cut(release, ".")
	n, _ := strconv.ParseInt(major, 10, 64)
	if n >= 22 {
		return 408
	}
	return 384
}()

// pcblist_n parsing constants (from XNU kernel headers).
const (
	xinpgenSize   = 24  // sizeof(xinpgen) — header/trailer
	tcpEntryExtra = 208 // sizeof(xtcpcb_n) — appended to each TCP entry
	offInpLport   = 18  // inp_lport in xinpcb_n (big-endian uint16)
	offSoBase     = 104 // xsocket_n starts at this offset within each entry
	offSoLastPID  = 68  // so_last_pid within xsocket_n (native-endian int32)
)

// DarwinReader implements Reader via sysctl("net.inet.{tcp,udp}.pcblist_n") —
// a single atomic kernel snapshot per protocol, O(1) syscalls + O(S) scan.
type DarwinReader struct{}

// NewReader returns the platform connection-table reader.
func NewReader() *DarwinReader { return &DarwinReader{} }

func (r *DarwinReader) Scan() ([]Entry, error) {
	var entries []Entry

	tcpBuf, err := unix.SysctlRaw("net.inet.tcp.pcblist_n")
	if err != nil {
		return nil, fmt.Errorf("sysctl tcp.pcblist_n: %w", err)
	}
	entries = parsePCBList(tcpBuf, core.ProtoTCP, entries)

	udpBuf, err := unix.SysctlRaw("net.inet.udp.pcblist_n")
	if err != nil {
		return nil, fmt.Errorf("sysctl udp.pcblist_n: %w", err)
	}
	entries = parsePCBList(udpBuf, core.ProtoUDP, entries)

	return entries, nil
}

// parsePCBList parses a pcblist_n sysctl buffer into connection-table entries.
//
// Buffer layout: xinpgen (24B) | fixed-size entries | xinpgen trailer (24B).
// Each entry is a monolithic block: xinpcb_n + xsocket_n + sockbufs
// (pcbStructSize bytes), plus xtcpcb_n (208 bytes) for TCP.
func parsePCBList(buf []byte, proto core.IPProtocol, out []Entry) []Entry {
	entrySize := pcbStructSize
	if proto == core.ProtoTCP {
		entrySize += tcpEntryExtra
	}

	pidOff := offSoBase + offSoLastPID // 104 + 68 = 172

	for pos := xinpgenSize; pos+entrySize <= len(buf); pos += entrySize {
		localPort := binary.BigEndian.Uint16(buf[pos+offInpLport : pos+offInpLport+2])
		pid := binary.LittleEndian.Uint32(buf[pos+pidOff : pos+pidOff+4])

		if localPort != 0 && pid != 0 {
			out = append(out, Entry{Proto: proto, LocalPort: localPort, PID: pid})
		}
	}
	return out
}
