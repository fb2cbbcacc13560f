//go:build darwin

// Package darwin provides the macOS captured-TUN implementation used in
// place of a real OS VPN framework integration, which is outside this
// repository's scope (see spec §1/§6): something upstream of this core
// must hand it exactly one already-captured TUN descriptor, and this is a
// concrete, runnable stand-in for that handoff during local development.
package darwin

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"multitun/internal/core"
)

const (
	utunControlName = "com.apple.net.utun_control"
	sysProtoControl = 2
	utunOptIfname   = 2
	// utun prepends a 4-byte address family header (network byte order).
	utunHeaderSize = 4

	tunIP        = "10.255.0.1"
	tunPrefixLen = 24
	tunMTU       = 1400

	maxPacketSize = 65535
)

// writeBufPool avoids per-packet allocation in WritePacket.
var writeBufPool = sync.Pool{
	New: func() any {
		return make([]byte, maxPacketSize+utunHeaderSize)
	},
}

// TUNAdapter is a captured TUN device on macOS, created via kernel control
// socket (AF_SYSTEM, SYSPROTO_CONTROL).
type TUNAdapter struct {
	name    string
	file    *os.File
	ifIndex uint32
	ip      netip.Addr
	readBuf []byte // pre-allocated; single-goroutine use only
}

// NewTUNAdapter creates a macOS utun TUN adapter with IP 10.255.0.1/24, MTU 1400.
func NewTUNAdapter() (*TUNAdapter, error) {
	fd, ifName, err := openUtun()
	if err != nil {
		return nil, fmt.Errorf("create utun: %w", err)
	}

	a := &TUNAdapter{
		name:    ifName,
		file:    os.NewFile(uintptr(fd), ifName),
		ip:      netip.MustParseAddr(tunIP),
		readBuf: make([]byte, maxPacketSize+utunHeaderSize),
	}
	if a.file == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("invalid utun fd")
	}

	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("interface lookup %s: %w", ifName, err)
	}
	a.ifIndex = uint32(iface.Index)

	if err := a.configureInterface(); err != nil {
		a.Close()
		return nil, fmt.Errorf("configure %s: %w", ifName, err)
	}

	core.Log.Infof("TUN", "utun adapter %s created (IP=%s, ifIndex=%d)", ifName, a.ip, a.ifIndex)
	return a, nil
}

// openUtun opens a new utun device via kernel control socket, returning
// (fd, interface name).
func openUtun() (int, string, error) {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, sysProtoControl)
	if err != nil {
		return -1, "", fmt.Errorf("socket(AF_SYSTEM): %w", err)
	}

	ctlInfo := &unix.CtlInfo{}
	copy(ctlInfo.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, ctlInfo); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("CTLIOCGINFO: %w", err)
	}

	sa := unix.SockaddrCtl{ID: ctlInfo.Id, Unit: 0}
	if err := unix.Connect(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("connect utun: %w", err)
	}

	ifName, err := unix.GetsockoptString(fd, sysProtoControl, utunOptIfname)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("get utun name: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("set nonblock: %w", err)
	}

	return fd, ifName, nil
}

// configureInterface assigns IP address, sets MTU, and brings the interface up.
func (a *TUNAdapter) configureInterface() error {
	out, err := exec.Command("ifconfig", a.name,
		"inet", fmt.Sprintf("%s/%d", tunIP, tunPrefixLen),
		tunIP, "up",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ifconfig inet: %s: %w", strings.TrimSpace(string(out)), err)
	}

	out, err = exec.Command("ifconfig", a.name, "mtu", fmt.Sprintf("%d", tunMTU)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ifconfig mtu: %s: %w", strings.TrimSpace(string(out)), err)
	}

	return nil
}

// InterfaceIndex returns the utun interface index.
func (a *TUNAdapter) InterfaceIndex() uint32 { return a.ifIndex }

// IP returns the adapter's assigned IP address.
func (a *TUNAdapter) IP() netip.Addr { return a.ip }

// ReadPacket reads one IP packet from the utun device, stripping the 4-byte
// AF header. Not safe for concurrent use — called from the single
// engine outbound-loop goroutine.
func (a *TUNAdapter) ReadPacket(buf []byte) (int, error) {
	n, err := a.file.Read(a.readBuf)
	if err != nil {
		return 0, err
	}
	if n <= utunHeaderSize {
		return 0, fmt.Errorf("short utun read: %d bytes", n)
	}
	return copy(buf, a.readBuf[utunHeaderSize:n]), nil
}

// WritePacket writes one IP packet to the utun device, prepending the
// 4-byte AF header. Safe for concurrent use.
func (a *TUNAdapter) WritePacket(pkt []byte) error {
	if len(pkt) == 0 {
		return nil
	}

	buf := writeBufPool.Get().([]byte)
	defer writeBufPool.Put(buf)

	switch pkt[0] >> 4 {
	case 4:
		binary.BigEndian.PutUint32(buf, unix.AF_INET)
	case 6:
		binary.BigEndian.PutUint32(buf, unix.AF_INET6)
	default:
		return fmt.Errorf("unknown IP version: %d", pkt[0]>>4)
	}

	copy(buf[utunHeaderSize:], pkt)
	_, err := a.file.Write(buf[:utunHeaderSize+len(pkt)])
	return err
}

// Close tears down the utun adapter; the kernel removes the interface when
// the fd closes.
func (a *TUNAdapter) Close() error {
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			return err
		}
		core.Log.Infof("TUN", "utun adapter %s closed", a.name)
	}
	return nil
}
