// Package tlsengine implements legacyengine.Engine over a TLS stream. It is
// the one concrete legacy engine this repository ships: no OpenVPN-family
// Go library exists anywhere in the reachable ecosystem for this seam, and
// the legacy protocol's cryptographic core is explicitly an external
// collaborator, so crypto/tls stands in as the boundary primitive the
// bridge's headroom/tailroom discipline and socket-pair plumbing are
// exercised against.
package tlsengine

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"multitun/internal/core"
	"multitun/internal/tunnel/legacyengine"
)

const (
	defaultMTU  = 1500
	maxFrameLen = 65535
	dialTimeout = 10 * time.Second
)

// profile is the parsed form of a legacy tunnel's config blob: a simple
// key=value text, one per line. Unlike the modern protocol's .conf format,
// this carries no [Interface]/[Peer] sections — that absence is exactly
// what the connection manager's protocol-detection rule relies on.
type profile struct {
	Server             string
	IP                 netip.Addr
	DNS                []netip.Addr
	MTU                int
	InsecureSkipVerify bool
}

func parseProfile(raw string) (profile, error) {
	p := profile{MTU: defaultMTU}
	mtuSeen := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch k {
		case "server":
			p.Server = v
		case "ip":
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return p, fmt.Errorf("invalid ip %q: %w", v, err)
			}
			p.IP = addr
		case "dns":
			for _, s := range strings.Split(v, ",") {
				s = strings.TrimSpace(s)
				if s == "" {
					continue
				}
				addr, err := netip.ParseAddr(s)
				if err != nil {
					continue
				}
				p.DNS = append(p.DNS, addr)
			}
		case "mtu":
			n, err := strconv.Atoi(v)
			if err != nil {
				core.Log.Warnf("Legacy", "malformed mtu %q, falling back to %d: %v", v, defaultMTU, err)
				continue
			}
			p.MTU = n
			mtuSeen = true
		case "insecure_skip_verify":
			p.InsecureSkipVerify = v == "true"
		}
	}

	if p.Server == "" {
		return p, fmt.Errorf("profile missing server")
	}
	if !p.IP.IsValid() {
		return p, fmt.Errorf("profile missing ip")
	}
	_ = mtuSeen
	return p, nil
}

// Engine implements legacyengine.Engine over a TLS stream.
type Engine struct {
	mu     sync.Mutex
	conn   *tls.Conn
	tun    legacyengine.TUN
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates an unconnected tlsengine.
func New() *Engine { return &Engine{} }

func (e *Engine) Connect(ctx context.Context, raw string, tun legacyengine.TUN) (legacyengine.Result, error) {
	p, err := parseProfile(raw)
	if err != nil {
		return legacyengine.Result{}, fmt.Errorf("parse legacy profile: %w", err)
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", p.Server)
	if err != nil {
		return legacyengine.Result{}, fmt.Errorf("dial %s: %w", p.Server, err)
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		ServerName:         serverNameOf(p.Server),
		InsecureSkipVerify: p.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return legacyengine.Result{}, fmt.Errorf("tls handshake: %w", err)
	}

	remote, err := netip.ParseAddrPort(rawConn.RemoteAddr().String())
	if err != nil {
		tlsConn.Close()
		return legacyengine.Result{}, fmt.Errorf("parse remote addr %q: %w", rawConn.RemoteAddr(), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.conn = tlsConn
	e.tun = tun
	e.cancel = cancel
	e.closed = false
	e.mu.Unlock()

	e.wg.Add(2)
	go e.tunToConnLoop(loopCtx)
	go e.connToTunLoop(loopCtx)

	return legacyengine.Result{AssignedIP: p.IP, DNS: p.DNS, MTU: p.MTU, RemoteAddr: remote}, nil
}

// Disconnect idempotently tears the session down: the TUN handed to
// Connect is closed first (unblocking any pending ReadPacket), then the I/O
// loops are signalled to stop, the TLS connection is closed (unblocking any
// pending frame read), and finally Disconnect waits for both loops to exit.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	tun := e.tun
	conn := e.conn
	cancel := e.cancel
	e.mu.Unlock()

	if tun != nil {
		tun.Close()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	e.wg.Wait()
	return nil
}

func (e *Engine) tunToConnLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, maxFrameLen)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := e.tun.ReadPacket(buf)
		if err != nil {
			return
		}
		if err := writeFrame(e.conn, buf[:n]); err != nil {
			return
		}
	}
}

func (e *Engine) connToTunLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := readFrame(e.conn)
		if err != nil {
			return
		}
		if err := e.tun.WritePacket(pkt); err != nil {
			return
		}
	}
}

func writeFrame(w net.Conn, pkt []byte) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(pkt)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(pkt)
	return err
}

func readFrame(r net.Conn) ([]byte, error) {
	var hdr [2]byte
	if _, err := readFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func serverNameOf(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
