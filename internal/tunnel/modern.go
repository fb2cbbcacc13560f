package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/amnezia-vpn/amneziawg-go/conn"
	"github.com/amnezia-vpn/amneziawg-go/device"
	"github.com/amnezia-vpn/amneziawg-go/tun/netstack"

	"multitun/internal/core"
)

// ModernConfig holds the modern (AmneziaWG/WireGuard-family) tunnel's
// startup parameters: a parsed configuration and an optional adapter IP
// override.
type ModernConfig struct {
	Parsed    *ModernParsedConfig
	AdapterIP netip.Addr
}

// ModernClient implements Client on top of amneziawg-go with a netstack
// (gVisor) userspace TCP/IP stack, so the tunnel needs no kernel TUN of its
// own — packets are injected and received as raw bytes, matching the
// "thin wrapper" contract of the modern tunnel client.
type ModernClient struct {
	mu     sync.RWMutex
	name   string
	cfg    ModernConfig
	state  core.TunnelState

	adapterIP     netip.Addr
	dnsServers    []netip.Addr
	peerEndpoints []netip.AddrPort
	dev           *device.Device
	tnet          *netstack.Net
	inbound       chan []byte
}

// NewModernClient creates a modern tunnel client. It takes no
// socket-protection hook: the peer endpoints parsed from the config are
// reported through PeerEndpoints once the tunnel connects.
func NewModernClient(name string, cfg ModernConfig) *ModernClient {
	return &ModernClient{
		name:    name,
		cfg:     cfg,
		state:   core.TunnelStateInit,
		inbound: make(chan []byte, 256),
	}
}

func (c *ModernClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = core.TunnelStateConnecting
	core.Log.Infof("Modern", "connecting tunnel %q", c.name)

	parsed := c.cfg.Parsed
	localAddresses := parsed.LocalAddresses
	if len(localAddresses) == 0 {
		if !c.cfg.AdapterIP.IsValid() {
			c.state = core.TunnelStateClosed
			return &ConnectError{Kind: ErrKindFatal, Err: fmt.Errorf("no local address: set adapter_ip or add Address to config")}
		}
		localAddresses = []netip.Addr{c.cfg.AdapterIP}
	}
	adapterIP := c.cfg.AdapterIP
	if !adapterIP.IsValid() {
		adapterIP = localAddresses[0]
	}

	tunDev, tnet, err := netstack.CreateNetTUN(localAddresses, parsed.DNSServers, parsed.MTU)
	if err != nil {
		c.state = core.TunnelStateClosed
		return &ConnectError{Kind: ErrKindRetryable, Err: fmt.Errorf("create netstack TUN: %w", err)}
	}

	logger := device.NewLogger(device.LogLevelError, fmt.Sprintf("[Modern:%s] ", c.name))
	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), logger)

	if err := dev.IpcSet(parsed.UAPIConfig); err != nil {
		dev.Close()
		c.state = core.TunnelStateClosed
		return &ConnectError{Kind: ErrKindFatal, Err: fmt.Errorf("apply config: %w", err)}
	}

	if err := dev.Up(); err != nil {
		dev.Close()
		c.state = core.TunnelStateClosed
		return &ConnectError{Kind: ErrKindRetryable, Err: fmt.Errorf("device up: %w", err)}
	}

	tnet.SetInboundHandler(func(pkt []byte) bool {
		cp := make([]byte, len(pkt))
		copy(cp, pkt)
		select {
		case c.inbound <- cp:
			return true
		default:
			return false // inbound channel full; drop rather than block the tunnel's read loop
		}
	})

	c.dev = dev
	c.tnet = tnet
	c.adapterIP = adapterIP
	c.dnsServers = parsed.DNSServers
	c.peerEndpoints = parsed.PeerEndpoints
	c.state = core.TunnelStateConnected
	core.Log.Infof("Modern", "tunnel %q connected (ip=%s, mtu=%d)", c.name, adapterIP, parsed.MTU)
	return nil
}

func (c *ModernClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == core.TunnelStateClosed {
		return nil
	}
	c.state = core.TunnelStateClosing
	if c.tnet != nil {
		c.tnet.SetInboundHandler(nil)
	}
	if c.dev != nil {
		c.dev.Close()
		c.dev = nil
		c.tnet = nil
	}
	c.state = core.TunnelStateClosed
	core.Log.Infof("Modern", "tunnel %q disconnected", c.name)
	return nil
}

func (c *ModernClient) State() core.TunnelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *ModernClient) Submit(pkt []byte) bool {
	c.mu.RLock()
	tnet := c.tnet
	connected := c.state == core.TunnelStateConnected
	c.mu.RUnlock()
	if !connected || tnet == nil {
		return false
	}
	return tnet.InjectOutbound(pkt)
}

func (c *ModernClient) Inbound() <-chan []byte { return c.inbound }

func (c *ModernClient) AssignedIP() (netip.Addr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adapterIP, c.adapterIP.IsValid()
}

func (c *ModernClient) DNSServers() []netip.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dnsServers
}

// PeerEndpoints returns the tunnel server endpoints parsed from the config,
// used by the bypass surface to route the tunnel's own transport traffic
// around the tunnel.
func (c *ModernClient) PeerEndpoints() []netip.AddrPort {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerEndpoints
}
