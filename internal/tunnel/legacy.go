package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"multitun/internal/bridge"
	"multitun/internal/core"
	"multitun/internal/tunnel/legacyengine"
)

// LegacyConfig holds a legacy tunnel's startup parameters: the raw
// key=value profile text the concrete engine parses for itself.
type LegacyConfig struct {
	Profile string
}

// LegacyClient implements Client over a legacyengine.Engine that insists on
// owning its own TUN device. A socket-pair bridge stands in for that
// device: the engine drives libSide believing it is a kernel TUN, while
// LegacyClient submits/receives packets through appSide.
type LegacyClient struct {
	mu     sync.RWMutex
	name   string
	cfg    LegacyConfig
	engine legacyengine.Engine
	state  core.TunnelState

	appSide      *bridge.Endpoint
	libSide      *bridge.Endpoint
	assignedIP   netip.Addr
	dnsServers   []netip.Addr
	peerEndpoint netip.AddrPort
	inbound      chan []byte
	readWG       sync.WaitGroup
	stopRead     chan struct{}
}

// NewLegacyClient creates a legacy tunnel client driving the given engine.
func NewLegacyClient(name string, cfg LegacyConfig, engine legacyengine.Engine) *LegacyClient {
	return &LegacyClient{
		name:    name,
		cfg:     cfg,
		engine:  engine,
		state:   core.TunnelStateInit,
		inbound: make(chan []byte, 256),
	}
}

func (c *LegacyClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = core.TunnelStateConnecting
	core.Log.Infof("Legacy", "connecting tunnel %q", c.name)

	appSide, libSide, err := bridge.NewPair()
	if err != nil {
		c.state = core.TunnelStateClosed
		return &ConnectError{Kind: ErrKindRetryable, Err: fmt.Errorf("create bridge pair: %w", err)}
	}

	result, err := c.engine.Connect(ctx, c.cfg.Profile, libSide)
	if err != nil {
		appSide.Close()
		libSide.Close()
		c.state = core.TunnelStateClosed
		return &ConnectError{Kind: ErrKindRetryable, Err: fmt.Errorf("legacy engine connect: %w", err)}
	}

	c.appSide = appSide
	c.libSide = libSide
	c.assignedIP = result.AssignedIP
	c.dnsServers = result.DNS
	c.peerEndpoint = result.RemoteAddr
	c.stopRead = make(chan struct{})

	c.readWG.Add(1)
	go c.readLoop(c.stopRead)

	c.state = core.TunnelStateConnected
	core.Log.Infof("Legacy", "tunnel %q connected (ip=%s, mtu=%d)", c.name, result.AssignedIP, result.MTU)
	return nil
}

// readLoop pumps packets arriving from the engine (via appSide) into the
// shared inbound channel, mirroring ModernClient's SetInboundHandler path.
func (c *LegacyClient) readLoop(stop chan struct{}) {
	defer c.readWG.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := c.appSide.ReadPacket(buf)
		if err != nil {
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case c.inbound <- cp:
		default:
			// inbound channel full; drop rather than block the read loop
		}
	}
}

// Disconnect tears the session down in app_fd -> signal-stop -> lib_fd
// order: closing appSide first unblocks the read loop's pending Read, the
// stop channel prevents a spurious retry, and the engine's own Disconnect,
// which closes libSide (the TUN it was handed in Connect), releases the
// library side last.
func (c *LegacyClient) Disconnect() error {
	c.mu.Lock()
	if c.state == core.TunnelStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = core.TunnelStateClosing
	appSide := c.appSide
	stop := c.stopRead
	c.mu.Unlock()

	if appSide != nil {
		appSide.Close()
	}
	if stop != nil {
		close(stop)
	}
	c.readWG.Wait()

	if err := c.engine.Disconnect(); err != nil {
		core.Log.Warnf("Legacy", "tunnel %q engine disconnect error: %v", c.name, err)
	}

	c.mu.Lock()
	c.appSide = nil
	c.libSide = nil
	c.state = core.TunnelStateClosed
	c.mu.Unlock()
	core.Log.Infof("Legacy", "tunnel %q disconnected", c.name)
	return nil
}

func (c *LegacyClient) State() core.TunnelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *LegacyClient) Submit(pkt []byte) bool {
	c.mu.RLock()
	appSide := c.appSide
	connected := c.state == core.TunnelStateConnected
	c.mu.RUnlock()
	if !connected || appSide == nil {
		return false
	}
	if err := appSide.WritePacket(pkt); err != nil {
		return false
	}
	return true
}

func (c *LegacyClient) Inbound() <-chan []byte { return c.inbound }

func (c *LegacyClient) AssignedIP() (netip.Addr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assignedIP, c.assignedIP.IsValid()
}

func (c *LegacyClient) DNSServers() []netip.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dnsServers
}

// PeerEndpoints returns the legacy engine's dialed server endpoint, used by
// the bypass surface to route the tunnel's own transport traffic around the
// tunnel.
func (c *LegacyClient) PeerEndpoints() []netip.AddrPort {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.peerEndpoint.IsValid() {
		return nil
	}
	return []netip.AddrPort{c.peerEndpoint}
}
