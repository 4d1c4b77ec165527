// Package memnet provides in-memory datagram network used to run several discovery nodes in one process.
package memnet

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/wsd"
)

const inboxSize = 256

// Network connects all the sockets opened through it.
type Network struct {
	mu       sync.Mutex
	conns    map[netip.AddrPort]*Conn
	nextPort uint16
}

// New creates empty network.
func New() *Network {
	return &Network{
		conns:    map[netip.AddrPort]*Conn{},
		nextPort: 40000,
	}
}

// Listen opens socket bound to addr. Port 0 selects ephemeral port.
func (n *Network) Listen(addr netip.AddrPort) (*Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if addr.Port() == 0 {
		for {
			n.nextPort++
			candidate := netip.AddrPortFrom(addr.Addr(), n.nextPort)
			if _, exists := n.conns[candidate]; !exists {
				addr = candidate
				break
			}
		}
	}
	if _, exists := n.conns[addr]; exists {
		return nil, errors.Errorf("address %s already in use", addr)
	}

	c := &Conn{
		network: n,
		local:   addr,
		inbox:   make(chan packet, inboxSize),
		closed:  make(chan struct{}),
		joined:  map[netip.Addr]struct{}{},
	}
	n.conns[addr] = c
	return c, nil
}

// Host returns the view of the network from host owning addr.
func (n *Network) Host(addr netip.Addr) *Host {
	return &Host{
		network: n,
		addr:    addr,
	}
}

func (n *Network) route(b []byte, src, dst netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if dst.Addr().IsMulticast() {
		for _, c := range n.conns {
			if c.local.Port() == dst.Port() && len(c.joined) > 0 {
				c.deliver(b, src)
			}
		}
		return
	}
	if c, exists := n.conns[dst]; exists {
		c.deliver(b, src)
	}
}

func (n *Network) remove(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conns[c.local] == c {
		delete(n.conns, c.local)
	}
}

var _ wsd.Network = &Host{}

// Host opens sockets on behalf of one node.
type Host struct {
	network *Network
	addr    netip.Addr
	opened  atomic.Int64
}

// Opened returns the number of sockets opened by the host.
func (h *Host) Opened() int {
	return int(h.opened.Load())
}

// ListenUnicast opens socket on ephemeral port of the host address.
func (h *Host) ListenUnicast() (net.PacketConn, error) {
	h.opened.Add(1)
	return h.network.Listen(netip.AddrPortFrom(h.addr, 0))
}

// ListenMulticast opens socket bound to the group port of the host address.
func (h *Host) ListenMulticast(group netip.AddrPort) (wsd.MulticastConn, error) {
	h.opened.Add(1)
	return h.network.Listen(netip.AddrPortFrom(h.addr, group.Port()))
}

// ListenSource opens socket on ephemeral port of addr.
func (h *Host) ListenSource(addr netip.Addr) (net.PacketConn, error) {
	h.opened.Add(1)
	return h.network.Listen(netip.AddrPortFrom(addr, 0))
}

type packet struct {
	Data   []byte
	Source netip.AddrPort
}

var _ wsd.MulticastConn = &Conn{}

// Conn is the in-memory datagram socket.
type Conn struct {
	network *Network
	local   netip.AddrPort
	inbox   chan packet

	closeOnce sync.Once
	closed    chan struct{}

	// guarded by network mutex
	joined map[netip.Addr]struct{}

	deadlineMu sync.Mutex
	deadline   time.Time
}

func (c *Conn) deliver(b []byte, src netip.AddrPort) {
	select {
	case c.inbox <- packet{Data: append([]byte(nil), b...), Source: src}:
	default:
	}
}

// ReadFrom reads one datagram.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.deadlineMu.Lock()
	deadline := c.deadline
	c.deadlineMu.Unlock()

	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-c.closed:
		return 0, nil, errors.WithStack(net.ErrClosed)
	case <-timeoutCh:
		return 0, nil, errors.WithStack(os.ErrDeadlineExceeded)
	case p := <-c.inbox:
		return copy(b, p.Data), net.UDPAddrFromAddrPort(p.Source), nil
	}
}

// WriteTo sends datagram to addr.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, errors.WithStack(net.ErrClosed)
	default:
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.Errorf("unsupported address %s", addr)
	}
	dst := udpAddr.AddrPort()
	c.network.route(b, c.local, netip.AddrPortFrom(dst.Addr().Unmap(), dst.Port()))
	return len(b), nil
}

// JoinGroup starts receiving datagrams sent to the group on the port of the socket.
func (c *Conn) JoinGroup(source netip.Addr) error {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()

	if _, exists := c.joined[source]; exists {
		return errors.Errorf("group already joined through %s", source)
	}
	c.joined[source] = struct{}{}
	return nil
}

// LeaveGroup stops receiving group datagrams through source.
func (c *Conn) LeaveGroup(source netip.Addr) error {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()

	if _, exists := c.joined[source]; !exists {
		return errors.Errorf("group not joined through %s", source)
	}
	delete(c.joined, source)
	return nil
}

// Close closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.remove(c)
	})
	return nil
}

// LocalAddr returns the address the socket is bound to.
func (c *Conn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.local)
}

// SetDeadline sets the read deadline.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()

	c.deadline = t
	return nil
}

// SetWriteDeadline does nothing because writes never block.
func (c *Conn) SetWriteDeadline(time.Time) error {
	return nil
}
