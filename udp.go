package wsd

import (
	"context"
	"net"
	"net/netip"
	"strconv"

	"github.com/pkg/errors"
	"github.com/wlynxg/anet"
	"golang.org/x/net/ipv4"
)

var _ Network = UDPNetwork{}

// UDPNetwork opens real IPv4 UDP sockets.
type UDPNetwork struct{}

// ListenUnicast opens socket on ephemeral port.
func (UDPNetwork) ListenUnicast() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return conn, nil
}

// ListenMulticast opens socket bound to the group port with address reuse enabled.
func (UDPNetwork) ListenMulticast(group netip.AddrPort) (MulticastConn, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4",
		net.JoinHostPort("0.0.0.0", strconv.Itoa(int(group.Port()))))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &udpMulticastConn{
		PacketConn: conn,
		pc:         ipv4.NewPacketConn(conn),
		group:      &net.UDPAddr{IP: group.Addr().AsSlice()},
	}, nil
}

// ListenSource opens socket sending multicast datagrams through the interface owning addr.
func (UDPNetwork) ListenSource(addr netip.Addr) (net.PacketConn, error) {
	ifi, err := interfaceByAddr(addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort(addr.String(), "0"))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastInterface(ifi); err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}
	if err := pc.SetMulticastTTL(1); err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}
	return conn, nil
}

type udpMulticastConn struct {
	net.PacketConn

	pc    *ipv4.PacketConn
	group *net.UDPAddr
}

func (c *udpMulticastConn) JoinGroup(source netip.Addr) error {
	ifi, err := interfaceByAddr(source)
	if err != nil {
		return err
	}
	return errors.WithStack(c.pc.JoinGroup(ifi, c.group))
}

func (c *udpMulticastConn) LeaveGroup(source netip.Addr) error {
	ifi, err := interfaceByAddr(source)
	if err != nil {
		return err
	}
	return errors.WithStack(c.pc.LeaveGroup(ifi, c.group))
}

func interfaceByAddr(addr netip.Addr) (*net.Interface, error) {
	ifaces, err := anet.Interfaces()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for i := range ifaces {
		addrs, err := anet.InterfaceAddrsByInterface(&ifaces[i])
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ip, ok := ipOf(a); ok && ip == addr {
				return &ifaces[i], nil
			}
		}
	}
	return nil, errors.Errorf("no interface owns address %s", addr)
}

func ipOf(addr net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPNet:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return netip.Addr{}, false
	}
	na, ok := netip.AddrFromSlice(ip)
	return na.Unmap(), ok
}

// LocalAddresses returns non-loopback IPv4 addresses of local interfaces.
func LocalAddresses() ([]netip.Addr, error) {
	addrs, err := anet.InterfaceAddrs()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	result := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ip, ok := ipOf(a)
		if !ok || !ip.Is4() || ip.IsLoopback() {
			continue
		}
		result = append(result, ip)
	}
	return result, nil
}
