package wsd

import (
	"net"
	"net/netip"
)

// Network opens the sockets used by the transport.
type Network interface {
	// ListenUnicast opens the socket sending unicast datagrams and receiving replies to them.
	ListenUnicast() (net.PacketConn, error)

	// ListenMulticast opens the socket bound to the group port, receiving datagrams sent to the group.
	ListenMulticast(group netip.AddrPort) (MulticastConn, error)

	// ListenSource opens the socket sending multicast datagrams through the interface owning addr.
	ListenSource(addr netip.Addr) (net.PacketConn, error)
}

// MulticastConn is the socket receiving multicast datagrams.
type MulticastConn interface {
	net.PacketConn

	// JoinGroup joins the group on the interface owning source address.
	JoinGroup(source netip.Addr) error

	// LeaveGroup leaves the group on the interface owning source address.
	LeaveGroup(source netip.Addr) error
}

// AddressSource enumerates non-loopback local addresses.
type AddressSource func() ([]netip.Addr, error)

func addrPortOf(addr net.Addr) netip.AddrPort {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		ap := udpAddr.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}
