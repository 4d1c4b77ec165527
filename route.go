package wsd

import (
	"net/netip"

	"github.com/outofforest/wsd/wire"
)

// route decides where probes and resolves go.
type route interface {
	target(group netip.AddrPort) (dest netip.AddrPort, mode Mode, to string)
}

// directRoute multicasts queries to the group.
type directRoute struct{}

func (directRoute) target(group netip.AddrPort) (netip.AddrPort, Mode, string) {
	return group, Multicast, wire.AddressAll
}

// proxyRoute sends queries to the discovery proxy which suppressed multicast.
type proxyRoute struct {
	Addr  netip.AddrPort
	EPR   wire.EPR
	XAddr string
}

func (r proxyRoute) target(netip.AddrPort) (netip.AddrPort, Mode, string) {
	return r.Addr, Unicast, r.XAddr
}
