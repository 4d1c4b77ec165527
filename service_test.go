package wsd

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/wsd/wire"
)

var (
	typePrinter = wire.QName{Namespace: "http://example.com/printing", Local: "Printer"}
	typeScanner = wire.QName{Namespace: "http://example.com/printing", Local: "Scanner"}
)

func TestExpandXAddrs(t *testing.T) {
	requireT := require.New(t)

	xAddrs := []string{"http://{ip}:8080/svc", "soap.udp://fixed:3702"}
	addrs := []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("127.0.0.1"),
		netip.MustParseAddr("192.168.1.5"),
	}

	requireT.Equal([]string{
		"http://10.0.0.1:8080/svc",
		"http://192.168.1.5:8080/svc",
		"soap.udp://fixed:3702",
	}, expandXAddrs(xAddrs, addrs))

	requireT.Equal([]string{"soap.udp://fixed:3702"},
		expandXAddrs(xAddrs, []netip.Addr{netip.MustParseAddr("127.0.0.1")}))
	requireT.Empty(expandXAddrs([]string{"http://{ip}/"}, nil))
}

func TestExpandKeepsStoredXAddrs(t *testing.T) {
	requireT := require.New(t)

	s := Service{XAddrs: []string{"http://{ip}/"}}
	expanded := s.expand([]netip.Addr{netip.MustParseAddr("10.0.0.1")})

	requireT.Equal([]string{"http://10.0.0.1/"}, expanded.XAddrs)
	requireT.Equal([]string{"http://{ip}/"}, s.XAddrs)
}

func TestMatchesFilter(t *testing.T) {
	requireT := require.New(t)

	s := Service{
		Types: []wire.QName{typePrinter, typeScanner},
		Scopes: []wire.Scope{
			{Value: "http://example.com/building/floor1"},
			{Value: "ldap:///ou=floor1,o=example"},
		},
	}

	requireT.True(matchesFilter(s, nil, nil))
	requireT.True(matchesFilter(s, []wire.QName{typePrinter}, nil))
	requireT.True(matchesFilter(s, []wire.QName{typePrinter, typeScanner}, nil))
	requireT.False(matchesFilter(s, []wire.QName{{Namespace: "http://example.com/other", Local: "Printer"}}, nil))

	requireT.True(matchesFilter(s, nil, []wire.Scope{{Value: "http://example.com/building"}}))
	requireT.True(matchesFilter(s, nil, []wire.Scope{{Value: "ldap:///o=example", MatchBy: wire.MatchByLDAP}}))
	requireT.False(matchesFilter(s, nil, []wire.Scope{{Value: "http://example.com/building/floor2"}}))
	requireT.False(matchesFilter(s, nil, []wire.Scope{
		{Value: "http://example.com/building"},
		{Value: "http://example.com/garage"},
	}))
	requireT.False(matchesFilter(s, nil, []wire.Scope{{Value: "http://example.com/building", MatchBy: wire.MatchByStrcmp}}))
}

func TestFilterServices(t *testing.T) {
	requireT := require.New(t)

	services := []Service{
		{EPR: "urn:uuid:1", Types: []wire.QName{typePrinter}},
		{EPR: "urn:uuid:2", Types: []wire.QName{typeScanner}},
		{EPR: "urn:uuid:3", Types: []wire.QName{typePrinter, typeScanner}},
	}

	result := filterServices(services, []wire.QName{typePrinter}, nil)
	requireT.Len(result, 2)
	requireT.Equal(wire.EPR("urn:uuid:1"), result[0].EPR)
	requireT.Equal(wire.EPR("urn:uuid:3"), result[1].EPR)
	requireT.Len(filterServices(services, nil, nil), 3)
}

func TestRegistry(t *testing.T) {
	requireT := require.New(t)

	r := newRegistry()
	r.Upsert(Service{EPR: "urn:uuid:b", MessageNumber: 1})
	r.Upsert(Service{EPR: "urn:uuid:a"})
	r.Upsert(Service{EPR: "urn:uuid:b", MessageNumber: 5})

	snapshot := r.Snapshot()
	requireT.Len(snapshot, 2)
	requireT.Equal(wire.EPR("urn:uuid:a"), snapshot[0].EPR)
	requireT.Equal(uint64(5), snapshot[1].MessageNumber)

	requireT.True(r.Update("urn:uuid:b", func(s *Service) { s.MessageNumber++ }))
	s, exists := r.Get("urn:uuid:b")
	requireT.True(exists)
	requireT.Equal(uint64(6), s.MessageNumber)
	requireT.False(r.Update("urn:uuid:missing", func(s *Service) { s.MessageNumber++ }))

	requireT.True(r.Remove("urn:uuid:a"))
	requireT.False(r.Remove("urn:uuid:a"))
	requireT.Len(r.Clear(), 1)
	requireT.Empty(r.Snapshot())
}

func TestRouteTarget(t *testing.T) {
	requireT := require.New(t)

	group := DefaultConfig().Group

	dest, mode, to := directRoute{}.target(group)
	requireT.Equal(group, dest)
	requireT.Equal(Multicast, mode)
	requireT.Equal(wire.AddressAll, to)

	proxy := proxyRoute{
		Addr:  netip.MustParseAddrPort("10.0.0.50:3702"),
		EPR:   "urn:uuid:proxy",
		XAddr: "soap.udp://10.0.0.50:3702",
	}
	dest, mode, to = proxy.target(group)
	requireT.Equal(proxy.Addr, dest)
	requireT.Equal(Unicast, mode)
	requireT.Equal(proxy.XAddr, to)
}
