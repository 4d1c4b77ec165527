package wsd

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/outofforest/wsd/wire"
)

// IPPlaceholder is replaced in published xAddrs by every non-loopback local address.
const IPPlaceholder = "{ip}"

// Service is an entry of the local or remote registry.
type Service struct {
	EPR             wire.EPR
	Types           []wire.QName
	Scopes          []wire.Scope
	XAddrs          []string
	InstanceID      uint64
	MessageNumber   uint64
	MetadataVersion uint64
}

func serviceFromMatch(m wire.ProbeResolveMatch) Service {
	return Service{
		EPR:             m.EPR,
		Types:           m.Types,
		Scopes:          m.Scopes,
		XAddrs:          m.XAddrs,
		MetadataVersion: m.MetadataVersion,
	}
}

// expand returns copy of the service with placeholders in xAddrs substituted by addrs.
func (s Service) expand(addrs []netip.Addr) Service {
	s.XAddrs = expandXAddrs(s.XAddrs, addrs)
	return s
}

func (s Service) match() wire.ProbeResolveMatch {
	return wire.ProbeResolveMatch{
		EPR:             s.EPR,
		Types:           s.Types,
		Scopes:          s.Scopes,
		XAddrs:          s.XAddrs,
		MetadataVersion: s.MetadataVersion,
	}
}

func expandXAddrs(xAddrs []string, addrs []netip.Addr) []string {
	result := make([]string, 0, len(xAddrs))
	for _, x := range xAddrs {
		if !strings.Contains(x, IPPlaceholder) {
			result = append(result, x)
			continue
		}
		for _, a := range addrs {
			if a.IsLoopback() {
				continue
			}
			result = append(result, strings.ReplaceAll(x, IPPlaceholder, a.String()))
		}
	}
	return result
}

// matchesFilter reports whether service has every requested type and a matching scope for every requested one.
func matchesFilter(s Service, types []wire.QName, scopes []wire.Scope) bool {
	for _, t := range types {
		if !slices.ContainsFunc(s.Types, func(registered wire.QName) bool {
			return wire.MatchType(t, registered)
		}) {
			return false
		}
	}
	for _, q := range scopes {
		if !slices.ContainsFunc(s.Scopes, func(registered wire.Scope) bool {
			return wire.MatchScope(q.Value, registered.Value, q.MatchBy)
		}) {
			return false
		}
	}
	return true
}

func filterServices(services []Service, types []wire.QName, scopes []wire.Scope) []Service {
	result := make([]Service, 0, len(services))
	for _, s := range services {
		if matchesFilter(s, types, scopes) {
			result = append(result, s)
		}
	}
	return result
}
