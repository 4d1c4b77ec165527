package wire

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultPort is the well-known discovery port.
const DefaultPort = 3702

// MatchType reports whether probed type matches registered one.
func MatchType(probe, registered QName) bool {
	return probe == registered
}

// MatchScope reports whether probed scope value matches registered one using algorithm selected by the probe.
func MatchScope(probe, registered string, matchBy MatchBy) bool {
	switch matchBy {
	case MatchByDefault, MatchByURI:
		return matchURI(probe, registered)
	case MatchByLDAP:
		return matchLDAP(probe, registered)
	case MatchByUUID:
		p, err := uuid.Parse(probe)
		if err != nil {
			return false
		}
		r, err := uuid.Parse(registered)
		if err != nil {
			return false
		}
		return p == r
	case MatchByStrcmp:
		return probe == registered
	default:
		return false
	}
}

func matchURI(probe, registered string) bool {
	p, err := url.Parse(probe)
	if err != nil {
		return false
	}
	r, err := url.Parse(registered)
	if err != nil {
		return false
	}
	if !strings.EqualFold(p.Scheme, r.Scheme) || !strings.EqualFold(p.Host, r.Host) ||
		p.User.String() != r.User.String() {
		return false
	}

	pSegments := pathSegments(p)
	rSegments := pathSegments(r)
	if len(pSegments) > len(rSegments) {
		return false
	}
	for i, s := range pSegments {
		if s != rSegments[i] {
			return false
		}
	}
	return true
}

func pathSegments(u *url.URL) []string {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	segments := []string{}
	for _, s := range strings.Split(path, "/") {
		if s != "" && s != "." {
			segments = append(segments, s)
		}
	}
	return segments
}

func matchLDAP(probe, registered string) bool {
	pRDNs, ok := ldapRDNs(probe)
	if !ok {
		return false
	}
	rRDNs, ok := ldapRDNs(registered)
	if !ok || len(pRDNs) > len(rRDNs) {
		return false
	}

	// The least specific RDNs come last, so the probe must be a suffix.
	offset := len(rRDNs) - len(pRDNs)
	for i, rdn := range pRDNs {
		if !strings.EqualFold(rdn, rRDNs[offset+i]) {
			return false
		}
	}
	return true
}

func ldapRDNs(s string) ([]string, bool) {
	u, err := url.Parse(s)
	if err != nil || !strings.EqualFold(u.Scheme, "ldap") {
		return nil, false
	}
	dn := strings.TrimPrefix(u.Path, "/")
	if dn == "" {
		return []string{}, true
	}
	rdns := strings.Split(dn, ",")
	for i, rdn := range rdns {
		rdns[i] = strings.Join(strings.Fields(rdn), "")
	}
	return rdns, true
}

// ExtractUnicastAddress returns host and port addressed by soap.udp URI.
func ExtractUnicastAddress(uri string) (string, uint16, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid address %q", uri)
	}
	if !strings.EqualFold(u.Scheme, "soap.udp") {
		return "", 0, errors.Errorf("address %q is not a soap.udp address", uri)
	}

	hostPort := u.Host
	if hostPort == "" {
		hostPort = strings.TrimPrefix(u.Opaque, "//")
		if i := strings.IndexByte(hostPort, '/'); i >= 0 {
			hostPort = hostPort[:i]
		}
	}
	if hostPort == "" {
		return "", 0, errors.Errorf("address %q has no host", uri)
	}

	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return strings.Trim(hostPort, "[]"), DefaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, errors.Errorf("address %q has invalid port", uri)
	}
	return host, uint16(port), nil
}
