package wire

import (
	"strings"

	"github.com/pkg/errors"
)

// Namespaces used by the protocol.
const (
	NamespaceAddressing = "http://schemas.xmlsoap.org/ws/2004/08/addressing"
	NamespaceDiscovery  = "http://schemas.xmlsoap.org/ws/2005/04/discovery"
	NamespaceSOAP       = "http://www.w3.org/2003/05/soap-envelope"
)

// Well-known destination addresses.
const (
	AddressAll     = "urn:schemas-xmlsoap-org:ws:2005:04:discovery"
	AddressUnknown = "http://schemas.xmlsoap.org/ws/2004/08/addressing/role/anonymous"
)

type (
	// EPR is the endpoint reference identifying one service instance.
	EPR string

	// MatchBy identifies the scope matching algorithm.
	MatchBy string
)

// Scope matching algorithms. Empty MatchBy selects the default (rfc2396).
const (
	MatchByDefault MatchBy = ""
	MatchByLDAP    MatchBy = NamespaceDiscovery + "/ldap"
	MatchByURI     MatchBy = NamespaceDiscovery + "/rfc2396"
	MatchByUUID    MatchBy = NamespaceDiscovery + "/uuid"
	MatchByStrcmp  MatchBy = NamespaceDiscovery + "/strcmp0"
)

// Action is the protocol action carried by an envelope.
type Action uint8

// Protocol actions.
const (
	ActionUnknown Action = iota
	ActionHello
	ActionBye
	ActionProbe
	ActionProbeMatches
	ActionResolve
	ActionResolveMatches
)

var actionURIs = map[Action]string{
	ActionHello:          NamespaceDiscovery + "/Hello",
	ActionBye:            NamespaceDiscovery + "/Bye",
	ActionProbe:          NamespaceDiscovery + "/Probe",
	ActionProbeMatches:   NamespaceDiscovery + "/ProbeMatches",
	ActionResolve:        NamespaceDiscovery + "/Resolve",
	ActionResolveMatches: NamespaceDiscovery + "/ResolveMatches",
}

// URI returns the action identifier used on the wire.
func (a Action) URI() string {
	return actionURIs[a]
}

func (a Action) String() string {
	if uri, exists := actionURIs[a]; exists {
		return uri[strings.LastIndexByte(uri, '/')+1:]
	}
	return "Unknown"
}

// ActionFromURI returns the action identified by uri.
func ActionFromURI(uri string) (Action, error) {
	for a, u := range actionURIs {
		if u == uri {
			return a, nil
		}
	}
	return ActionUnknown, errors.Errorf("unknown action %q", uri)
}

// QName is a namespace-qualified name.
type QName struct {
	Namespace string
	Local     string
}

// String renders the full name.
func (q QName) String() string {
	return q.Namespace + ":" + q.Local
}

// ParseQName parses the full name rendered by String. The local name follows the last colon.
func ParseQName(s string) (QName, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return QName{}, errors.Errorf("invalid qualified name %q", s)
	}
	return QName{Namespace: s[:i], Local: s[i+1:]}, nil
}

// ErrMixedMatchBy is returned for scope lists using more than one matching algorithm.
// The wire form carries a single MatchBy attribute per scope list.
var ErrMixedMatchBy = errors.New("scopes use different matching algorithms")

// Scope is a scope value together with the algorithm used to match it.
// All the scopes sent in one message must use the same algorithm.
type Scope struct {
	Value   string
	MatchBy MatchBy
}

func (s Scope) String() string {
	if s.MatchBy == MatchByDefault {
		return s.Value
	}
	return string(s.MatchBy) + ":" + s.Value
}

// CheckScopes verifies that scopes can be encoded as a single scope list.
func CheckScopes(scopes []Scope) error {
	for _, s := range scopes {
		if s.MatchBy != scopes[0].MatchBy {
			return errors.Wrapf(ErrMixedMatchBy, "%q and %q", scopes[0].MatchBy, s.MatchBy)
		}
	}
	return nil
}

// ProbeResolveMatch is one answer to a probe or resolve.
type ProbeResolveMatch struct {
	EPR             EPR
	Types           []QName
	Scopes          []Scope
	XAddrs          []string
	MetadataVersion uint64
}

// AppSequence orders announcements sent by one service instance.
type AppSequence struct {
	InstanceID    uint64
	SequenceID    string
	MessageNumber uint64
}

// Envelope is the in-memory representation of one protocol message.
type Envelope struct {
	Action           Action
	MessageID        string
	RelatesTo        string
	RelationshipType QName
	To               string
	ReplyTo          string
	AppSequence      AppSequence

	EPR             EPR
	Types           []QName
	Scopes          []Scope
	XAddrs          []string
	MetadataVersion uint64

	Matches []ProbeResolveMatch
}

// Suppression is the relationship type announced by a discovery proxy.
var Suppression = QName{Namespace: NamespaceDiscovery, Local: "Suppression"}
