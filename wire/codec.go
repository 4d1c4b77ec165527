package wire

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformed is returned when datagram is not a valid envelope.
	ErrMalformed = errors.New("malformed envelope")

	// ErrFault is returned when envelope carries a SOAP fault.
	ErrFault = errors.New("fault envelope")
)

type xmlEnvelope struct {
	XMLName xml.Name  `xml:"http://www.w3.org/2003/05/soap-envelope Envelope"`
	Header  xmlHeader `xml:"http://www.w3.org/2003/05/soap-envelope Header"`
	Body    xmlBody   `xml:"http://www.w3.org/2003/05/soap-envelope Body"`
}

type xmlHeader struct {
	Action      string          `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing Action"`
	MessageID   string          `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing MessageID"`
	To          string          `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing To"`
	ReplyTo     *xmlEPR         `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing ReplyTo"`
	RelatesTo   *xmlRelatesTo   `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing RelatesTo"`
	AppSequence *xmlAppSequence `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery AppSequence"`
}

type xmlEPR struct {
	Address string `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing Address"`
}

type xmlRelatesTo struct {
	Namespaces       []xml.Attr `xml:",any,attr"`
	RelationshipType string     `xml:"RelationshipType,attr,omitempty"`
	Value            string     `xml:",chardata"`

	offset int64
}

func (x *xmlRelatesTo) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	type plain xmlRelatesTo
	offset := d.InputOffset()
	if err := d.DecodeElement((*plain)(x), &start); err != nil {
		return err
	}
	x.offset = offset
	return nil
}

type xmlAppSequence struct {
	InstanceID    string `xml:"InstanceId,attr"`
	SequenceID    string `xml:"SequenceId,attr,omitempty"`
	MessageNumber string `xml:"MessageNumber,attr"`
}

type xmlQNames struct {
	Namespaces []xml.Attr `xml:",any,attr"`
	Value      string     `xml:",chardata"`

	offset int64
}

// UnmarshalXML records where the element starts so its value is resolved
// against the namespace bindings in scope there.
func (x *xmlQNames) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	type plain xmlQNames
	offset := d.InputOffset()
	if err := d.DecodeElement((*plain)(x), &start); err != nil {
		return err
	}
	x.offset = offset
	return nil
}

type xmlScopes struct {
	MatchBy string `xml:"MatchBy,attr,omitempty"`
	Value   string `xml:",chardata"`
}

type xmlBody struct {
	Fault          *struct{}          `xml:"http://www.w3.org/2003/05/soap-envelope Fault"`
	Hello          *xmlAnnouncement   `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Hello"`
	Bye            *xmlAnnouncement   `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Bye"`
	Probe          *xmlProbe          `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Probe"`
	ProbeMatches   *xmlProbeMatches   `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery ProbeMatches"`
	Resolve        *xmlResolve        `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Resolve"`
	ResolveMatches *xmlResolveMatches `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery ResolveMatches"`
}

type xmlAnnouncement struct {
	EndpointReference *xmlEPR    `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing EndpointReference"`
	Types             *xmlQNames `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Types"`
	Scopes            *xmlScopes `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Scopes"`
	XAddrs            *string    `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery XAddrs"`
	MetadataVersion   *string    `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery MetadataVersion"`
}

type xmlProbe struct {
	Types  *xmlQNames `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Types"`
	Scopes *xmlScopes `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery Scopes"`
}

type xmlProbeMatches struct {
	Matches []xmlAnnouncement `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery ProbeMatch"`
}

type xmlResolve struct {
	EndpointReference *xmlEPR `xml:"http://schemas.xmlsoap.org/ws/2004/08/addressing EndpointReference"`
}

type xmlResolveMatches struct {
	Matches []xmlAnnouncement `xml:"http://schemas.xmlsoap.org/ws/2005/04/discovery ResolveMatch"`
}

// Encode serializes envelope to its wire form. Scope lists mixing matching algorithms are rejected
// with ErrMixedMatchBy.
func Encode(env *Envelope) ([]byte, error) {
	if env.Action == ActionUnknown {
		return nil, errors.New("envelope action not set")
	}
	if env.MessageID == "" {
		return nil, errors.New("envelope message ID not set")
	}

	p := &prefixes{}
	x := xmlEnvelope{
		Header: xmlHeader{
			Action:    env.Action.URI(),
			MessageID: env.MessageID,
			To:        env.To,
		},
	}

	if env.ReplyTo != "" {
		x.Header.ReplyTo = &xmlEPR{Address: env.ReplyTo}
	}
	if env.RelatesTo != "" {
		x.Header.RelatesTo = &xmlRelatesTo{Value: env.RelatesTo}
		if env.RelationshipType != (QName{}) {
			var value string
			value, x.Header.RelatesTo.Namespaces = p.encode([]QName{env.RelationshipType})
			x.Header.RelatesTo.RelationshipType = value
		}
	}
	if env.AppSequence.InstanceID > 0 {
		x.Header.AppSequence = &xmlAppSequence{
			InstanceID:    strconv.FormatUint(env.AppSequence.InstanceID, 10),
			SequenceID:    env.AppSequence.SequenceID,
			MessageNumber: strconv.FormatUint(env.AppSequence.MessageNumber, 10),
		}
	}

	var err error
	switch env.Action {
	case ActionHello:
		x.Body.Hello, err = p.encodeAnnouncement(ProbeResolveMatch{
			EPR:             env.EPR,
			Types:           env.Types,
			Scopes:          env.Scopes,
			XAddrs:          env.XAddrs,
			MetadataVersion: env.MetadataVersion,
		})
	case ActionBye:
		x.Body.Bye = &xmlAnnouncement{EndpointReference: &xmlEPR{Address: string(env.EPR)}}
	case ActionProbe:
		x.Body.Probe = &xmlProbe{Types: p.encodeTypes(env.Types)}
		x.Body.Probe.Scopes, err = encodeScopes(env.Scopes)
	case ActionProbeMatches:
		x.Body.ProbeMatches = &xmlProbeMatches{Matches: make([]xmlAnnouncement, 0, len(env.Matches))}
		for _, m := range env.Matches {
			var a *xmlAnnouncement
			if a, err = p.encodeAnnouncement(m); err != nil {
				break
			}
			x.Body.ProbeMatches.Matches = append(x.Body.ProbeMatches.Matches, *a)
		}
	case ActionResolve:
		x.Body.Resolve = &xmlResolve{EndpointReference: &xmlEPR{Address: string(env.EPR)}}
	case ActionResolveMatches:
		x.Body.ResolveMatches = &xmlResolveMatches{}
		if len(env.Matches) > 0 {
			var a *xmlAnnouncement
			if a, err = p.encodeAnnouncement(env.Matches[0]); err == nil {
				x.Body.ResolveMatches.Matches = []xmlAnnouncement{*a}
			}
		}
	}
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBufferString(xml.Header)
	if err := xml.NewEncoder(buf).Encode(x); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

// Decode parses envelope from its wire form.
func Decode(data []byte) (*Envelope, error) {
	var x xmlEnvelope
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if x.Body.Fault != nil {
		return nil, errors.WithStack(ErrFault)
	}

	action, err := ActionFromURI(strings.TrimSpace(x.Header.Action))
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	env := &Envelope{
		Action:          action,
		MessageID:       strings.TrimSpace(x.Header.MessageID),
		To:              strings.TrimSpace(x.Header.To),
		MetadataVersion: 1,
	}
	if env.MessageID == "" {
		return nil, errors.Wrap(ErrMalformed, "missing MessageID")
	}
	if env.To == "" {
		return nil, errors.Wrap(ErrMalformed, "missing To")
	}

	ns, err := scanNamespaces(data)
	if err != nil {
		return nil, err
	}

	if x.Header.ReplyTo != nil {
		env.ReplyTo = strings.TrimSpace(x.Header.ReplyTo.Address)
	}
	if x.Header.RelatesTo != nil {
		env.RelatesTo = strings.TrimSpace(x.Header.RelatesTo.Value)
		if rt := strings.TrimSpace(x.Header.RelatesTo.RelationshipType); rt != "" {
			q, err := ns.at(x.Header.RelatesTo.offset).resolve(rt)
			if err != nil {
				return nil, err
			}
			env.RelationshipType = q
		}
	}
	if x.Header.AppSequence != nil {
		if env.AppSequence, err = decodeAppSequence(x.Header.AppSequence); err != nil {
			return nil, err
		}
	}

	switch action {
	case ActionHello:
		m, err := ns.decodeAnnouncement(x.Body.Hello, false)
		if err != nil {
			return nil, err
		}
		env.EPR = m.EPR
		env.Types = m.Types
		env.Scopes = m.Scopes
		env.XAddrs = m.XAddrs
		env.MetadataVersion = m.MetadataVersion
	case ActionBye:
		if x.Body.Bye == nil {
			return nil, errors.Wrap(ErrMalformed, "missing Bye")
		}
		if env.EPR, err = decodeEPR(x.Body.Bye.EndpointReference); err != nil {
			return nil, err
		}
	case ActionProbe:
		if x.Body.Probe != nil {
			if env.Types, err = ns.decodeTypes(x.Body.Probe.Types); err != nil {
				return nil, err
			}
			env.Scopes = decodeScopes(x.Body.Probe.Scopes)
		}
	case ActionProbeMatches:
		if env.RelatesTo == "" {
			return nil, errors.Wrap(ErrMalformed, "missing RelatesTo")
		}
		if x.Body.ProbeMatches != nil {
			for i := range x.Body.ProbeMatches.Matches {
				m, err := ns.decodeAnnouncement(&x.Body.ProbeMatches.Matches[i], false)
				if err != nil {
					return nil, err
				}
				env.Matches = append(env.Matches, m)
			}
		}
	case ActionResolve:
		if x.Body.Resolve == nil {
			return nil, errors.Wrap(ErrMalformed, "missing Resolve")
		}
		if env.EPR, err = decodeEPR(x.Body.Resolve.EndpointReference); err != nil {
			return nil, err
		}
	case ActionResolveMatches:
		if env.RelatesTo == "" {
			return nil, errors.Wrap(ErrMalformed, "missing RelatesTo")
		}
		if x.Body.ResolveMatches != nil && len(x.Body.ResolveMatches.Matches) > 0 {
			m, err := ns.decodeAnnouncement(&x.Body.ResolveMatches.Matches[0], true)
			if err != nil {
				return nil, err
			}
			env.Matches = []ProbeResolveMatch{m}
		}
	}

	return env, nil
}

func (p *prefixes) encodeAnnouncement(m ProbeResolveMatch) (*xmlAnnouncement, error) {
	scopes, err := encodeScopes(m.Scopes)
	if err != nil {
		return nil, err
	}

	metadataVersion := strconv.FormatUint(m.MetadataVersion, 10)
	a := &xmlAnnouncement{
		EndpointReference: &xmlEPR{Address: string(m.EPR)},
		Types:             p.encodeTypes(m.Types),
		Scopes:            scopes,
		MetadataVersion:   &metadataVersion,
	}
	if len(m.XAddrs) > 0 {
		xAddrs := strings.Join(m.XAddrs, " ")
		a.XAddrs = &xAddrs
	}
	return a, nil
}

func (p *prefixes) encodeTypes(types []QName) *xmlQNames {
	if len(types) == 0 {
		return nil
	}
	value, attrs := p.encode(types)
	return &xmlQNames{Namespaces: attrs, Value: value}
}

func encodeScopes(scopes []Scope) (*xmlScopes, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	if err := CheckScopes(scopes); err != nil {
		return nil, err
	}
	values := make([]string, 0, len(scopes))
	for _, s := range scopes {
		values = append(values, strings.ReplaceAll(s.Value, " ", "%20"))
	}
	return &xmlScopes{
		MatchBy: string(scopes[0].MatchBy),
		Value:   strings.Join(values, " "),
	}, nil
}

func decodeScopes(x *xmlScopes) []Scope {
	if x == nil {
		return nil
	}
	matchBy := MatchBy(strings.TrimSpace(x.MatchBy))
	fields := strings.Fields(x.Value)
	scopes := make([]Scope, 0, len(fields))
	for _, f := range fields {
		scopes = append(scopes, Scope{
			Value:   strings.ReplaceAll(f, "%20", " "),
			MatchBy: matchBy,
		})
	}
	return scopes
}

func decodeEPR(x *xmlEPR) (EPR, error) {
	if x == nil {
		return "", errors.Wrap(ErrMalformed, "missing EndpointReference")
	}
	epr := strings.TrimSpace(x.Address)
	if epr == "" {
		return "", errors.Wrap(ErrMalformed, "missing Address")
	}
	return EPR(epr), nil
}

func decodeAppSequence(x *xmlAppSequence) (AppSequence, error) {
	instanceID, err := strconv.ParseUint(strings.TrimSpace(x.InstanceID), 10, 64)
	if err != nil {
		return AppSequence{}, errors.Wrapf(ErrMalformed, "invalid InstanceId %q", x.InstanceID)
	}
	messageNumber, err := strconv.ParseUint(strings.TrimSpace(x.MessageNumber), 10, 64)
	if err != nil {
		return AppSequence{}, errors.Wrapf(ErrMalformed, "invalid MessageNumber %q", x.MessageNumber)
	}
	return AppSequence{
		InstanceID:    instanceID,
		SequenceID:    strings.TrimSpace(x.SequenceID),
		MessageNumber: messageNumber,
	}, nil
}

func decodeMetadataVersion(s *string) (uint64, error) {
	if s == nil {
		return 0, errors.Wrap(ErrMalformed, "missing MetadataVersion")
	}
	v, err := strconv.ParseUint(strings.TrimSpace(*s), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "invalid MetadataVersion %q", *s)
	}
	return v, nil
}

// prefixes assigns namespace prefixes consistently across the whole envelope.
type prefixes struct {
	byNamespace map[string]string
}

func (p *prefixes) encode(names []QName) (string, []xml.Attr) {
	if p.byNamespace == nil {
		p.byNamespace = map[string]string{}
	}

	values := make([]string, 0, len(names))
	declared := map[string]struct{}{}
	var attrs []xml.Attr
	for _, q := range names {
		prefix, exists := p.byNamespace[q.Namespace]
		if !exists {
			prefix = fmt.Sprintf("wsd%d", len(p.byNamespace))
			p.byNamespace[q.Namespace] = prefix
		}
		if _, exists := declared[prefix]; !exists {
			declared[prefix] = struct{}{}
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "xmlns:" + prefix}, Value: q.Namespace})
		}
		values = append(values, prefix+":"+q.Local)
	}
	return strings.Join(values, " "), attrs
}

// namespaces maps prefixes bound in the scope of one element to namespaces.
type namespaces struct {
	byPrefix         map[string]string
	defaultNamespace string
}

// with returns bindings in scope of the element declaring attrs.
func (ns namespaces) with(attrs []xml.Attr) namespaces {
	var scoped *namespaces
	for _, attr := range attrs {
		isPrefix := attr.Name.Space == "xmlns"
		isDefault := attr.Name.Space == "" && attr.Name.Local == "xmlns"
		if !isPrefix && !isDefault {
			continue
		}
		if scoped == nil {
			scoped = &namespaces{
				byPrefix:         maps.Clone(ns.byPrefix),
				defaultNamespace: ns.defaultNamespace,
			}
		}
		if isPrefix {
			scoped.byPrefix[attr.Name.Local] = attr.Value
		} else {
			scoped.defaultNamespace = attr.Value
		}
	}
	if scoped == nil {
		return ns
	}
	return *scoped
}

// namespaceScopes holds bindings in scope of elements carrying qualified names,
// keyed by the input offset right after their start tag.
type namespaceScopes map[int64]namespaces

func scanNamespaces(data []byte) (namespaceScopes, error) {
	scopes := namespaceScopes{}
	stack := []namespaces{{byPrefix: map[string]string{}}}
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		t, err := d.RawToken()
		if errors.Is(err, io.EOF) {
			return scopes, nil
		}
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}

		switch t := t.(type) {
		case xml.StartElement:
			ns := stack[len(stack)-1].with(t.Attr)
			stack = append(stack, ns)
			if t.Name.Local == "Types" || t.Name.Local == "RelatesTo" {
				scopes[d.InputOffset()] = ns
			}
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		}
	}
}

func (s namespaceScopes) at(offset int64) namespaces {
	return s[offset]
}

func (s namespaceScopes) decodeTypes(x *xmlQNames) ([]QName, error) {
	if x == nil {
		return nil, nil
	}
	ns := s.at(x.offset)
	fields := strings.Fields(x.Value)
	types := make([]QName, 0, len(fields))
	for _, f := range fields {
		q, err := ns.resolve(f)
		if err != nil {
			return nil, err
		}
		types = append(types, q)
	}
	return types, nil
}

func (ns namespaces) resolve(value string) (QName, error) {
	prefix, local, found := strings.Cut(value, ":")
	if !found {
		return QName{Namespace: ns.defaultNamespace, Local: value}, nil
	}
	namespace, exists := ns.byPrefix[prefix]
	if !exists || local == "" {
		return QName{}, errors.Wrapf(ErrMalformed, "unresolvable qualified name %q", value)
	}
	return QName{Namespace: namespace, Local: local}, nil
}

func (s namespaceScopes) decodeAnnouncement(x *xmlAnnouncement, xAddrsRequired bool) (ProbeResolveMatch, error) {
	if x == nil {
		return ProbeResolveMatch{}, errors.Wrap(ErrMalformed, "missing announcement")
	}

	var m ProbeResolveMatch
	var err error
	if m.EPR, err = decodeEPR(x.EndpointReference); err != nil {
		return ProbeResolveMatch{}, err
	}
	if m.Types, err = s.decodeTypes(x.Types); err != nil {
		return ProbeResolveMatch{}, err
	}
	m.Scopes = decodeScopes(x.Scopes)
	if x.XAddrs != nil {
		m.XAddrs = strings.Fields(*x.XAddrs)
	} else if xAddrsRequired {
		return ProbeResolveMatch{}, errors.Wrap(ErrMalformed, "missing XAddrs")
	}
	if m.MetadataVersion, err = decodeMetadataVersion(x.MetadataVersion); err != nil {
		return ProbeResolveMatch{}, err
	}
	return m, nil
}
