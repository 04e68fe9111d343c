package ice

import (
	"bufio"
	"encoding/base32"
	"fmt"
	"hash/fnv"
	"net"
	"strings"

	"github.com/lanikai/nattransport/internal/turn"
)

// Candidate types, in RFC 8445 §5.1.2 priority order (host highest).
const (
	hostType  = "host"
	srflxType = "srflx"
	prflxType = "prflx"
	relayType = "relay"
)

// Attribute is an SDP candidate-line extension attribute (name/value pair),
// e.g. "raddr 0.0.0.0".
type Attribute struct {
	name  string
	value string
}

// Candidate is a local or remote ICE candidate (RFC 8445 §5.1, §5.3).
type Candidate struct {
	mid string

	address    TransportAddress
	typ        string
	priority   uint32
	foundation string
	component  int
	attrs      []Attribute

	base *Base // nil for remote candidates

	// relay is set only for local Relayed candidates: outbound data for the
	// pairs it anchors must go through this TURN client rather than
	// straight to base's UDP socket.
	relay *turn.Client
}

func makeHostCandidate(mid string, base *Base) Candidate {
	return Candidate{
		mid:        mid,
		address:    base.address,
		typ:        hostType,
		priority:   computePriority(hostType, base.component),
		foundation: computeFoundation(hostType, base.address, ""),
		component:  base.component,
		base:       base,
	}
}

func makeServerReflexiveCandidate(mid string, mapped TransportAddress, base *Base, server string) Candidate {
	c := Candidate{
		mid:        mid,
		address:    mapped,
		typ:        srflxType,
		priority:   computePriority(srflxType, base.component),
		foundation: computeFoundation(srflxType, base.address, server),
		component:  base.component,
		base:       base,
	}
	// [RFC5245 §15.1] raddr/rport are required attributes even though this
	// implementation doesn't use them for anything beyond interop.
	c.addAttribute("raddr", "0.0.0.0")
	c.addAttribute("rport", "0")
	return c
}

func makeRelayedCandidate(mid string, relayed TransportAddress, base *Base, server string, client *turn.Client) Candidate {
	c := Candidate{
		mid:        mid,
		address:    relayed,
		typ:        relayType,
		priority:   computePriority(relayType, base.component),
		foundation: computeFoundation(relayType, base.address, server),
		component:  base.component,
		base:       base,
		relay:      client,
	}
	c.addAttribute("raddr", base.address.displayIP())
	c.addAttribute("rport", fmt.Sprintf("%d", base.address.port))
	return c
}

func makePeerReflexiveCandidate(mid string, addr net.Addr, base *Base, priority uint32) Candidate {
	ta := makeTransportAddress(addr)
	c := Candidate{
		mid:        mid,
		address:    ta,
		typ:        prflxType,
		priority:   priority,
		foundation: computeFoundation(prflxType, ta, ""),
		component:  base.component,
		base:       base,
	}
	c.addAttribute("raddr", "0.0.0.0")
	c.addAttribute("rport", "0")
	return c
}

// computePriority implements RFC 8445 §5.1.2: an 8-bit type preference in
// the high byte, a 16-bit local preference, and 256 minus the component id
// in the low byte.
func computePriority(typ string, component int) uint32 {
	var typePref int
	switch typ {
	case hostType:
		typePref = 126
	case srflxType, prflxType:
		typePref = 110
	case relayType:
		typePref = 0
	default:
		panic("ice: illegal candidate type: " + typ)
	}

	// A single local preference is used since this implementation gathers
	// at most one base per interface address; a host with several equally
	// good interfaces would want to vary this per base.
	const localPref = 65535

	return uint32((typePref << 24) + (localPref << 8) + (256 - component))
}

// computeFoundation implements RFC 8445 §5.1.1.3: a hash stable across
// restarts for the same (type, base IP, protocol, STUN/TURN server) tuple,
// truncated to a short printable foundation string.
func computeFoundation(typ string, baseAddress TransportAddress, server string) string {
	fingerprint := fmt.Sprintf("%s/%s/%s", typ, baseAddress.protocol, baseAddress.displayIP())
	if server != "" {
		fingerprint += "/" + server
	}
	hash := fnv.New64()
	hash.Write([]byte(fingerprint))
	return base32.StdEncoding.EncodeToString(hash.Sum(nil))[0:8]
}

func (c *Candidate) addAttribute(name, value string) {
	c.attrs = append(c.attrs, Attribute{name, value})
}

func (c *Candidate) isReflexive() bool {
	return c.typ == srflxType || c.typ == prflxType
}

// peerPriority computes the priority the remote peer would assign this
// candidate if adopted as peer-reflexive, per RFC 8445 §7.2.5.3.1.
func (c *Candidate) peerPriority() uint32 {
	return computePriority(prflxType, c.component)
}

// key identifies a candidate for deduplication: candidates with identical
// (type, foundation, address, priority, component) are considered equal.
func (c *Candidate) key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%d", c.typ, c.foundation, c.address, c.priority, c.component)
}

func (c *Candidate) sdpString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.foundation, c.component, c.address.protocol, c.priority, c.address.displayIP(), c.address.port, c.typ)
	for _, a := range c.attrs {
		fmt.Fprintf(&b, " %s %s", a.name, a.value)
	}
	return b.String()
}

func (c *Candidate) Mid() string {
	return c.mid
}

func (c Candidate) String() string {
	return c.sdpString()
}

// ParseCandidate parses an SDP candidate-attribute line (without the leading
// "a=" or trailing CRLF) of the form:
//
//	candidate:{foundation} {component} {protocol} {priority} {address} {port} typ {type} ...
//
// See draft-ietf-mmusic-ice-sip-sdp §4.1.
func ParseCandidate(desc, mid string) (Candidate, error) {
	c := Candidate{mid: mid}
	r := strings.NewReader(desc)

	var protocol, ip, port string
	_, err := fmt.Fscanf(r, "candidate:%s %d %s %d %s %s typ %s",
		&c.foundation, &c.component, &protocol, &c.priority, &ip, &port, &c.typ)
	if err != nil {
		return Candidate{}, err
	}
	if c.component < 1 || c.component > 256 {
		return Candidate{}, fmt.Errorf("ice: component id out of range: %d", c.component)
	}

	addr, err := resolveAddr(strings.ToLower(protocol), net.JoinHostPort(ip, port))
	if err != nil {
		return Candidate{}, err
	}
	c.address = makeTransportAddress(addr)

	// The rest of the line is "name value" attribute pairs.
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	var name string
	for scanner.Scan() {
		if name == "" {
			name = scanner.Text()
			continue
		}
		value := scanner.Text()
		switch name {
		case "typ":
			c.typ = value
		default:
			c.addAttribute(name, value)
		}
		name = ""
	}
	if name != "" {
		return Candidate{}, fmt.Errorf("ice: unmatched attribute name: %s", name)
	}

	return c, nil
}
