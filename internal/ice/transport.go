package ice

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
)

// Protocol identifies the transport protocol a TransportAddress speaks.
type Protocol string

const (
	UDP Protocol = "udp"
	TCP Protocol = "tcp"
)

// Family distinguishes resolved IPv4/IPv6 addresses from addresses that are
// still a bare hostname awaiting DNS resolution (e.g. a TURN server entry
// before its SRV/A lookup completes).
type Family int

const (
	Unresolved Family = 0
	IPv4       Family = 4
	IPv6       Family = 6
)

// IPAddress holds either a resolved IP (4 or 16 bytes, matching net.IP's
// convention) or the raw bytes of an unresolved hostname.
type IPAddress []byte

// TransportAddress is the (protocol, IP-or-hostname, port) tuple ICE
// candidates and bases are built from. Unlike net.Addr, it can represent an
// address before DNS resolution completes.
type TransportAddress struct {
	protocol  Protocol
	ip        IPAddress
	port      int
	family    Family
	linkLocal bool
}

func makeTransportAddress(addr net.Addr) TransportAddress {
	var protocol Protocol
	var ip net.IP
	var port int

	switch a := addr.(type) {
	case *net.TCPAddr:
		protocol, ip, port = TCP, a.IP, a.Port
	case *net.UDPAddr:
		protocol, ip, port = UDP, a.IP, a.Port
	default:
		panic("ice: unsupported net.Addr type: " + addr.String())
	}

	ta := TransportAddress{protocol: protocol, port: port, linkLocal: ip.IsLinkLocalUnicast()}
	if ip4 := ip.To4(); ip4 != nil {
		ta.family = IPv4
		ta.ip = IPAddress(ip4)
	} else {
		ta.family = IPv6
		ta.ip = IPAddress(ip.To16())
	}
	return ta
}

// resolved reports whether ip holds an actual IP address rather than a
// hostname awaiting resolution.
func (ta TransportAddress) resolved() bool {
	return ta.family != Unresolved
}

// displayIP renders ip the way it should appear in a URI or SDP candidate
// line: dotted-quad or bracket-free IPv6 for resolved addresses, or the
// hostname verbatim when unresolved.
func (ta TransportAddress) displayIP() string {
	if !ta.resolved() {
		return string(ta.ip)
	}
	return net.IP(ta.ip).String()
}

// netAddr resolves ta to a concrete net.Addr suitable for use with
// net.PacketConn/net.Dial, looking up a hostname if ta holds one; it
// returns nil if resolution fails.
func (ta TransportAddress) netAddr() net.Addr {
	hostport := net.JoinHostPort(ta.displayIP(), strconv.Itoa(ta.port))
	switch ta.protocol {
	case TCP:
		addr, _ := net.ResolveTCPAddr("tcp", hostport)
		return addr
	default:
		addr, _ := net.ResolveUDPAddr("udp", hostport)
		return addr
	}
}

// equal reports whether ta and other name the same transport address. ip is
// a byte slice, so TransportAddress isn't comparable with ==.
func (ta TransportAddress) equal(other TransportAddress) bool {
	return ta.protocol == other.protocol &&
		ta.port == other.port &&
		ta.family == other.family &&
		bytes.Equal(ta.ip, other.ip)
}

func (ta TransportAddress) String() string {
	return fmt.Sprintf("%s/%s", ta.protocol, net.JoinHostPort(ta.displayIP(), strconv.Itoa(ta.port)))
}

func resolveAddr(network, address string) (net.Addr, error) {
	switch Protocol(network) {
	case TCP:
		return net.ResolveTCPAddr(network, address)
	case UDP:
		return net.ResolveUDPAddr(network, address)
	default:
		return nil, fmt.Errorf("ice: invalid network type: %s", network)
	}
}
