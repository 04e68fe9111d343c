package stun

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Attribute numbers. STUN core (RFC 5389), TURN (RFC 5766), and ICE
// (RFC 5245/8445) share the same attribute namespace.
const (
	attrMappedAddress     AttrType = 0x0001
	attrUsername          AttrType = 0x0006
	attrMessageIntegrity  AttrType = 0x0008
	attrErrorCode         AttrType = 0x0009
	attrUnknownAttributes AttrType = 0x000a
	attrChannelNumber     AttrType = 0x000c
	attrLifetime          AttrType = 0x000d
	attrXorPeerAddress    AttrType = 0x0012
	attrData              AttrType = 0x0013
	attrRealm             AttrType = 0x0014
	attrNonce             AttrType = 0x0015
	attrXorRelayedAddress AttrType = 0x0016
	attrRequestedAddressFamily AttrType = 0x0017
	attrEvenPort          AttrType = 0x0018
	attrRequestedTransport AttrType = 0x0019
	attrDontFragment      AttrType = 0x001a
	attrReservationToken  AttrType = 0x0022
	attrXorMappedAddress  AttrType = 0x0020
	attrPriority          AttrType = 0x0024
	attrUseCandidate      AttrType = 0x0025
	attrMobilityTicket    AttrType = 0x0031 // RFC 8016

	attrSoftware       AttrType = 0x8022
	attrAlternateServer AttrType = 0x8023
	attrFingerprint    AttrType = 0x8028
	attrIceControlled  AttrType = 0x8029
	attrIceControlling AttrType = 0x802a
)

// Exported aliases for attribute types callers need to recognize in
// decoded messages (e.g. to distinguish a 401 challenge from a hard
// failure).
const (
	AttrMappedAddress     = attrMappedAddress
	AttrUsername          = attrUsername
	AttrMessageIntegrity  = attrMessageIntegrity
	AttrErrorCode         = attrErrorCode
	AttrUnknownAttributes = attrUnknownAttributes
	AttrChannelNumber     = attrChannelNumber
	AttrLifetime          = attrLifetime
	AttrXorPeerAddress    = attrXorPeerAddress
	AttrData              = attrData
	AttrRealm             = attrRealm
	AttrNonce             = attrNonce
	AttrXorRelayedAddress = attrXorRelayedAddress
	AttrRequestedAddressFamily = attrRequestedAddressFamily
	AttrEvenPort          = attrEvenPort
	AttrRequestedTransport = attrRequestedTransport
	AttrDontFragment      = attrDontFragment
	AttrReservationToken  = attrReservationToken
	AttrXorMappedAddress  = attrXorMappedAddress
	AttrPriority          = attrPriority
	AttrUseCandidate      = attrUseCandidate
	AttrMobilityTicket    = attrMobilityTicket
	AttrSoftware          = attrSoftware
	AttrAlternateServer   = attrAlternateServer
	AttrFingerprint       = attrFingerprint
	AttrIceControlled     = attrIceControlled
	AttrIceControlling    = attrIceControlling
)

var knownAttrs = map[AttrType]bool{
	attrMappedAddress: true, attrUsername: true, attrMessageIntegrity: true,
	attrErrorCode: true, attrUnknownAttributes: true, attrChannelNumber: true,
	attrLifetime: true, attrXorPeerAddress: true, attrData: true, attrRealm: true,
	attrNonce: true, attrXorRelayedAddress: true, attrRequestedAddressFamily: true,
	attrEvenPort: true, attrRequestedTransport: true, attrDontFragment: true,
	attrReservationToken: true, attrXorMappedAddress: true, attrPriority: true,
	attrUseCandidate: true, attrMobilityTicket: true, attrSoftware: true,
	attrAlternateServer: true, attrFingerprint: true, attrIceControlled: true,
	attrIceControlling: true,
}

func isKnown(t AttrType) bool { return knownAttrs[t] }

const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// decodeAddr decodes a MAPPED-ADDRESS-shaped attribute, applying the XOR
// transform used by XOR-MAPPED-ADDRESS, XOR-PEER-ADDRESS, and
// XOR-RELAYED-ADDRESS (RFC 5389 section 15.2).
func decodeAddr(v []byte, tid TransactionID, xor bool) (*net.UDPAddr, error) {
	if len(v) < 4 {
		return nil, fmt.Errorf("stun: address attribute too short: %d bytes", len(v))
	}
	port := binary.BigEndian.Uint16(v[2:4])
	family := v[1]

	var ip net.IP
	switch family {
	case familyIPv4:
		if len(v) < 8 {
			return nil, fmt.Errorf("stun: truncated IPv4 address attribute")
		}
		ip = append(net.IP(nil), v[4:8]...)
	case familyIPv6:
		if len(v) < 20 {
			return nil, fmt.Errorf("stun: truncated IPv6 address attribute")
		}
		ip = append(net.IP(nil), v[4:20]...)
	default:
		return nil, fmt.Errorf("stun: unknown address family %#x", family)
	}

	if xor {
		port ^= uint16(magicCookie >> 16)
		xorBytes(ip[0:4], magicCookieBytes[:])
		if len(ip) == 16 {
			xorBytes(ip[4:16], tid[:])
		}
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// encodeAddr is the inverse of decodeAddr.
func encodeAddr(addr *net.UDPAddr, tid TransactionID, xor bool) []byte {
	ip4 := addr.IP.To4()
	var v []byte
	if ip4 != nil {
		v = make([]byte, 8)
		v[1] = familyIPv4
		copy(v[4:8], ip4)
	} else {
		v = make([]byte, 20)
		v[1] = familyIPv6
		copy(v[4:20], addr.IP.To16())
	}
	port := uint16(addr.Port)
	if xor {
		port ^= uint16(magicCookie >> 16)
	}
	binary.BigEndian.PutUint16(v[2:4], port)
	if xor {
		xorBytes(v[4:8], magicCookieBytes[:])
		if len(v) == 20 {
			xorBytes(v[8:20], tid[:])
		}
	}
	return v
}

func xorBytes(dst, xor []byte) {
	for i := range dst {
		dst[i] ^= xor[i]
	}
}

// XorMappedAddress returns the reflexive address from a Binding success
// response, if present. It also accepts a plain MAPPED-ADDRESS, used by
// older servers (RFC 5389 section 15.1).
func (m *Message) XorMappedAddress() (*net.UDPAddr, error) {
	if a, ok := m.Get(attrXorMappedAddress); ok {
		return decodeAddr(a.Value, m.TransactionID, true)
	}
	if a, ok := m.Get(attrMappedAddress); ok {
		return decodeAddr(a.Value, m.TransactionID, false)
	}
	return nil, nil
}

// SetXorMappedAddress adds an XOR-MAPPED-ADDRESS attribute.
func (m *Message) SetXorMappedAddress(addr *net.UDPAddr) {
	m.Add(attrXorMappedAddress, encodeAddr(addr, m.TransactionID, true))
}

// XorPeerAddress returns the peer address from a CreatePermission/
// ChannelBind request or a Data indication.
func (m *Message) XorPeerAddress() (*net.UDPAddr, error) {
	a, ok := m.Get(attrXorPeerAddress)
	if !ok {
		return nil, nil
	}
	return decodeAddr(a.Value, m.TransactionID, true)
}

// SetXorPeerAddress adds an XOR-PEER-ADDRESS attribute.
func (m *Message) SetXorPeerAddress(addr *net.UDPAddr) {
	m.Add(attrXorPeerAddress, encodeAddr(addr, m.TransactionID, true))
}

// XorRelayedAddress returns the relayed transport address from an Allocate
// success response.
func (m *Message) XorRelayedAddress() (*net.UDPAddr, error) {
	a, ok := m.Get(attrXorRelayedAddress)
	if !ok {
		return nil, nil
	}
	return decodeAddr(a.Value, m.TransactionID, true)
}

// SetXorRelayedAddress adds an XOR-RELAYED-ADDRESS attribute.
func (m *Message) SetXorRelayedAddress(addr *net.UDPAddr) {
	m.Add(attrXorRelayedAddress, encodeAddr(addr, m.TransactionID, true))
}

func (m *Message) setUint32(t AttrType, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	m.Add(t, b)
}

func (m *Message) getUint32(t AttrType) (uint32, bool) {
	a, ok := m.Get(t)
	if !ok || len(a.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

// Priority / SetPriority carry the ICE candidate priority (RFC 8445
// section 5.1.2).
func (m *Message) Priority() (uint32, bool) { return m.getUint32(attrPriority) }
func (m *Message) SetPriority(p uint32)     { m.setUint32(attrPriority, p) }

// Lifetime / SetLifetime carry the TURN allocation/channel lifetime, in
// seconds (RFC 5766 section 14.2).
func (m *Message) Lifetime() (uint32, bool) { return m.getUint32(attrLifetime) }
func (m *Message) SetLifetime(seconds uint32) { m.setUint32(attrLifetime, seconds) }

// UseCandidate / SetUseCandidate carry the ICE nomination flag (RFC 8445
// section 7.1.1); it is a flag attribute with no value.
func (m *Message) UseCandidate() bool {
	_, ok := m.Get(attrUseCandidate)
	return ok
}
func (m *Message) SetUseCandidate() { m.Add(attrUseCandidate, nil) }

// DontFragment / SetDontFragment mirror TURN's DONT-FRAGMENT flag
// (RFC 5766 section 14.8).
func (m *Message) DontFragment() bool {
	_, ok := m.Get(attrDontFragment)
	return ok
}
func (m *Message) SetDontFragment() { m.Add(attrDontFragment, nil) }

func (m *Message) setUint64(t AttrType, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	m.Add(t, b)
}

func (m *Message) getUint64(t AttrType) (uint64, bool) {
	a, ok := m.Get(t)
	if !ok || len(a.Value) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(a.Value), true
}

// IceControlled / SetIceControlled and IceControlling / SetIceControlling
// carry the 64-bit tie-breaker used to resolve a controlling/controlled
// role conflict (RFC 8445 section 7.1.3).
func (m *Message) IceControlled() (uint64, bool)    { return m.getUint64(attrIceControlled) }
func (m *Message) SetIceControlled(tiebreak uint64) { m.setUint64(attrIceControlled, tiebreak) }
func (m *Message) IceControlling() (uint64, bool)   { return m.getUint64(attrIceControlling) }
func (m *Message) SetIceControlling(tiebreak uint64) { m.setUint64(attrIceControlling, tiebreak) }

// ChannelNumber / SetChannelNumber carry the 16-bit TURN channel number
// (RFC 5766 section 14.1); the low 16 bits after it are reserved-for-future-use.
func (m *Message) ChannelNumber() (uint16, bool) {
	a, ok := m.Get(attrChannelNumber)
	if !ok || len(a.Value) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(a.Value[0:2]), true
}

func (m *Message) SetChannelNumber(n uint16) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], n)
	m.Add(attrChannelNumber, v)
}

// RequestedTransport protocol numbers (RFC 5766 section 14.7); only UDP is
// defined.
const ProtocolUDP = 17

// SetRequestedTransport adds a REQUESTED-TRANSPORT attribute.
func (m *Message) SetRequestedTransport(protocol byte) {
	v := make([]byte, 4)
	v[0] = protocol
	m.Add(attrRequestedTransport, v)
}

// SetEvenPort adds an EVEN-PORT attribute; reserveNext requests the server
// also reserve the next higher port (RFC 5766 section 14.6).
func (m *Message) SetEvenPort(reserveNext bool) {
	var v byte
	if reserveNext {
		v = 0x80
	}
	m.Add(attrEvenPort, []byte{v})
}

// ReservationToken returns the RESERVATION-TOKEN attribute, if present.
func (m *Message) ReservationToken() ([]byte, bool) {
	a, ok := m.Get(attrReservationToken)
	return a.Value, ok
}

// SetReservationToken adds a RESERVATION-TOKEN attribute.
func (m *Message) SetReservationToken(token []byte) { m.Add(attrReservationToken, token) }

func (m *Message) setString(t AttrType, s string) { m.Add(t, []byte(s)) }
func (m *Message) getString(t AttrType) (string, bool) {
	a, ok := m.Get(t)
	return string(a.Value), ok
}

// Username / SetUsername carry the STUN short-term or TURN/ICE long-term
// credential username (RFC 5389 section 15.3).
func (m *Message) Username() (string, bool)  { return m.getString(attrUsername) }
func (m *Message) SetUsername(u string)      { m.setString(attrUsername, u) }

// Realm / SetRealm and Nonce / SetNonce carry the long-term credential
// challenge exchanged on a 401/438 error response (RFC 5766 section 4).
func (m *Message) Realm() (string, bool) { return m.getString(attrRealm) }
func (m *Message) SetRealm(r string)     { m.setString(attrRealm, r) }
func (m *Message) Nonce() (string, bool) { return m.getString(attrNonce) }
func (m *Message) SetNonce(n string)     { m.setString(attrNonce, n) }

// Software / SetSoftware carry the implementation identification string
// (RFC 5389 section 15.10).
func (m *Message) Software() (string, bool) { return m.getString(attrSoftware) }
func (m *Message) SetSoftware(s string)     { m.setString(attrSoftware, s) }

// Data / SetData carry the relayed application payload in a TURN Send
// indication or Data indication (RFC 5766 section 14.9).
func (m *Message) Data() ([]byte, bool) {
	a, ok := m.Get(attrData)
	return a.Value, ok
}
func (m *Message) SetData(payload []byte) { m.Add(attrData, payload) }

// MobilityTicket / SetMobilityTicket carry the TURN mobility ticket used to
// keep an allocation alive across a client IP change (RFC 8016).
func (m *Message) MobilityTicket() ([]byte, bool) {
	a, ok := m.Get(attrMobilityTicket)
	return a.Value, ok
}
func (m *Message) SetMobilityTicket(ticket []byte) { m.Add(attrMobilityTicket, ticket) }

// ErrorCode is a decoded ERROR-CODE attribute (RFC 5389 section 15.6).
type ErrorCode struct {
	Code   int // e.g. 401, 420, 438
	Reason string
}

// ErrorCode decodes the ERROR-CODE attribute from an error response.
func (m *Message) ErrorCode() (ErrorCode, bool) {
	a, ok := m.Get(attrErrorCode)
	if !ok || len(a.Value) < 4 {
		return ErrorCode{}, false
	}
	class := int(a.Value[2] & 0x7)
	number := int(a.Value[3])
	return ErrorCode{Code: class*100 + number, Reason: string(a.Value[4:])}, true
}

// SetErrorCode adds an ERROR-CODE attribute.
func (m *Message) SetErrorCode(ec ErrorCode) {
	v := make([]byte, 4+len(ec.Reason))
	v[2] = byte(ec.Code / 100)
	v[3] = byte(ec.Code % 100)
	copy(v[4:], ec.Reason)
	m.Add(attrErrorCode, v)
}

// UnknownAttributes decodes an UNKNOWN-ATTRIBUTES attribute, the list of
// comprehension-required attribute types a 420 response is rejecting.
func (m *Message) UnknownAttributes() []AttrType {
	a, ok := m.Get(attrUnknownAttributes)
	if !ok {
		return nil
	}
	var types []AttrType
	for i := 0; i+1 < len(a.Value); i += 2 {
		types = append(types, AttrType(binary.BigEndian.Uint16(a.Value[i:i+2])))
	}
	return types
}

// SetUnknownAttributes adds an UNKNOWN-ATTRIBUTES attribute.
func (m *Message) SetUnknownAttributes(types []AttrType) {
	v := make([]byte, 2*len(types))
	for i, t := range types {
		binary.BigEndian.PutUint16(v[2*i:2*i+2], uint16(t))
	}
	m.Add(attrUnknownAttributes, v)
}

// AlternateServer decodes the ALTERNATE-SERVER attribute (RFC 5389
// section 15.11).
func (m *Message) AlternateServer() (*net.UDPAddr, error) {
	a, ok := m.Get(attrAlternateServer)
	if !ok {
		return nil, nil
	}
	return decodeAddr(a.Value, m.TransactionID, false)
}
