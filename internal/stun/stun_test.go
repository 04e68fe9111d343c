package stun

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 5769 section 2.1: "Sample Request". This is the textbook reference
// vector used across STUN implementations to exercise USERNAME,
// MESSAGE-INTEGRITY, and FINGERPRINT validation together.
var rfc5769Request = []byte{
	0x00, 0x01, 0x00, 0x58,
	0x21, 0x12, 0xa4, 0x42,
	0xb7, 0xe7, 0xa7, 0x01,
	0xbc, 0x34, 0xd6, 0x86,
	0xfa, 0x87, 0xdf, 0xae,
	0x80, 0x22, 0x00, 0x10,
	0x53, 0x54, 0x55, 0x4e,
	0x20, 0x74, 0x65, 0x73,
	0x74, 0x20, 0x63, 0x6c,
	0x69, 0x65, 0x6e, 0x74,
	0x00, 0x24, 0x00, 0x04,
	0x6e, 0x00, 0x01, 0xff,
	0x80, 0x29, 0x00, 0x08,
	0x93, 0x2f, 0xf9, 0xb1,
	0x51, 0x26, 0x3b, 0x36,
	0x00, 0x06, 0x00, 0x09,
	0x65, 0x76, 0x74, 0x6a,
	0x3a, 0x68, 0x36, 0x76,
	0x59, 0x20, 0x20, 0x20,
	0x00, 0x08, 0x00, 0x14,
	0x9a, 0xea, 0xa7, 0x0c,
	0xbf, 0xd8, 0xcb, 0x56,
	0x78, 0x1e, 0xf2, 0xb5,
	0xb2, 0xd3, 0xf2, 0x49,
	0xc1, 0xb5, 0x71, 0xa2,
	0x80, 0x28, 0x00, 0x04,
	0xe5, 0x7a, 0x3b, 0xcf,
}

func TestDecodeRFC5769Request(t *testing.T) {
	require.True(t, LooksLikeSTUN(rfc5769Request))

	msg, err := Decode(rfc5769Request)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, Request, msg.Class)
	assert.Equal(t, MethodBinding, msg.Method)

	username, ok := msg.Username()
	require.True(t, ok)
	assert.Equal(t, "evtj:h6vY", username)

	software, ok := msg.Software()
	require.True(t, ok)
	assert.Equal(t, "STUN test client", software)

	priority, ok := msg.Priority()
	require.True(t, ok)
	assert.Equal(t, uint32(0x6e0001ff), priority)

	_, hasIntegrity := msg.Get(attrMessageIntegrity)
	assert.True(t, hasIntegrity)
	_, hasFingerprint := msg.Get(attrFingerprint)
	assert.True(t, hasFingerprint)

	assert.NoError(t, ValidateFingerprint(msg))
}

// RFC 5769 section 2.2: "Sample IPv4 Response".
var rfc5769IPv4Response = []byte{
	0x01, 0x01, 0x00, 0x3c,
	0x21, 0x12, 0xa4, 0x42,
	0xb7, 0xe7, 0xa7, 0x01,
	0xbc, 0x34, 0xd6, 0x86,
	0xfa, 0x87, 0xdf, 0xae,
	0x80, 0x22, 0x00, 0x0b,
	0x74, 0x65, 0x73, 0x74,
	0x20, 0x76, 0x65, 0x63,
	0x74, 0x6f, 0x72, 0x20,
	0x00, 0x20, 0x00, 0x08,
	0x00, 0x01, 0xa1, 0x47,
	0xe1, 0x12, 0xa6, 0x43,
	0x00, 0x08, 0x00, 0x14,
	0x2b, 0x91, 0xf5, 0x99,
	0xfd, 0x9e, 0x90, 0xc3,
	0x8c, 0x74, 0x89, 0xf9,
	0x2a, 0xf9, 0xba, 0x53,
	0xf0, 0x6b, 0xe7, 0xd7,
	0x80, 0x28, 0x00, 0x04,
	0xc0, 0x7d, 0x4c, 0x96,
}

func TestDecodeRFC5769IPv4Response(t *testing.T) {
	msg, err := Decode(rfc5769IPv4Response)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, SuccessResponse, msg.Class)
	assert.Equal(t, MethodBinding, msg.Method)

	addr, err := msg.XorMappedAddress()
	require.NoError(t, err)
	require.NotNil(t, addr)
	assert.True(t, addr.IP.Equal(net.IPv4(192, 0, 2, 1)))
	assert.Equal(t, 32853, addr.Port)

	assert.NoError(t, ValidateFingerprint(msg))
}

// Round-trip tests below don't depend on externally published byte
// vectors; they exercise encode/decode symmetry for the TURN and ICE
// attributes layered on top of core STUN.

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := New(Request, MethodAllocate)
	req.SetUsername("alice")
	req.SetRealm("example.org")
	req.SetNonce("abc123")
	req.SetRequestedTransport(ProtocolUDP)
	req.SetLifetime(600)
	req.SetDontFragment()
	req.SetPriority(126 << 24)
	req.SetIceControlling(0xdeadbeefcafebabe)

	key := LongTermKey("alice", "example.org", "hunter2")
	wire := req.Encode(key, true)

	decoded, err := Decode(wire)
	require.NoError(t, err)
	require.NotNil(t, decoded)

	assert.Equal(t, req.TransactionID, decoded.TransactionID)
	username, _ := decoded.Username()
	assert.Equal(t, "alice", username)
	realm, _ := decoded.Realm()
	assert.Equal(t, "example.org", realm)
	nonce, _ := decoded.Nonce()
	assert.Equal(t, "abc123", nonce)
	lifetime, ok := decoded.Lifetime()
	require.True(t, ok)
	assert.Equal(t, uint32(600), lifetime)
	assert.True(t, decoded.DontFragment())
	priority, ok := decoded.Priority()
	require.True(t, ok)
	assert.Equal(t, uint32(126<<24), priority)
	tiebreak, ok := decoded.IceControlling()
	require.True(t, ok)
	assert.Equal(t, uint64(0xdeadbeefcafebabe), tiebreak)

	assert.NoError(t, ValidateFingerprint(decoded))
	assert.NoError(t, ValidateMessageIntegrity(decoded, key))

	// Tampering with the message after signing must break the fingerprint.
	wire[len(wire)-1] ^= 0xff
	tampered, err := Decode(wire)
	require.NoError(t, err)
	assert.Error(t, ValidateFingerprint(tampered))
}

func TestXorPeerAndRelayedAddress(t *testing.T) {
	msg := New(SuccessResponse, MethodAllocate)
	relayed := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 5), Port: 54321}
	peer := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 4242}

	msg.SetXorRelayedAddress(relayed)
	msg.SetXorPeerAddress(peer)

	wire := msg.Encode(nil, false)
	decoded, err := Decode(wire)
	require.NoError(t, err)

	gotRelayed, err := decoded.XorRelayedAddress()
	require.NoError(t, err)
	assert.True(t, gotRelayed.IP.Equal(relayed.IP))
	assert.Equal(t, relayed.Port, gotRelayed.Port)

	gotPeer, err := decoded.XorPeerAddress()
	require.NoError(t, err)
	assert.True(t, gotPeer.IP.Equal(peer.IP))
	assert.Equal(t, peer.Port, gotPeer.Port)
}

func TestUnknownComprehensionRequiredAttribute(t *testing.T) {
	msg := New(Request, MethodBinding)
	msg.Add(AttrType(0x0002), []byte{1, 2, 3, 4}) // RESPONSE-ADDRESS, not implemented
	wire := msg.Encode(nil, false)

	decoded, err := Decode(wire)
	require.NotNil(t, decoded)
	require.Error(t, err)
	assert.Equal(t, []AttrType{0x0002}, UnknownAttrs(err))
}

func TestErrorCodeRoundTrip(t *testing.T) {
	msg := New(ErrorResponse, MethodAllocate)
	msg.SetErrorCode(ErrorCode{Code: 438, Reason: "Stale Nonce"})
	wire := msg.Encode(nil, false)

	decoded, err := Decode(wire)
	require.NoError(t, err)

	ec, ok := decoded.ErrorCode()
	require.True(t, ok)
	assert.Equal(t, 438, ec.Code)
	assert.Equal(t, "Stale Nonce", ec.Reason)
}

func TestChannelNumberRoundTrip(t *testing.T) {
	msg := New(Request, MethodChannelBind)
	msg.SetChannelNumber(0x4001)
	wire := msg.Encode(nil, false)

	decoded, err := Decode(wire)
	require.NoError(t, err)

	n, ok := decoded.ChannelNumber()
	require.True(t, ok)
	assert.Equal(t, uint16(0x4001), n)
}
