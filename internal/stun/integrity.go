package stun

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"

	"golang.org/x/xerrors"
)

// fingerprintXor is XORed into the FINGERPRINT attribute's CRC32 value so
// it cannot be mistaken for a random CRC in other protocols sharing a port
// (RFC 5389 section 15.5).
const fingerprintXor = 0x5354554e

func hmacSHA1(key, data []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func crc32Fingerprint(data []byte) []byte {
	crc := crc32.ChecksumIEEE(data) ^ fingerprintXor
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, crc)
	return b
}

// LongTermKey derives the MESSAGE-INTEGRITY HMAC key for long-term
// credentials (RFC 5389 section 15.4): MD5(username ":" realm ":" password).
// TURN and ICE-over-TURN use this; short-term STUN Binding exchanges
// (STUN discovery, pre-authentication ICE checks) use the password bytes
// directly instead.
func LongTermKey(username, realm, password string) []byte {
	return md5Sum(username + ":" + realm + ":" + password)
}

var errIntegrity = xerrors.New("stun: MESSAGE-INTEGRITY check failed")
var errFingerprint = xerrors.New("stun: FINGERPRINT check failed")
var errNoRaw = xerrors.New("stun: message has no raw bytes to validate against")

// ValidateMessageIntegrity recomputes the HMAC-SHA1 over the message's raw
// bytes up to the MESSAGE-INTEGRITY attribute and compares it against the
// attribute's value. The message must have been produced by Decode (so Raw
// is populated) and must carry a MESSAGE-INTEGRITY attribute.
func ValidateMessageIntegrity(m *Message, key []byte) error {
	if m.Raw == nil {
		return errNoRaw
	}
	a, ok := m.Get(attrMessageIntegrity)
	if !ok {
		return xerrors.Errorf("%w: no MESSAGE-INTEGRITY attribute", errIntegrity)
	}

	offset, ok := attrOffset(m.Raw, attrMessageIntegrity)
	if !ok {
		return xerrors.Errorf("%w: attribute not found in raw bytes", errIntegrity)
	}

	// offset is the attribute's value offset; back up 4 bytes to the start
	// of its TLV header, since MESSAGE-INTEGRITY signs everything before
	// itself, not including its own header. The length field covers
	// everything up to and including MESSAGE-INTEGRITY itself for this
	// comparison, per RFC 5389's "STUN Message Integrity" procedure:
	// re-derive the header with that truncated length before hashing.
	attrStart := offset - 4
	signedLen := attrStart - headerLength + 24
	header := make([]byte, headerLength)
	copy(header, m.Raw[:headerLength])
	binary.BigEndian.PutUint16(header[2:4], uint16(signedLen))

	expected := hmacSHA1(key, append(header, m.Raw[headerLength:attrStart]...))
	if !hmac.Equal(expected, a.Value) {
		return errIntegrity
	}
	return nil
}

// ValidateFingerprint recomputes the FINGERPRINT CRC32 over the message's
// raw bytes up to the FINGERPRINT attribute and compares it.
func ValidateFingerprint(m *Message) error {
	if m.Raw == nil {
		return errNoRaw
	}
	a, ok := m.Get(attrFingerprint)
	if !ok {
		return xerrors.Errorf("%w: no FINGERPRINT attribute", errFingerprint)
	}
	offset, ok := attrOffset(m.Raw, attrFingerprint)
	if !ok {
		return xerrors.Errorf("%w: attribute not found in raw bytes", errFingerprint)
	}

	// offset is the attribute's value offset; back up 4 bytes to the start
	// of its TLV header, since FINGERPRINT signs everything before itself,
	// not including its own header.
	attrStart := offset - 4
	header := make([]byte, headerLength)
	copy(header, m.Raw[:headerLength])
	binary.BigEndian.PutUint16(header[2:4], uint16(attrStart-headerLength+8))

	expected := crc32Fingerprint(append(header, m.Raw[headerLength:attrStart]...))
	if !hmac.Equal(expected, a.Value) {
		return errFingerprint
	}
	return nil
}

// attrOffset finds the byte offset (within raw, a full encoded message) of
// the first attribute of the given type's value, by walking the TLV stream
// the same way Decode does.
func attrOffset(raw []byte, t AttrType) (int, bool) {
	if len(raw) < headerLength {
		return 0, false
	}
	length := binary.BigEndian.Uint16(raw[2:4])
	end := headerLength + int(length)
	if end > len(raw) {
		end = len(raw)
	}
	off := headerLength
	for off+4 <= end {
		at := AttrType(binary.BigEndian.Uint16(raw[off : off+2]))
		al := int(binary.BigEndian.Uint16(raw[off+2 : off+4]))
		valueOff := off + 4
		if at == t {
			return valueOff, true
		}
		off = valueOff + al + pad4(al)
	}
	return 0, false
}
