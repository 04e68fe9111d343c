// Package stun implements the STUN (RFC 5389) wire codec and transaction
// manager shared by the STUN discovery, TURN client, and ICE connectivity
// check layers. It also understands the small set of TURN (RFC 5766) and
// ICE (RFC 5245/8445) attributes those layers need, since all three speak
// the same STUN header/attribute framing over the wire.
package stun

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/xerrors"
)

// Class is the 2-bit STUN message class.
type Class uint16

const (
	Request        Class = 0x0
	Indication     Class = 0x1
	SuccessResponse Class = 0x2
	ErrorResponse  Class = 0x3
)

func (c Class) String() string {
	switch c {
	case Request:
		return "request"
	case Indication:
		return "indication"
	case SuccessResponse:
		return "success response"
	case ErrorResponse:
		return "error response"
	default:
		return fmt.Sprintf("class(%#x)", uint16(c))
	}
}

// Method is the 12-bit STUN message method.
type Method uint16

// Methods used across STUN, TURN, and ICE.
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	default:
		return fmt.Sprintf("method(%#x)", uint16(m))
	}
}

// TransactionID is the 96-bit globally unique transaction ID.
type TransactionID [12]byte

// NewTransactionID generates a random transaction ID, as required for every
// new request or indication (RFC 5389 section 6).
func NewTransactionID() TransactionID {
	var id TransactionID
	rand.Read(id[:])
	return id
}

// Message is a parsed or to-be-encoded STUN message.
type Message struct {
	Class         Class
	Method        Method
	TransactionID TransactionID
	Attributes    []Attribute

	// Raw holds the exact bytes this message was parsed from, when it came
	// off the wire. Encode ignores it; integrity/fingerprint validation
	// uses it to re-derive the signed prefix.
	Raw []byte
}

// Attribute is a single STUN TLV attribute (RFC 5389 section 15).
type Attribute struct {
	Type  AttrType
	Value []byte
}

// AttrType is a registered STUN/TURN/ICE attribute number. Values below
// 0x8000 are comprehension-required; an unrecognized comprehension-required
// attribute must cause the message to be rejected (RFC 5389 section 7.3.1).
type AttrType uint16

func (t AttrType) comprehensionRequired() bool {
	return t < 0x8000
}

const headerLength = 20

// magicCookie is the fixed value present in every STUN header (RFC 5389
// section 6), used both to recognize STUN traffic on a shared port and as
// the XOR mask for XOR-* attributes.
const magicCookie uint32 = 0x2112A442

var magicCookieBytes = [4]byte{0x21, 0x12, 0xa4, 0x42}

// New creates a message with a fresh transaction ID.
func New(class Class, method Method) *Message {
	return &Message{Class: class, Method: method, TransactionID: NewTransactionID()}
}

// NewWithTransactionID creates a message reusing an existing transaction ID,
// as needed for a response or a retransmitted request.
func NewWithTransactionID(class Class, method Method, tid TransactionID) *Message {
	return &Message{Class: class, Method: method, TransactionID: tid}
}

// Add appends an attribute. It does not deduplicate; most attributes are
// added at most once, but callers may add XOR-PEER-ADDRESS repeatedly to
// build a batched CreatePermission request (RFC 5766 section 9 allows more
// than one peer address per request).
func (m *Message) Add(t AttrType, v []byte) {
	cp := make([]byte, len(v))
	copy(cp, v)
	m.Attributes = append(m.Attributes, Attribute{t, cp})
}

// Get returns the first attribute of the given type, if present.
func (m *Message) Get(t AttrType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// messageType packs class and method into the 14-bit field per RFC 5389
// figure 3.
func messageType(class Class, method Method) uint16 {
	c := uint16(class)
	m := uint16(method)
	const (
		classMask1  = 0x0100
		classMask2  = 0x0010
		methodMask1 = 0x3e00
		methodMask2 = 0x00e0
		methodMask3 = 0x000f
	)
	t := (c<<7)&classMask1 | (c<<4)&classMask2
	t |= (m<<2)&methodMask1 | (m<<1)&methodMask2 | (m & methodMask3)
	return t
}

func decomposeMessageType(t uint16) (Class, Method) {
	const (
		classMask1  = 0x0100
		classMask2  = 0x0010
		methodMask1 = 0x3e00
		methodMask2 = 0x00e0
		methodMask3 = 0x000f
	)
	class := (t&classMask1)>>7 | (t&classMask2)>>4
	method := (t&methodMask1)>>2 | (t&methodMask2)>>1 | (t & methodMask3)
	return Class(class), Method(method)
}

// pad4 returns the number of padding bytes needed to bring n up to the next
// multiple of 4.
func pad4(n int) int {
	return -n & 3
}

var errMalformed = xerrors.New("stun: malformed message")

// ErrUnknownComprehensionRequired is returned from Decode when the message
// carries a comprehension-required attribute this package doesn't know
// about; the caller should reply with an ErrorResponse 420 listing the
// offending types from UnknownAttrs(err).
var ErrUnknownComprehensionRequired = xerrors.New("stun: unknown comprehension-required attribute")

type unknownAttrsError struct {
	types []AttrType
}

func (e *unknownAttrsError) Error() string {
	return fmt.Sprintf("stun: %d unknown comprehension-required attribute(s)", len(e.types))
}

func (e *unknownAttrsError) Unwrap() error { return ErrUnknownComprehensionRequired }

// UnknownAttrs extracts the offending attribute types from an error
// returned by Decode, if it wraps ErrUnknownComprehensionRequired.
func UnknownAttrs(err error) []AttrType {
	var e *unknownAttrsError
	if xerrors.As(err, &e) {
		return e.types
	}
	return nil
}

// LooksLikeSTUN reports whether data begins with a plausible STUN header:
// top two bits zero and the magic cookie present. It does not validate
// length or attributes, and is cheap enough to use as a demultiplexing
// predicate on a shared socket.
func LooksLikeSTUN(data []byte) bool {
	if len(data) < headerLength {
		return false
	}
	if data[0]&0xc0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == magicCookie
}

// Decode parses a single STUN message from data. It returns (nil, nil) if
// data does not look like a STUN message at all (wrong leading bits or
// missing magic cookie), so callers demultiplexing a shared port can treat
// that as "not STUN" rather than an error.
func Decode(data []byte) (*Message, error) {
	if !LooksLikeSTUN(data) {
		return nil, nil
	}
	if len(data) < headerLength {
		return nil, errMalformed
	}

	typ := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length)%4 != 0 {
		return nil, xerrors.Errorf("%w: length %d not a multiple of 4", errMalformed, length)
	}
	if headerLength+int(length) > len(data) {
		return nil, xerrors.Errorf("%w: declared length %d exceeds buffer", errMalformed, length)
	}

	class, method := decomposeMessageType(typ)
	msg := &Message{
		Class:  class,
		Method: method,
		Raw:    data[:headerLength+int(length)],
	}
	copy(msg.TransactionID[:], data[8:20])

	var unknown []AttrType
	b := bytes.NewBuffer(data[headerLength : headerLength+int(length)])
	for b.Len() > 0 {
		if b.Len() < 4 {
			return nil, xerrors.Errorf("%w: truncated attribute header", errMalformed)
		}
		var hdr [4]byte
		b.Read(hdr[:])
		t := AttrType(binary.BigEndian.Uint16(hdr[0:2]))
		l := int(binary.BigEndian.Uint16(hdr[2:4]))
		if l > b.Len() {
			return nil, xerrors.Errorf("%w: attribute %#x length %d exceeds remaining buffer", errMalformed, uint16(t), l)
		}
		v := make([]byte, l)
		b.Read(v)
		b.Next(pad4(l))

		msg.Attributes = append(msg.Attributes, Attribute{t, v})
		if !isKnown(t) && t.comprehensionRequired() {
			unknown = append(unknown, t)
		}
	}

	if len(unknown) > 0 {
		return msg, &unknownAttrsError{types: unknown}
	}
	return msg, nil
}

// Encode serializes the message, appending MESSAGE-INTEGRITY (if key is
// non-empty) and a trailing FINGERPRINT, in that order, per RFC 5389
// sections 15.4 and 15.5: FINGERPRINT must be the last attribute and
// MESSAGE-INTEGRITY must cover everything before it.
func (m *Message) Encode(integrityKey []byte, addFingerprint bool) []byte {
	body := m.encodeAttributes(m.Attributes)

	if len(integrityKey) > 0 {
		// Reserve space for MESSAGE-INTEGRITY so the length field is
		// correct while computing the HMAC over everything before it.
		withPlaceholder := append(append([]byte(nil), body...), encodeAttrHeader(attrMessageIntegrity, 20)...)
		withPlaceholder = append(withPlaceholder, make([]byte, 20)...)
		header := encodeHeader(m, len(withPlaceholder))
		sig := hmacSHA1(integrityKey, append(header, body...))
		body = append(withPlaceholder[:len(withPlaceholder)-20], sig...)
	}

	if addFingerprint {
		header := encodeHeader(m, len(body)+8)
		crc := crc32Fingerprint(append(header, body...))
		body = append(body, encodeAttrHeader(attrFingerprint, 4)...)
		body = append(body, crc...)
	}

	header := encodeHeader(m, len(body))
	return append(header, body...)
}

func encodeHeader(m *Message, bodyLen int) []byte {
	h := make([]byte, headerLength)
	binary.BigEndian.PutUint16(h[0:2], messageType(m.Class, m.Method))
	binary.BigEndian.PutUint16(h[2:4], uint16(bodyLen))
	binary.BigEndian.PutUint32(h[4:8], magicCookie)
	copy(h[8:20], m.TransactionID[:])
	return h
}

func (m *Message) encodeAttributes(attrs []Attribute) []byte {
	var buf bytes.Buffer
	for _, a := range attrs {
		buf.Write(encodeAttrHeader(a.Type, len(a.Value)))
		buf.Write(a.Value)
		buf.Write(make([]byte, pad4(len(a.Value))))
	}
	return buf.Bytes()
}

func encodeAttrHeader(t AttrType, length int) []byte {
	h := make([]byte, 4)
	binary.BigEndian.PutUint16(h[0:2], uint16(t))
	binary.BigEndian.PutUint16(h[2:4], uint16(length))
	return h
}
