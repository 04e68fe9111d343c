package turn

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	stuncodec "github.com/lanikai/nattransport/internal/stun"
)

// channelDataHeaderLength is the fixed ChannelData header: a 2-byte
// channel number followed by a 2-byte length (RFC 5766 section 11.4).
const channelDataHeaderLength = 4

// encodeChannelData frames data for transmission over a bound channel,
// padding to a 4-byte boundary as RFC 5766 section 11.5 requires for
// stream transports (harmless on UDP, where framing is implicit).
func encodeChannelData(number uint16, data []byte) []byte {
	pad := (-len(data)) & 3
	buf := make([]byte, channelDataHeaderLength+len(data)+pad)
	binary.BigEndian.PutUint16(buf[0:2], number)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(data)))
	copy(buf[4:], data)
	return buf
}

var errShortChannelData = xerrors.New("turn: truncated ChannelData frame")

// decodeChannelData parses a ChannelData frame, returning the channel
// number and the (unpadded) payload.
func decodeChannelData(frame []byte) (uint16, []byte, error) {
	if len(frame) < channelDataHeaderLength {
		return 0, nil, errShortChannelData
	}
	number := binary.BigEndian.Uint16(frame[0:2])
	length := binary.BigEndian.Uint16(frame[2:4])
	if channelDataHeaderLength+int(length) > len(frame) {
		return 0, nil, errShortChannelData
	}
	return number, frame[4 : 4+length], nil
}

// isChannelData reports whether the first byte's top two bits mark this as
// a ChannelData frame (channel numbers 0x4000-0x7FFF always have top bits
// 0b01), as opposed to a STUN message (top bits always 0b00).
func isChannelData(data []byte) bool {
	return len(data) > 0 && data[0]&0xc0 == 0x40
}

// frameKind classifies a leading chunk of a byte stream (as read from a
// TURN-over-TCP connection) so the caller's read loop can route it to the
// STUN transaction manager or the channel-data demultiplexer, per spec.md
// section 6's TCP framing rules.
type frameKind int

const (
	frameIncomplete frameKind = iota
	frameSTUN
	frameChannelData
	frameInvalid
)

// classifyFrame inspects the start of a buffered TCP stream and reports
// what kind of frame it holds and, if a complete frame is present, its
// total length including header and any channel-data padding.
func classifyFrame(buf []byte) (kind frameKind, total int) {
	if len(buf) == 0 {
		return frameIncomplete, 0
	}

	switch {
	case buf[0]&0xc0 == 0x00: // STUN
		if len(buf) < 20 {
			return frameIncomplete, 0
		}
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		total = 20 + length
		if len(buf) < total {
			return frameIncomplete, 0
		}
		return frameSTUN, total

	case buf[0]&0xc0 == 0x40: // ChannelData
		if len(buf) < channelDataHeaderLength {
			return frameIncomplete, 0
		}
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		pad := (-length) & 3
		total = channelDataHeaderLength + length + pad
		if len(buf) < total {
			return frameIncomplete, 0
		}
		return frameChannelData, total

	default:
		return frameInvalid, 0
	}
}

// stunOrChannelData demultiplexes a single UDP datagram (where there is no
// stream framing to worry about, just one or the other) into either a
// decoded STUN message or a raw ChannelData payload.
func stunOrChannelData(data []byte) (msg *stuncodec.Message, channelNumber uint16, payload []byte, err error) {
	if isChannelData(data) {
		number, p, err := decodeChannelData(data)
		return nil, number, p, err
	}
	m, err := stuncodec.Decode(data)
	if m == nil && err == nil {
		return nil, 0, nil, ErrBogusDataOnSocketReceived
	}
	return m, 0, nil, err
}
