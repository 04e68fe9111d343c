package turn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelDataRoundTrip(t *testing.T) {
	payload := []byte("hello, relay")
	frame := encodeChannelData(0x4001, payload)

	// Padded to a 4-byte boundary past the 4-byte header.
	assert.Equal(t, 0, (len(frame)-channelDataHeaderLength)%4)

	number, decoded, err := decodeChannelData(frame)
	require.NoError(t, err)
	assert.EqualValues(t, 0x4001, number)
	assert.Equal(t, payload, decoded)
}

func TestIsChannelDataVsSTUN(t *testing.T) {
	// A channel number's top two bits are always 0b01.
	assert.True(t, isChannelData([]byte{0x40, 0x01, 0x00, 0x04, 1, 2, 3, 4}))
	assert.True(t, isChannelData([]byte{0x7f, 0xff, 0x00, 0x00}))
	// STUN messages always have top two bits 0b00.
	assert.False(t, isChannelData([]byte{0x00, 0x01, 0x00, 0x00}))
}

// classifyFrame drives the TURN-over-TCP disambiguation (scenario S6): it
// tells STUN and ChannelData frames apart, reports their full lengths, and
// reports truncated frames as incomplete.
func TestClassifyFrameTCP(t *testing.T) {
	stunFrame := make([]byte, 20)
	stunFrame[0] = 0x00 // Binding request, class/method bits all zero
	stunFrame[1] = 0x01

	kind, total := classifyFrame(stunFrame)
	assert.Equal(t, frameSTUN, kind)
	assert.Equal(t, 20, total)

	// Truncated STUN header: not enough bytes yet.
	kind, _ = classifyFrame(stunFrame[:10])
	assert.Equal(t, frameIncomplete, kind)

	chFrame := encodeChannelData(0x4000, []byte{1, 2, 3})
	kind, total = classifyFrame(chFrame)
	assert.Equal(t, frameChannelData, kind)
	assert.Equal(t, len(chFrame), total)

	// Truncated ChannelData payload.
	kind, _ = classifyFrame(chFrame[:channelDataHeaderLength])
	assert.Equal(t, frameIncomplete, kind)

	kind, _ = classifyFrame([]byte{0x80, 0x00, 0x00, 0x00})
	assert.Equal(t, frameInvalid, kind)
}

func TestRefreshInterval(t *testing.T) {
	// min(lifetime-60, max(15, lifetime/2))
	assert.Equal(t, 15*time.Second, refreshInterval(20*time.Second))
	assert.Equal(t, 240*time.Second, refreshInterval(600*time.Second))
	assert.Equal(t, 15*time.Second, refreshInterval(30*time.Second))
}

func TestChannelTableAssignsInRange(t *testing.T) {
	table := newChannelTable()
	peer1 := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1000}
	peer2 := &net.UDPAddr{IP: net.ParseIP("203.0.113.2"), Port: 2000}

	b1 := table.getOrCreate(peer1)
	b2 := table.getOrCreate(peer2)

	assert.GreaterOrEqual(t, b1.number, uint16(minChannelNumber))
	assert.LessOrEqual(t, b1.number, uint16(maxChannelNumber))
	assert.NotEqual(t, b1.number, b2.number)

	// Same peer returns the same binding.
	assert.Same(t, b1, table.getOrCreate(peer1))

	found, ok := table.byChannelNumber(b2.number)
	assert.True(t, ok)
	assert.Equal(t, b2, found)
}

func TestPermissionTableLifetimeAndRefresh(t *testing.T) {
	table := newPermissionTable()
	ip := net.ParseIP("198.51.100.7")

	assert.False(t, table.has(ip))
	table.install(ip)
	assert.True(t, table.has(ip))
	assert.Empty(t, table.dueForRefresh())
}

func TestConfigRestrictedIPs(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.isRestricted(net.ParseIP("1.2.3.4")))

	cfg.RestrictedIPs = []net.IP{net.ParseIP("1.2.3.4")}
	assert.False(t, cfg.isRestricted(net.ParseIP("1.2.3.4")))
	assert.True(t, cfg.isRestricted(net.ParseIP("5.6.7.8")))
}
