package turn

import (
	"net"
	"sync"
	"time"
)

// Channel numbers are restricted to 0x4000-0x7FFF by RFC 5766 section 11;
// everything else is reserved.
const (
	minChannelNumber = 0x4000
	maxChannelNumber = 0x7fff
)

type channelState int

const (
	stateUnbound channelState = iota
	stateBinding
	stateBound
)

type channelBinding struct {
	mu       sync.Mutex
	number   uint16
	peer     *net.UDPAddr
	state    channelState
	boundAt  time.Time
}

// channelTable tracks channel bindings both by peer address (to find or
// create a binding for an outgoing packet) and by channel number (to
// demultiplex inbound ChannelData frames).
type channelTable struct {
	mu       sync.Mutex
	byAddr   map[string]*channelBinding
	byNumber map[uint16]*channelBinding
	next     uint16
}

func newChannelTable() *channelTable {
	return &channelTable{
		byAddr:   make(map[string]*channelBinding),
		byNumber: make(map[uint16]*channelBinding),
		next:     minChannelNumber,
	}
}

// getOrCreate returns the existing binding for peer, or allocates a fresh
// unbound one with the next available channel number.
func (t *channelTable) getOrCreate(peer *net.UDPAddr) *channelBinding {
	key := peer.String()
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.byAddr[key]; ok {
		return b
	}

	number := t.next
	if t.next == maxChannelNumber {
		t.next = minChannelNumber
	} else {
		t.next++
	}

	b := &channelBinding{number: number, peer: peer}
	t.byAddr[key] = b
	t.byNumber[number] = b
	return b
}

func (t *channelTable) byChannelNumber(number uint16) (*channelBinding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.byNumber[number]
	return b, ok
}

func (t *channelTable) all() []*channelBinding {
	t.mu.Lock()
	defer t.mu.Unlock()
	bindings := make([]*channelBinding, 0, len(t.byAddr))
	for _, b := range t.byAddr {
		bindings = append(bindings, b)
	}
	return bindings
}

func (b *channelBinding) isBound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateBound
}

func (b *channelBinding) needsRefresh() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateBound && time.Since(b.boundAt) >= channelRefreshAt
}
