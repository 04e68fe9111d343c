package ice

import (
	"net"
	"time"

	"github.com/lanikai/nattransport/internal/stun"
)

const (
	// Packets larger than a path's MTU are fragmented or dropped; 1500 is a
	// safe default absent path MTU discovery.
	maxDatagramSize = 1500

	readTimeout = 5 * time.Second
)

// Base is the transport address an ICE agent sends from for a particular
// candidate (RFC 8445 §3): one bound UDP socket per kept local interface
// address.
type Base struct {
	net.PacketConn

	address   TransportAddress
	component int

	dead chan struct{}
	err  error
}

// createBase binds an ephemeral (or configured) UDP port on ip.
func createBase(ip net.IP, port, component int) (*Base, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, err
	}
	address := makeTransportAddress(conn.LocalAddr())
	log.Info("listening on %s", address)
	return &Base{PacketConn: conn, address: address, component: component}, nil
}

// stunRequestHandler processes an inbound STUN request this base's
// transaction manager didn't recognize as a response to one of its own
// outstanding requests (i.e. a peer-initiated Binding request).
type stunRequestHandler func(msg *stun.Message, from net.Addr, base *Base)

// dataHandler processes an inbound non-STUN datagram.
type dataHandler func(from net.Addr, base *Base, data []byte)

// readLoop demultiplexes inbound packets: STUN responses matching one of
// mgr's outstanding transactions are delivered there; unmatched STUN
// requests go to onRequest; other unmatched STUN messages are dropped; and
// non-STUN data goes to onData. Runs until the socket is closed.
func (base *Base) readLoop(mgr *stun.Manager, onRequest stunRequestHandler, onData dataHandler) {
	base.dead = make(chan struct{})
	defer close(base.dead)

	buf := make([]byte, maxDatagramSize)
	for {
		base.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := base.ReadFrom(buf)
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				continue
			}
			base.err = err
			log.Debug("base %s: read loop exiting: %v", base.address, err)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if mgr.Dispatch(data) {
			continue
		}

		if stun.LooksLikeSTUN(data) {
			msg, err := stun.Decode(data)
			if err != nil {
				log.Warn("base %s: malformed STUN from %s: %v", base.address, from, err)
				continue
			}
			if msg == nil {
				continue
			}
			if msg.Class == stun.Request {
				onRequest(msg, from, base)
			}
			continue
		}

		onData(from, base, data)
	}
}
