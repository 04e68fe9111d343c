package ice

import (
	"io"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// Conn is the net.Conn an ICE session hands to the caller once a candidate
// pair is selected: writes go out the pair's local side (straight UDP or,
// for a Relayed local, through its TURN client); reads come from whatever
// the owning Socket's demultiplexer delivers for that pair.
type Conn struct {
	session *Session
	pair    *CandidatePair

	in        chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	rmu    sync.Mutex
	rtimer *time.Timer
}

func newConn(session *Session, pair *CandidatePair) *Conn {
	return &Conn{
		session: session,
		pair:    pair,
		in:      make(chan []byte, 64),
		closed:  make(chan struct{}),
		rtimer:  time.NewTimer(math.MaxInt64),
	}
}

// deliver is called by the owning Socket's demultiplexer for every inbound
// datagram matched to this connection's quick route.
func (c *Conn) deliver(data []byte) {
	select {
	case c.in <- data:
	case <-c.closed:
	default:
		log.Warn("%s: read queue full, dropping packet", c.pair.id)
	}
}

func (c *Conn) Read(b []byte) (int, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, io.EOF
		}
		if len(data) > len(b) {
			log.Warn("%s: read truncated, buffer too small", c.pair.id)
		}
		return copy(b, data), nil
	case <-c.rtimer.C:
		return 0, ErrReadTimeout
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, xerrors.New("ice: write on closed connection")
	default:
	}
	return c.pair.writeTo(b)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return c.pair.local.address.netAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.pair.remote.address.netAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if !c.rtimer.Stop() {
		select {
		case <-c.rtimer.C:
		default:
		}
	}
	if !t.IsZero() {
		c.rtimer.Reset(time.Until(t))
	} else {
		c.rtimer.Reset(math.MaxInt64)
	}
	return nil
}

// SetWriteDeadline is a no-op: writes are fire-and-forget datagram sends.
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }
