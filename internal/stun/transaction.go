package stun

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/nattransport/internal/backoff"
	"github.com/lanikai/nattransport/internal/logging"
)

var log = logging.DefaultLogger.WithTag("stun")

// ErrTransactionTimeout is returned from RoundTrip when a request's
// back-off pattern is exhausted without a matching response.
var ErrTransactionTimeout = xerrors.New("stun: transaction timed out")

// Conn is the subset of net.PacketConn the transaction manager needs to
// send requests. It is satisfied by net.PacketConn and by TURN's
// channel-aware wrapper so the same Manager can drive either.
type Conn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Manager matches outgoing requests to incoming responses by transaction
// ID and drives retransmission according to each request's back-off
// pattern. One Manager is shared by every concurrent transaction on a
// given socket; callers feed it inbound packets via Dispatch from their
// own read loop.
type Manager struct {
	mu     sync.Mutex
	active map[TransactionID]*pending
}

type pending struct {
	ch           chan result
	integrityKey []byte
}

type result struct {
	msg *Message
	err error
}

// NewManager creates an empty transaction manager.
func NewManager() *Manager {
	return &Manager{active: make(map[TransactionID]*pending)}
}

// RoundTrip sends req to addr over conn, retransmitting per pattern until a
// response with a matching transaction ID is dispatched, the pattern is
// exhausted, or ctx is done. integrityKey and addFingerprint control how
// req is signed before each (re)transmission.
func (mgr *Manager) RoundTrip(ctx context.Context, conn Conn, addr net.Addr, req *Message, integrityKey []byte, addFingerprint bool, pattern *backoff.Pattern) (*Message, error) {
	p := &pending{ch: make(chan result, 1), integrityKey: integrityKey}

	mgr.mu.Lock()
	mgr.active[req.TransactionID] = p
	mgr.mu.Unlock()
	defer func() {
		mgr.mu.Lock()
		delete(mgr.active, req.TransactionID)
		mgr.mu.Unlock()
	}()

	wire := req.Encode(integrityKey, addFingerprint)

	for {
		// Each transmission waits the pattern's next delay for a response;
		// once the pattern hands out no more delays, the transaction times out.
		delay, ok := pattern.Next()
		if !ok {
			return nil, ErrTransactionTimeout
		}

		if _, err := conn.WriteTo(wire, addr); err != nil {
			return nil, xerrors.Errorf("stun: write to %s: %w", addr, err)
		}

		timer := time.NewTimer(delay)
		select {
		case r := <-p.ch:
			timer.Stop()
			return r.msg, r.err
		case <-timer.C:
			log.Debug("no response to %s %s sent to %s (attempt %d)", req.Class, req.Method, addr, pattern.Attempts())
			continue
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Dispatch hands an inbound packet to the manager. It decodes the packet as
// a STUN message and, if its transaction ID matches an in-flight request,
// delivers it (or the decode error) to that request's RoundTrip call and
// returns true. It returns false if the packet isn't STUN or doesn't match
// any pending transaction, so the caller can try other demultiplexing
// (ChannelData, a server-initiated indication, etc.) instead.
func (mgr *Manager) Dispatch(data []byte) bool {
	msg, err := Decode(data)
	if msg == nil && err == nil {
		return false
	}

	var tid TransactionID
	if msg != nil {
		tid = msg.TransactionID
	}

	mgr.mu.Lock()
	p, ok := mgr.active[tid]
	mgr.mu.Unlock()
	if !ok {
		return false
	}

	// A response naming one of our outstanding transactions is still
	// rejected outright if it fails integrity: per section 4.1, a
	// mismatch here means the packet did not actually come from (or was
	// tampered with by something other than) the peer we sent the
	// request to, so it must not be delivered as that request's answer.
	if msg != nil {
		if _, has := msg.Get(attrFingerprint); has {
			if verr := ValidateFingerprint(msg); verr != nil {
				log.Warn("dropping response to %x: %s", tid, verr)
				return true
			}
		}
		if _, has := msg.Get(attrMessageIntegrity); has && len(p.integrityKey) > 0 {
			if verr := ValidateMessageIntegrity(msg, p.integrityKey); verr != nil {
				log.Warn("dropping response to %x: %s", tid, verr)
				return true
			}
		}
	}

	select {
	case p.ch <- result{msg: msg, err: err}:
	default:
		// A response for this transaction already arrived; ignore
		// duplicates (e.g. a retransmitted response crossing the wire).
	}
	return true
}

// Close fails every outstanding transaction with err, for use when the
// underlying socket is being torn down.
func (mgr *Manager) Close(err error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for id, p := range mgr.active {
		select {
		case p.ch <- result{err: err}:
		default:
		}
		delete(mgr.active, id)
	}
}
