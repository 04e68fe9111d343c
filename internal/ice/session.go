package ice

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/nattransport/internal/stun"
)

// Role is an ICE agent's role in the RFC 8445 §8 tie-breaking procedure.
type Role int

const (
	Controlling Role = iota
	Controlled
)

// Session is one ICE data stream/component: local and remote credentials,
// the candidate pairs formed between them, and (once nominated) the
// data-plane connection over the selected pair.
type Session struct {
	mid       string
	component int

	socket *Socket

	localUfrag, localPassword   string
	remoteUfrag, remotePassword string

	roleMu sync.Mutex
	role   Role
	tb     uint64

	checklist *Checklist

	candMu           sync.Mutex
	localCandidates  []Candidate
	remoteCandidates []Candidate

	readyOnce sync.Once
	ready     chan struct{}
	conn      *Conn
}

// newSession creates a session owned by socket. role establishes this
// side's initial controlling/controlled posture (RFC 8445 §5.2) and a
// random tie-breaker is drawn; the role may flip during the
// connectivity-check exchange on a 487 Role Conflict.
func newSession(socket *Socket, mid string, component int, role Role, localUfrag, localPassword, remoteUfrag, remotePassword string) *Session {
	s := &Session{
		mid:            mid,
		component:      component,
		socket:         socket,
		localUfrag:     localUfrag,
		localPassword:  localPassword,
		remoteUfrag:    remoteUfrag,
		remotePassword: remotePassword,
		role:           role,
		tb:             newTieBreaker(),
		ready:          make(chan struct{}),
	}
	s.checklist = newChecklist(s)
	return s
}

func (s *Session) isControlling() bool {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	return s.role == Controlling
}

func (s *Session) tieBreaker() uint64 {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	return s.tb
}

// switchRole flips this session's role, per RFC 8445 §7.3.1.1: done when a
// role conflict is detected and this side holds the smaller tie-breaker.
func (s *Session) switchRole() {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()
	if s.role == Controlling {
		s.role = Controlled
	} else {
		s.role = Controlling
	}
	log.Info("%s: role conflict, switched to %v", s.mid, s.role)
}

// roleConflict compares req's role attribute against our own. conflict is
// true if the attribute disagrees with our current role; reject is true if
// our tie-breaker wins (RFC 8445 section 7.3.1.1: >= the peer's), meaning we
// keep our role and answer with a 487 rather than switching.
func (s *Session) roleConflict(req *stun.Message) (conflict, reject bool) {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()

	if remoteTB, ok := req.IceControlling(); ok && s.role == Controlling {
		return true, s.tb >= remoteTB
	}
	if remoteTB, ok := req.IceControlled(); ok && s.role == Controlled {
		return true, s.tb >= remoteTB
	}
	return false, false
}

// addLocalCandidate registers a newly gathered local candidate and pairs it
// against every already-known remote candidate.
func (s *Session) addLocalCandidate(c Candidate) {
	s.candMu.Lock()
	s.localCandidates = append(s.localCandidates, c)
	remotes := append([]Candidate(nil), s.remoteCandidates...)
	s.candMu.Unlock()

	s.checklist.addCandidatePairs([]Candidate{c}, remotes)
}

// AddRemoteCandidate parses and registers a trickled remote candidate line,
// pairing it against every already-known local candidate. An empty desc
// signals end-of-candidates and is a no-op.
func (s *Session) AddRemoteCandidate(desc string) error {
	if desc == "" {
		return nil
	}
	c, err := ParseCandidate(desc, s.mid)
	if err != nil {
		return xerrors.Errorf("ice: parsing remote candidate: %w", err)
	}

	s.candMu.Lock()
	s.remoteCandidates = append(s.remoteCandidates, c)
	locals := append([]Candidate(nil), s.localCandidates...)
	s.candMu.Unlock()

	s.checklist.addCandidatePairs(locals, []Candidate{c})
	return nil
}

// Establish starts connectivity checks and blocks until a pair is
// nominated, ctx is cancelled, or deadline elapses.
func (s *Session) Establish(ctx context.Context, deadline time.Duration) (net.Conn, error) {
	checkCtx, cancel := context.WithCancel(ctx)
	go s.checklist.run(checkCtx)
	go s.watchSelected(checkCtx, cancel)

	select {
	case <-s.ready:
		return s.conn, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case <-time.After(deadline):
		cancel()
		return nil, ErrEstablishTimeout
	}
}

func (s *Session) watchSelected(ctx context.Context, cancel context.CancelFunc) {
	p, err := s.checklist.getSelected(ctx)
	if err != nil {
		return
	}
	s.readyOnce.Do(func() {
		s.conn = newConn(s, p)
		s.socket.registerQuickRoute(p, s)
		close(s.ready)
		cancel()
	})
}

// deliver hands an inbound data-plane packet (i.e. not a STUN connectivity
// check or TURN control message) to the established connection.
func (s *Session) deliver(data []byte) {
	if s.conn != nil {
		s.conn.deliver(data)
	}
}

// ownsBase reports whether base hosts one of this session's local
// candidates, used by the socket's demultiplexer to route an inbound
// Binding request lacking any other session affinity.
func (s *Session) ownsBase(base *Base) bool {
	s.candMu.Lock()
	defer s.candMu.Unlock()
	for _, c := range s.localCandidates {
		if c.base == base {
			return true
		}
	}
	return false
}
