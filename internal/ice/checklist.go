package ice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/lanikai/nattransport/internal/stun"
)

type checklistState int

const (
	checklistRunning checklistState = iota
	checklistCompleted
	checklistFailed
)

// Checklist pairs a session's local and remote candidates, runs RFC 8445
// §6.1.2 connectivity checks against them, and drives nomination.
type Checklist struct {
	session *Session

	mutex sync.Mutex

	state checklistState

	listeners      map[int]chan checklistState
	nextListenerID int

	nextPairID  int
	pairs       []*CandidatePair
	triggered   []*CandidatePair
	valid       []*CandidatePair
	selected    *CandidatePair
	nextToCheck int
}

func newChecklist(session *Session) *Checklist {
	return &Checklist{session: session}
}

// addCandidatePairs pairs every candidate in locals with every candidate in
// remotes sharing a component (RFC 8445 §6.1.2.2), then re-sorts and prunes
// the whole checklist.
func (cl *Checklist) addCandidatePairs(locals, remotes []Candidate) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	for _, local := range locals {
		for _, remote := range remotes {
			if !canBePaired(local, remote) {
				continue
			}
			p := newCandidatePair(cl.nextPairID, local, remote)
			cl.nextPairID++
			p.state = Waiting
			log.Debug("adding candidate pair %s", p)
			cl.pairs = append(cl.pairs, p)
		}
	}

	cl.pairs = cl.sortAndPrune(cl.pairs)
}

// canBePaired restricts pairing to candidates of the same component whose
// transport addresses are protocol/family/scope compatible.
func canBePaired(local, remote Candidate) bool {
	return local.component == remote.component &&
		local.address.protocol == remote.address.protocol &&
		local.address.family == remote.address.family &&
		local.address.linkLocal == remote.address.linkLocal
}

// sortAndPrune sorts pairs from highest to lowest priority (RFC 8445
// §6.1.2.3) and removes redundant pairs (§6.1.2.4): same remote candidate
// and same local base, keeping only the higher-priority one.
func (cl *Checklist) sortAndPrune(pairs []*CandidatePair) []*CandidatePair {
	controlling := cl.session.isControlling()
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].priority(controlling) > pairs[j].priority(controlling)
	})

	kept := pairs[:0]
	for i, p := range pairs {
		switch p.state {
		case InProgress, Succeeded, Failed:
			kept = append(kept, p)
			continue
		}
		redundant := false
		for j := 0; j < i; j++ {
			if isRedundant(p, pairs[j]) {
				log.Debug("pruning %s in favor of %s", p.id, pairs[j].id)
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, p)
		}
	}
	return kept
}

func isRedundant(p1, p2 *CandidatePair) bool {
	return p1.remote.address.equal(p2.remote.address) && p1.local.base.address.equal(p2.local.base.address)
}

// run drives pacing (a randomized 200-600ms check timer, RFC 8445 §14.3)
// until ctx is cancelled or the checklist stops running. It sends no
// keepalives.
func (cl *Checklist) run(ctx context.Context) {
	for {
		delay := randomPacingInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if p := cl.nextPair(); p != nil {
			go cl.sendCheck(ctx, p)
		}

		if cl.checklistState() != checklistRunning {
			return
		}
	}
}

func randomPacingInterval() time.Duration {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return 200*time.Millisecond + time.Duration(b[0])*1567*time.Microsecond // spreads across ~200-600ms
}

func (cl *Checklist) checklistState() checklistState {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	return cl.state
}

// nextPair returns the next candidate pair to check: the head of the
// triggered-check queue if non-empty, else the next Waiting pair in
// round-robin order.
func (cl *Checklist) nextPair() *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	if len(cl.triggered) > 0 {
		p := cl.triggered[0]
		cl.triggered = cl.triggered[1:]
		return p
	}

	n := len(cl.pairs)
	for i := 0; i < n; i++ {
		k := (cl.nextToCheck + i) % n
		p := cl.pairs[k]
		if p.state == Waiting {
			cl.nextToCheck = (k + 1) % n
			return p
		}
	}
	return nil
}

func (cl *Checklist) triggerCheck(p *CandidatePair) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	if p.state == Frozen || p.state == Waiting {
		cl.triggered = append(cl.triggered, p)
	}
}

// sendCheck performs one connectivity check (RFC 8445 §7.2.2-7.2.4): a
// Binding request carrying PRIORITY, the local role attribute, and USERNAME
// = remote-ufrag:local-ufrag, authenticated with the remote password.
func (cl *Checklist) sendCheck(ctx context.Context, p *CandidatePair) {
	cl.mutex.Lock()
	p.state = InProgress
	cl.mutex.Unlock()

	s := cl.session
	nominate := s.isControlling() && cl.bestSucceededPair() == p

	req := stun.New(stun.Request, stun.MethodBinding)
	req.SetUsername(s.remoteUfrag + ":" + s.localUfrag)
	req.SetPriority(p.local.peerPriority())
	if s.isControlling() {
		req.SetIceControlling(s.tieBreaker())
		if nominate {
			req.SetUseCandidate()
		}
	} else {
		req.SetIceControlled(s.tieBreaker())
	}

	key := []byte(s.remotePassword)
	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	resp, err := s.socket.mgr.RoundTrip(ctx, p.local.base, p.remote.address.netAddr(), req, key, true, stun.DefaultPattern())
	if err != nil {
		log.Debug("%s: connectivity check failed: %v", p.id, err)
		cl.mutex.Lock()
		p.state = Failed
		cl.mutex.Unlock()
		return
	}

	cl.processResponse(ctx, p, resp, nominate)
}

func (cl *Checklist) bestSucceededPair() *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	var best *CandidatePair
	controlling := cl.session.isControlling()
	for _, p := range cl.valid {
		if best == nil || p.priority(controlling) > best.priority(controlling) {
			best = p
		}
	}
	return best
}

// processResponse implements RFC 8445 §7.2.5: success promotes the pair to
// Succeeded and, if nomination was requested or echoed, selects it; a 487
// Role Conflict flips this session's role and retries; anything else fails
// the pair.
func (cl *Checklist) processResponse(ctx context.Context, p *CandidatePair, resp *stun.Message, nominate bool) {
	if resp.Class == stun.ErrorResponse {
		ec, _ := resp.ErrorCode()
		if ec.Code == 487 {
			cl.session.switchRole()
			cl.mutex.Lock()
			p.state = Waiting
			cl.mutex.Unlock()
			cl.triggerCheck(p)
			return
		}
		log.Debug("%s: connectivity check rejected: %d %s", p.id, ec.Code, ec.Reason)
		cl.mutex.Lock()
		p.state = Failed
		cl.mutex.Unlock()
		return
	}

	log.Debug("%s: successful connectivity check", p.id)
	cl.mutex.Lock()
	p.state = Succeeded
	cl.valid = append(cl.valid, p)
	cl.mutex.Unlock()

	if nominate || resp.UseCandidate() {
		cl.nominate(p)
	}
}

func (cl *Checklist) nominate(p *CandidatePair) {
	cl.mutex.Lock()
	p.nominated = true
	cl.mutex.Unlock()
	cl.updateState()
}

func (cl *Checklist) updateState() {
	cl.mutex.Lock()
	if cl.state != checklistRunning {
		cl.mutex.Unlock()
		return
	}
	for _, p := range cl.valid {
		if p.nominated {
			log.Info("selected %s", p)
			cl.selected = p
			cl.state = checklistCompleted
			break
		}
	}
	listeners := make([]chan checklistState, 0, len(cl.listeners))
	for _, ch := range cl.listeners {
		listeners = append(listeners, ch)
	}
	state := cl.state
	cl.mutex.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- state:
		default:
		}
	}
}

func (cl *Checklist) addListener() (int, <-chan checklistState) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	id := cl.nextListenerID
	cl.nextListenerID++
	ch := make(chan checklistState, 1)
	if cl.listeners == nil {
		cl.listeners = make(map[int]chan checklistState)
	}
	cl.listeners[id] = ch
	return id, ch
}

func (cl *Checklist) removeListener(id int) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	delete(cl.listeners, id)
}

// handleStunRequest implements RFC 8445 §7.3: respond to an inbound Binding
// request, adopting a peer-reflexive candidate if the pair is unknown,
// resolving a role conflict if the request's role attribute disagrees with
// ours, and queuing a triggered check.
func (cl *Checklist) handleStunRequest(req *stun.Message, raddr net.Addr, base *Base) {
	s := cl.session

	if _, has := req.Get(stun.AttrMessageIntegrity); has {
		if err := stun.ValidateMessageIntegrity(req, []byte(s.localPassword)); err != nil {
			log.Warn("dropping connectivity check from %s: %s", raddr, err)
			return
		}
	}

	if conflict, reject := s.roleConflict(req); conflict {
		if reject {
			resp := stun.NewWithTransactionID(stun.ErrorResponse, stun.MethodBinding, req.TransactionID)
			resp.SetErrorCode(stun.ErrorCode{Code: 487, Reason: "Role Conflict"})
			wire := resp.Encode([]byte(s.localPassword), true)
			_, _ = base.WriteTo(wire, raddr)
			return
		}
		s.switchRole()
	}

	p := cl.findPair(base, raddr)
	if p == nil {
		priority, _ := req.Priority()
		p = cl.adoptPeerReflexiveCandidate(base, raddr, priority)
	}

	if req.UseCandidate() && !p.nominated {
		log.Debug("nominating %s", p.id)
		cl.nominate(p)
	}

	resp := stun.NewWithTransactionID(stun.SuccessResponse, stun.MethodBinding, req.TransactionID)
	if udpAddr, ok := raddr.(*net.UDPAddr); ok {
		resp.SetXorMappedAddress(udpAddr)
	}
	wire := resp.Encode([]byte(s.localPassword), true)
	if _, err := base.WriteTo(wire, raddr); err != nil {
		log.Warn("failed to send STUN response: %v", err)
	}

	cl.triggerCheck(p)
}

func (cl *Checklist) adoptPeerReflexiveCandidate(base *Base, raddr net.Addr, priority uint32) *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	local := makeHostCandidate(cl.session.mid, base)
	remote := makePeerReflexiveCandidate(cl.session.mid, raddr, base, priority)
	log.Debug("new peer-reflexive candidate %s", remote)

	p := newCandidatePair(cl.nextPairID, local, remote)
	cl.nextPairID++
	p.state = Waiting
	cl.pairs = append(cl.pairs, p)
	cl.pairs = cl.sortAndPrune(cl.pairs)
	return p
}

func (cl *Checklist) findPair(base *Base, raddr net.Addr) *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	remote := makeTransportAddress(raddr)
	for _, p := range cl.pairs {
		if p.local.address.equal(base.address) && p.remote.address.equal(remote) {
			return p
		}
	}
	return nil
}

func (cl *Checklist) getSelected(ctx context.Context) (*CandidatePair, error) {
	lid, stateCh := cl.addListener()
	defer cl.removeListener(lid)

	for {
		cl.mutex.Lock()
		sel := cl.selected
		cl.mutex.Unlock()
		if sel != nil {
			return sel, nil
		}
		select {
		case <-stateCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func newTieBreaker() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}
