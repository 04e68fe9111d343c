package ice

import (
	"net"
	"testing"

	"github.com/lanikai/nattransport/internal/stun"
)

func newTestBindingRequest() *stun.Message {
	return stun.New(stun.Request, stun.MethodBinding)
}

// cand returns a Candidate with a specified priority and IP address. Not all
// Candidate fields are populated.
func cand(priority uint32, ip string, port int) Candidate {
	c := Candidate{}
	c.priority = priority
	c.address.protocol = UDP
	c.address.port = port
	parsed := net.ParseIP(ip)
	c.address.ip = IPAddress(parsed.To4())
	c.address.family = IPv4
	return c
}

func controllingChecklist() *Checklist {
	session := &Session{role: Controlling}
	return newChecklist(session)
}

func TestSortInPriorityOrder(t *testing.T) {
	// Three candidate pairs, each with different addresses, initially *not* in
	// priority order (100, 99, 101).
	pairs := []*CandidatePair{
		newCandidatePair(1, cand(100, "1.1.1.1", 1000), cand(100, "1.1.1.1", 1001)),
		newCandidatePair(2, cand(99, "2.2.2.2", 2000), cand(99, "2.2.2.2", 2001)),
		newCandidatePair(3, cand(101, "3.3.3.3", 3000), cand(101, "3.3.3.3", 3001)),
	}

	cl := controllingChecklist()
	pairs = cl.sortAndPrune(pairs)
	if len(pairs) != 3 {
		t.Errorf("Pairs should not have been pruned: %+v", pairs)
	}

	// After sorting, the highest priority should be first.
	if pairs[0].local.priority != 101 || pairs[1].local.priority != 100 || pairs[2].local.priority != 99 {
		t.Errorf("Pairs are not sorted: %+v", pairs)
	}
}

func TestPruneRedundant(t *testing.T) {
	// Host candidate and server-reflexive candidate with the same base.
	hostCand := cand(100, "1.1.1.1", 1000)
	hostCand.base = &Base{address: hostCand.address}
	srflxCand := cand(99, "1.2.3.4", 1234)
	srflxCand.base = hostCand.base

	// Two candidate pairs with the same local base and same remote address,
	// but different priorities.
	pairs := []*CandidatePair{
		newCandidatePair(1, hostCand, cand(100, "5.5.5.5", 5555)),
		newCandidatePair(2, srflxCand, cand(99, "5.5.5.5", 5555)),
	}

	cl := controllingChecklist()
	pairs = cl.sortAndPrune(pairs)
	if len(pairs) != 1 {
		t.Errorf("Pairs should have been pruned: %+v", pairs)
	}
	if pairs[0].local.priority != 100 {
		t.Errorf("Should have selected the higher priority pair: %+v", pairs[0])
	}
}

func TestPruneSkipsInProgress(t *testing.T) {
	// Host candidate and server-reflexive candidate with the same base.
	hostCand := cand(100, "1.1.1.1", 1000)
	hostCand.base = &Base{address: hostCand.address}
	srflxCand := cand(99, "1.2.3.4", 1234)
	srflxCand.base = hostCand.base

	// Two redundant candidate pairs, but the lower priority one is in-progress.
	pairs := []*CandidatePair{
		newCandidatePair(1, hostCand, cand(100, "5.5.5.5", 5555)),
		newCandidatePair(2, srflxCand, cand(99, "5.5.5.5", 5555)),
	}
	pairs[1].state = InProgress

	cl := controllingChecklist()
	pairs = cl.sortAndPrune(pairs)
	if len(pairs) != 2 {
		t.Errorf("In-progress pair should not have been pruned: %+v", pairs)
	}
}

// TestPairPriorityAsymmetry checks RFC 8445 section 6.1.2.3: the formula is
// not symmetric in local/remote priority, it's symmetric in
// controlling/controlled priority. Holding the pair fixed and flipping the
// local role swaps which candidate counts as the controlling agent's, and
// that must change the result.
func TestPairPriorityAsymmetry(t *testing.T) {
	local := cand(200, "1.1.1.1", 1000)
	remote := cand(100, "2.2.2.2", 2000)
	p := newCandidatePair(1, local, remote)

	controlling := p.priority(true)  // G=local(200), D=remote(100)
	controlled := p.priority(false) // G=remote(100), D=local(200)

	if controlling == controlled {
		t.Errorf("priority should depend on role: controlling=%d controlled=%d", controlling, controlled)
	}

	// G>D in the controlling case (200>100), so bit 0 is set; in the
	// controlled case G<D (100<200), so it isn't.
	if controlling&1 != 1 {
		t.Errorf("expected controlling-role priority to have the G>D bit set: %d", controlling)
	}
	if controlled&1 != 0 {
		t.Errorf("expected controlled-role priority to have the G>D bit clear: %d", controlled)
	}
}

// TestRoleConflictSwitches verifies the RFC 8445 section 7.3.1.1 tie-break:
// when both sides believe they're controlling and the peer's tie-breaker is
// larger, this side switches to controlled rather than rejecting.
func TestRoleConflictSwitches(t *testing.T) {
	s := &Session{role: Controlling, tb: 10}

	msg := newTestBindingRequest()
	msg.SetIceControlling(20)

	conflict, reject := s.roleConflict(msg)
	if !conflict {
		t.Fatal("expected a role conflict")
	}
	if reject {
		t.Errorf("smaller tie-breaker (10) should switch roles, not reject with 487")
	}
}

func TestRoleConflictRejects(t *testing.T) {
	s := &Session{role: Controlling, tb: 30}

	msg := newTestBindingRequest()
	msg.SetIceControlling(20)

	conflict, reject := s.roleConflict(msg)
	if !conflict {
		t.Fatal("expected a role conflict")
	}
	if !reject {
		t.Errorf("larger tie-breaker (30) should keep its role and reject with 487")
	}
}
