package ice

import (
	"fmt"
)

// writeTo sends data to the pair's remote candidate from its local side:
// straight UDP for Host/ServerReflexive/PeerReflexive locals, or through the
// anchoring TURN client for a Relayed local (RFC 8445 §11).
func (p *CandidatePair) writeTo(data []byte) (int, error) {
	remote := p.remote.address.netAddr()
	if p.local.relay != nil {
		return p.local.relay.WriteTo(data, remote)
	}
	return p.local.base.WriteTo(data, remote)
}

// CandidatePairState tracks a pair through the RFC 8445 §6.1.2.6 checklist
// state machine. Frozen pairs aren't used by this implementation (every
// pair unfreezes to Waiting as soon as it's added, since a single
// component/single stream checklist has nothing to freeze against).
type CandidatePairState int

const (
	Frozen CandidatePairState = iota
	Waiting
	InProgress
	Succeeded
	Failed
)

func (s CandidatePairState) String() string {
	switch s {
	case Frozen:
		return "Frozen"
	case Waiting:
		return "Waiting"
	case InProgress:
		return "In Progress"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// CandidatePair is a (local, remote) candidate pairing under connectivity
// check by a Checklist.
type CandidatePair struct {
	id         string
	local      Candidate
	remote     Candidate
	foundation string
	component  int

	state     CandidatePairState
	nominated bool
}

func newCandidatePair(seq int, local, remote Candidate) *CandidatePair {
	if local.component != remote.component {
		panic(fmt.Sprintf("ice: candidates in pair have different components: %d != %d", local.component, remote.component))
	}
	return &CandidatePair{
		id:         fmt.Sprintf("pair#%d", seq),
		local:      local,
		remote:     remote,
		foundation: fmt.Sprintf("%s/%s", local.foundation, remote.foundation),
		component:  local.component,
	}
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("%s: %s -> %s [%s]", p.id, p.local.address, p.remote.address, p.state)
}

// priority implements RFC 8445 §6.1.2.3's pairing formula:
//
//	2^32 * MIN(G,D) + 2 * MAX(G,D) + (G>D ? 1 : 0)
//
// where G is the controlling agent's candidate priority and D is the
// controlled agent's. controlling reports whether the local side holds the
// controlling role.
func (p *CandidatePair) priority(controlling bool) uint64 {
	local, remote := uint64(p.local.priority), uint64(p.remote.priority)
	g, d := remote, local
	if controlling {
		g, d = local, remote
	}

	var b uint64
	if g > d {
		b = 1
	}
	return min64(g, d)<<32 + max64(g, d)<<1 + b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
