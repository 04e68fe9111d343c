package ice

import (
	"context"
	"hash/crc32"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/nattransport/internal/stun"
	"github.com/lanikai/nattransport/internal/turn"
)

// socketState is the lifecycle RFC 8445's gathering/keepalive model imposes
// on a socket's bound endpoints and relay allocations.
type socketState int

const (
	Pending socketState = iota
	Ready
	GoingToSleep
	Sleeping
	ShuttingDown
	Shutdown
)

func (s socketState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case GoingToSleep:
		return "GoingToSleep"
	case Sleeping:
		return "Sleeping"
	case ShuttingDown:
		return "ShuttingDown"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Config configures a Socket's local binding and the STUN/TURN servers used
// for candidate gathering.
type Config struct {
	// Port to bind on every kept interface address; 0 picks an ephemeral
	// port per interface.
	Port int

	EnableIPv6 bool

	// InterfaceNames restricts gathering to the named interfaces, in
	// priority order. Empty means all non-loopback, up interfaces.
	InterfaceNames []string

	STUNServers []string
	TURNServers []turn.Config

	RebindIdleInterval   time.Duration // default 2s when no bases are bound
	RebindActiveInterval time.Duration // default 30s once at least one base is bound
}

func (c *Config) rebindInterval(haveBases bool) time.Duration {
	if haveBases {
		if c.RebindActiveInterval > 0 {
			return c.RebindActiveInterval
		}
		return 30 * time.Second
	}
	if c.RebindIdleInterval > 0 {
		return c.RebindIdleInterval
	}
	return 2 * time.Second
}

type quickRouteKey struct {
	viaLocal  string
	viaRemote string
	fromIP    string
}

// Socket is the ICE agent's local half: a set of bound UDP endpoints, the
// STUN/TURN state gathered from each, and the sessions (sets of candidate
// pairs) layered on top of them.
type Socket struct {
	cfg Config
	mgr *stun.Manager

	mu                 sync.Mutex
	state              socketState
	bases              []*Base
	turnClients        []*turn.Client
	gatheredCandidates []Candidate
	fingerprint        uint32
	sessions           map[string]*Session
	quickRoute         map[quickRouteKey]*Session

	lastTraffic time.Time
	wakeUntil   time.Time

	changed chan struct{}
	closeCh chan struct{}
}

// NewSocket binds local endpoints per cfg and begins gathering candidates.
// It returns once the initial binding pass completes; gathering and
// rebinding continue in the background until Close.
func NewSocket(ctx context.Context, cfg Config) (*Socket, error) {
	s := &Socket{
		cfg:        cfg,
		mgr:        stun.NewManager(),
		sessions:   make(map[string]*Session),
		quickRoute: make(map[quickRouteKey]*Session),
		changed:    make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}

	if err := s.bind(); err != nil {
		return nil, err
	}
	if len(s.bases) == 0 {
		return nil, xerrors.Errorf("ice: %w", ErrNoInterfaceAddresses)
	}

	s.setState(Ready)
	go s.gather(ctx)
	go s.rebindLoop(ctx)

	return s, nil
}

func (s *Socket) setState(state socketState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	log.Debug("socket: state %v", state)
}

func (s *Socket) State() socketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// bind enumerates local interfaces (filtered by EnableIPv6 and
// InterfaceNames) and creates one Base per kept address not already bound.
func (s *Socket) bind() error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return xerrors.Errorf("ice: enumerating interfaces: %w", err)
	}

	existing := make(map[string]bool)
	s.mu.Lock()
	for _, b := range s.bases {
		existing[b.address.displayIP()] = true
	}
	s.mu.Unlock()

	if len(s.cfg.InterfaceNames) > 0 {
		rank := make(map[string]int, len(s.cfg.InterfaceNames))
		for i := len(s.cfg.InterfaceNames) - 1; i >= 0; i-- {
			rank[s.cfg.InterfaceNames[i]] = i
		}
		sort.SliceStable(ifaces, func(i, j int) bool {
			return rank[ifaces[i].Name] < rank[ifaces[j].Name]
		})
	}

	var newBases []*Base
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(s.cfg.InterfaceNames) > 0 && !containsName(s.cfg.InterfaceNames, iface.Name) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP
			if ip.To4() == nil && !s.cfg.EnableIPv6 {
				continue
			}
			if existing[ip.String()] {
				continue
			}
			base, err := createBase(ip, s.cfg.Port, 1)
			if err != nil {
				log.Debug("ice: failed to bind %s: %v", ip, err)
				continue
			}
			newBases = append(newBases, base)
			go base.readLoop(s.mgr, s.handleStunRequest, s.handleData)
		}
	}

	s.mu.Lock()
	s.bases = append(s.bases, newBases...)
	s.mu.Unlock()
	return nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// rebindLoop periodically re-enumerates interfaces (RFC 8445's notion of
// "new network attached"), binding newly appeared addresses. It gives up
// after 60 consecutive failed re-enumerations; a successful one resets the
// count.
func (s *Socket) rebindLoop(ctx context.Context) {
	attempts := 0
	const maxFailedAttempts = 60

	for {
		s.mu.Lock()
		haveBases := len(s.bases) > 0
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case <-time.After(s.cfg.rebindInterval(haveBases)):
		}

		before := s.baseCount()
		if err := s.bind(); err != nil {
			attempts++
			if attempts >= maxFailedAttempts {
				log.Warn("ice: rebind budget exhausted, giving up re-enumeration")
				return
			}
			continue
		}
		attempts = 0
		if s.baseCount() > before {
			go s.gather(ctx)
		}
	}
}

func (s *Socket) baseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bases)
}

// gather runs host/server-reflexive/relayed candidate discovery across
// every currently bound base, then emits a candidates-changed notification
// if the resulting set differs from the last one.
func (s *Socket) gather(ctx context.Context) {
	s.mu.Lock()
	bases := append([]*Base(nil), s.bases...)
	s.mu.Unlock()

	srflxResults := make([][]Candidate, len(bases))
	var wg sync.WaitGroup
	for i, base := range bases {
		wg.Add(1)
		go func(i int, base *Base) {
			defer wg.Done()
			srflxResults[i] = s.gatherReflexive(ctx, base)
		}(i, base)
	}
	wg.Wait()

	srflxByBase := make(map[*Base][]Candidate, len(bases))
	for i, base := range bases {
		srflxByBase[base] = srflxResults[i]
		for _, c := range srflxResults[i] {
			s.addGatheredCandidate(c)
		}
	}

	// Reflexive-dedup: only gather TURN relays from bases whose
	// reflexive address set isn't a strict duplicate of one already
	// claimed by an earlier base.
	claimed := make(map[string]bool)
	for _, base := range bases {
		dupe := true
		for _, c := range srflxByBase[base] {
			if !claimed[c.address.displayIP()] {
				dupe = false
			}
		}
		if len(srflxByBase[base]) == 0 {
			dupe = false
		}
		for _, c := range srflxByBase[base] {
			claimed[c.address.displayIP()] = true
		}
		if !dupe {
			go s.gatherRelayed(ctx, base)
		}
	}

	s.broadcastCandidatesChanged(bases)
}

func (s *Socket) gatherReflexive(ctx context.Context, base *Base) []Candidate {
	if base.address.protocol != UDP || base.address.linkLocal || len(s.cfg.STUNServers) == 0 {
		return nil
	}

	var servers []net.Addr
	for _, srv := range s.cfg.STUNServers {
		addr, err := net.ResolveUDPAddr("udp", srv)
		if err != nil {
			log.Debug("ice: bad STUN server %q: %v", srv, err)
			continue
		}
		servers = append(servers, addr)
	}
	if len(servers) == 0 {
		return nil
	}

	discCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mapped, server, err := stun.Discover(discCtx, s.mgr, base, stun.DiscoveryConfig{
		Servers: servers,
		Pattern: stun.DefaultPattern(),
	})
	if err != nil {
		log.Debug("ice: STUN discovery on %s failed: %v", base.address, err)
		return nil
	}

	mappedTA := makeTransportAddress(mapped)
	if mappedTA.equal(base.address) {
		return nil
	}
	c := makeServerReflexiveCandidate("", mappedTA, base, server.String())
	return []Candidate{c}
}

func (s *Socket) gatherRelayed(ctx context.Context, base *Base) {
	for _, turnCfg := range s.cfg.TURNServers {
		client, err := turn.Dial(ctx, turnCfg)
		if err != nil {
			log.Debug("ice: TURN allocation via %s failed: %v", base.address, err)
			continue
		}

		s.mu.Lock()
		s.turnClients = append(s.turnClients, client)
		s.mu.Unlock()

		relayed := makeTransportAddress(client.RelayedAddr())
		c := makeRelayedCandidate("", relayed, base, turnCfg.Servers[0], client)
		s.addGatheredCandidate(c)

		go s.relayReadLoop(client)
	}
}

// relayReadLoop forwards data arriving on a TURN client's relayed address to
// whichever session's quick route matches the peer it came from.
func (s *Socket) relayReadLoop(client *turn.Client) {
	buf := make([]byte, maxDatagramSize)
	viaLocal := client.RelayedAddr().IP.String()
	for {
		n, from, err := client.ReadFrom(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		s.dispatchData(viaLocal, from, data)
	}
}

// addGatheredCandidate is a hook point for newly discovered candidates;
// sessions created after gathering pick these up from gatheredCandidates.
// A candidate whose key (type, foundation, address, priority, component)
// already appears — e.g. two bases independently discovering the same
// server-reflexive address — is dropped rather than emitted twice, per
// spec.md section 4.5's "deduplicated, priority-ordered candidate list".
func (s *Socket) addGatheredCandidate(c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.key()
	for _, existing := range s.gatheredCandidates {
		if existing.key() == key {
			return
		}
	}
	s.gatheredCandidates = append(s.gatheredCandidates, c)
}

// NewSession creates an ICE session (one data stream/component) on this
// socket, pairing it immediately against every candidate gathered so far.
func (s *Socket) NewSession(mid string, component int, role Role, localUfrag, localPassword, remoteUfrag, remotePassword string) *Session {
	session := newSession(s, mid, component, role, localUfrag, localPassword, remoteUfrag, remotePassword)

	s.mu.Lock()
	bases := append([]*Base(nil), s.bases...)
	candidates := append([]Candidate(nil), s.gatheredCandidates...)
	s.sessions[mid] = session
	s.mu.Unlock()

	for _, base := range bases {
		session.addLocalCandidate(makeHostCandidate(mid, base))
	}
	for _, c := range candidates {
		c.mid = mid
		session.addLocalCandidate(c)
	}

	return session
}

func (s *Socket) registerQuickRoute(pair *CandidatePair, session *Session) {
	key := quickRouteKey{
		viaLocal:  pair.local.address.displayIP(),
		viaRemote: pair.remote.address.displayIP(),
		fromIP:    pair.remote.address.displayIP(),
	}
	s.mu.Lock()
	s.quickRoute[key] = session
	s.mu.Unlock()
}

func (s *Socket) dispatchData(viaLocal string, from net.Addr, data []byte) {
	fromIP := addrIP(from)
	key := quickRouteKey{viaLocal: viaLocal, viaRemote: fromIP, fromIP: fromIP}

	s.mu.Lock()
	session := s.quickRoute[key]
	s.mu.Unlock()

	if session == nil {
		log.Debug("ice: no session for inbound data via %s from %s, dropping", viaLocal, from)
		return
	}
	s.lastTraffic = time.Now()
	session.deliver(data)
}

func addrIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	default:
		return addr.String()
	}
}

func (s *Socket) handleData(from net.Addr, base *Base, data []byte) {
	s.dispatchData(base.address.displayIP(), from, data)
}

func (s *Socket) handleStunRequest(msg *stun.Message, from net.Addr, base *Base) {
	if msg.Method != stun.MethodBinding {
		log.Debug("ice: unexpected STUN request method %v from %s", msg.Method, from)
		return
	}

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	// Offer the request to each session's checklist until one accepts it
	// (i.e. has a base matching this arrival).
	for _, sess := range sessions {
		if sess.ownsBase(base) {
			sess.checklist.handleStunRequest(msg, from, base)
			return
		}
	}
	log.Debug("ice: no session claims base %s for inbound Binding request", base.address)
}

// candidatesFingerprint computes a CRC32 over the sorted (type, foundation,
// address, priority, component) keys of cands, used to detect a meaningful
// change in the emitted candidate set (RFC 8445 §4.1's "agent MUST NOT
// regenerate unless ... set of candidates has changed").
func candidatesFingerprint(cands []Candidate) uint32 {
	sorted := append([]Candidate(nil), cands...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].key() < sorted[j].key()
	})

	var b strings.Builder
	for _, c := range sorted {
		b.WriteString(c.key())
		b.WriteByte('\n')
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

func (s *Socket) broadcastCandidatesChanged(bases []*Base) {
	s.mu.Lock()
	cands := append([]Candidate(nil), s.gatheredCandidates...)
	for _, base := range bases {
		cands = append(cands, makeHostCandidate("", base))
	}
	fp := candidatesFingerprint(cands)
	changed := fp != s.fingerprint
	s.fingerprint = fp
	s.mu.Unlock()

	if changed {
		select {
		case s.changed <- struct{}{}:
		default:
		}
	}
}

// Changed returns a channel that receives a notification each time the
// emitted candidate set changes.
func (s *Socket) Changed() <-chan struct{} {
	return s.changed
}

// Candidates returns every candidate gathered so far: host candidates for
// each bound base plus the successful ServerReflexive and Relayed
// candidates, deduplicated and sorted by descending priority (ties broken
// by type, then address), per spec.md section 4.5's "deduplicated,
// priority-ordered candidate list".
func (s *Socket) Candidates() []Candidate {
	s.mu.Lock()
	cands := make([]Candidate, 0, len(s.bases)+len(s.gatheredCandidates))
	for _, base := range s.bases {
		cands = append(cands, makeHostCandidate("", base))
	}
	cands = append(cands, s.gatheredCandidates...)
	s.mu.Unlock()

	seen := make(map[string]bool, len(cands))
	deduped := cands[:0]
	for _, c := range cands {
		key := c.key()
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, c)
	}

	sort.Slice(deduped, func(i, j int) bool {
		a, b := deduped[i], deduped[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.typ != b.typ {
			return a.typ < b.typ
		}
		return a.address.String() < b.address.String()
	})
	return deduped
}

// Wakeup keeps the socket's TURN allocations for at least minLifetime. If
// minLifetime then elapses with no inbound data and no later Wakeup call
// has extended the deadline, the socket tears down its TURN allocations
// (GoingToSleep → Sleeping) while keeping the bound UDP endpoints; if
// traffic arrives before then, the socket does not sleep.
func (s *Socket) Wakeup(minLifetime time.Duration) {
	s.mu.Lock()
	s.wakeUntil = time.Now().Add(minLifetime)
	s.mu.Unlock()

	time.AfterFunc(minLifetime, func() {
		s.mu.Lock()
		now := time.Now()
		shouldSleep := s.state == Ready && !now.Before(s.wakeUntil) && now.Sub(s.lastTraffic) >= minLifetime
		s.mu.Unlock()

		if shouldSleep {
			s.sleep()
		}
	})
}

func (s *Socket) sleep() {
	s.setState(GoingToSleep)
	s.mu.Lock()
	clients := append([]*turn.Client(nil), s.turnClients...)
	s.turnClients = nil
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
	s.setState(Sleeping)
}

// Close tears down every bound endpoint and TURN allocation.
func (s *Socket) Close() error {
	s.setState(ShuttingDown)
	close(s.closeCh)

	s.mu.Lock()
	bases := s.bases
	clients := s.turnClients
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
	for _, b := range bases {
		_ = b.Close()
	}
	s.mgr.Close(ErrSocketShutdown)
	s.setState(Shutdown)
	return nil
}
