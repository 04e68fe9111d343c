package turn

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/nattransport/internal/dnsresolve"
	"github.com/lanikai/nattransport/internal/logging"
	"github.com/lanikai/nattransport/internal/stun"
)

var log = logging.DefaultLogger.WithTag("turn")

type inboundPacket struct {
	data []byte
	from net.Addr
}

// Client is a TURN (RFC 5766) client: it allocates a relayed transport
// address on a server, installs permissions and channel bindings for
// peers, and relays data to/from them. Only the UDP transport to the
// server is implemented; classifyFrame recognizes TURN-over-TCP frames,
// but no Client code path reads from a stream.
type Client struct {
	cfg Config

	conn   net.PacketConn
	mgr    *stun.Manager
	server net.Addr

	relayedAddr *net.UDPAddr

	mu          sync.Mutex
	realm       string
	nonce       string
	key         []byte // long-term MESSAGE-INTEGRITY key once realm/nonce are known
	lifetime    time.Duration
	lastTraffic time.Time
	shutdownErr error

	perms    *permissionTable
	channels *channelTable

	readCh    chan inboundPacket
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial resolves cfg's server list, allocates a relayed transport address on
// the first server to answer (bringing candidate servers into rotation in
// a staggered fashion rather than waiting out a full timeout on each one
// before trying the next), and returns a ready Client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, xerrors.Errorf("turn: %w: no servers configured", ErrFailedToConnectToAnyServer)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, xerrors.Errorf("turn: %w: %v", ErrUnexpectedSocketFailure, err)
	}

	c := &Client{
		cfg:         cfg,
		conn:        conn,
		mgr:         stun.NewManager(),
		perms:       newPermissionTable(),
		channels:    newChannelTable(),
		readCh:      make(chan inboundPacket, 256),
		closeCh:     make(chan struct{}),
		lastTraffic: time.Now(),
	}

	c.wg.Add(1)
	go c.readLoop()

	if err := c.allocate(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.refreshLoop()

	return c, nil
}

// RelayedAddr returns the server-allocated transport address peers should
// be told to send to.
func (c *Client) RelayedAddr() *net.UDPAddr {
	return c.relayedAddr
}

func (c *Client) resolveServers(ctx context.Context) ([]net.Addr, error) {
	var addrs []net.Addr
	var lastErr error

	for _, server := range c.cfg.Servers {
		host, port, err := net.SplitHostPort(server)
		if err != nil {
			host, port = server, "3478"
		}
		if ip := net.ParseIP(host); ip != nil {
			p, err := strconv.Atoi(port)
			if err != nil {
				p = 3478
			}
			addrs = append(addrs, &net.UDPAddr{IP: ip, Port: p})
			continue
		}

		resolver, err := dnsresolve.NewResolver()
		if err != nil {
			lastErr = err
			continue
		}
		targets, err := resolver.Resolve(ctx, "turn", "udp", host, c.cfg.SRVLookupType)
		if err != nil || len(targets) == 0 {
			lastErr = err
			continue
		}
		for _, t := range targets {
			addrs = append(addrs, t.UDPAddr())
		}
	}

	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = xerrors.New("no addresses resolved")
		}
		return nil, xerrors.Errorf("turn: %w: %v", ErrDNSLookupFailure, lastErr)
	}
	return addrs, nil
}

// allocate tries each resolved server address, staggering activation of
// later candidates by cfg.staggerDelay() rather than waiting for an
// earlier candidate's full retransmission timeout to elapse first.
func (c *Client) allocate(ctx context.Context) error {
	addrs, err := c.resolveServers(ctx)
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		addr net.Addr
		rel  *net.UDPAddr
		life time.Duration
		realm, nonce string
		err  error
	}
	results := make(chan result, len(addrs))

	for i, addr := range addrs {
		delay := time.Duration(i) * c.cfg.staggerDelay()
		addr := addr
		go func() {
			select {
			case <-time.After(delay):
			case <-attemptCtx.Done():
				results <- result{addr: addr, err: attemptCtx.Err()}
				return
			}
			rel, life, realm, nonce, err := c.allocateFrom(attemptCtx, addr)
			results <- result{addr, rel, life, realm, nonce, err}
		}()
	}

	var lastErr error
	for range addrs {
		r := <-results
		if r.err != nil {
			log.Warn("allocate against %s failed: %v", r.addr, r.err)
			lastErr = r.err
			continue
		}
		cancel() // stop other in-flight attempts; this one won
		c.server = r.addr
		c.relayedAddr = r.rel

		c.mu.Lock()
		c.lifetime = r.life
		c.realm = r.realm
		c.nonce = r.nonce
		c.key = stun.LongTermKey(c.cfg.Username, r.realm, c.cfg.Password)
		c.mu.Unlock()

		log.Info("allocated %s on %s (lifetime %s)", r.rel, r.addr, r.life)
		return nil
	}

	if lastErr == nil {
		lastErr = xerrors.New("no server returned a successful allocation")
	}
	return xerrors.Errorf("turn: %w: %v", ErrFailedToConnectToAnyServer, lastErr)
}

// allocateFrom runs the full Allocate handshake against one server
// address: an unauthenticated request, the expected 401 challenge, and the
// authenticated retry (RFC 5766 section 6), resending without
// DONT-FRAGMENT or MOBILITY-TICKET if the server rejects the attempt for
// carrying either one (RFC 5766 section 14.8, RFC 8016).
func (c *Client) allocateFrom(ctx context.Context, addr net.Addr) (*net.UDPAddr, time.Duration, string, string, error) {
	req := stun.New(stun.Request, stun.MethodAllocate)
	req.SetRequestedTransport(stun.ProtocolUDP)
	req.SetLifetime(uint32(c.cfg.lifetime() / time.Second))
	if c.cfg.Software != "" {
		req.SetSoftware(c.cfg.Software)
	}

	resp, err := c.mgr.RoundTrip(ctx, c.conn, addr, req, nil, false, stun.DefaultPattern())
	if err != nil {
		return nil, 0, "", "", err
	}

	realm, nonce, ok := challenge(resp)
	if !ok {
		return nil, 0, "", "", xerrors.Errorf("turn: Allocate succeeded without a challenge, which this client does not support unauthenticated")
	}

	key := stun.LongTermKey(c.cfg.Username, realm, c.cfg.Password)

	dontFragment := c.cfg.DontFragment
	mobilityTicket := c.cfg.MobilityTicket

	for {
		req2 := stun.New(stun.Request, stun.MethodAllocate)
		req2.SetRequestedTransport(stun.ProtocolUDP)
		req2.SetLifetime(uint32(c.cfg.lifetime() / time.Second))
		req2.SetUsername(c.cfg.Username)
		req2.SetRealm(realm)
		req2.SetNonce(nonce)
		if dontFragment {
			req2.SetDontFragment()
		}
		if len(mobilityTicket) > 0 {
			req2.SetMobilityTicket(mobilityTicket)
		}

		resp2, err := c.mgr.RoundTrip(ctx, c.conn, addr, req2, key, false, stun.DefaultPattern())
		if err != nil {
			return nil, 0, "", "", err
		}
		if resp2.Class == stun.ErrorResponse {
			ec, _ := resp2.ErrorCode()
			if ec.Code == 420 && dontFragment {
				log.Warn("turn: %s rejected DONT-FRAGMENT as unknown, retrying without it", addr)
				dontFragment = false
				continue
			}
			if ec.Code == 403 && len(mobilityTicket) > 0 {
				log.Warn("turn: %s forbade mobility, retrying without MOBILITY-TICKET", addr)
				mobilityTicket = nil
				continue
			}
			return nil, 0, "", "", xerrors.Errorf("turn: Allocate rejected: %d %s", ec.Code, ec.Reason)
		}

		relayed, err := resp2.XorRelayedAddress()
		if err != nil || relayed == nil {
			return nil, 0, "", "", xerrors.Errorf("turn: Allocate response missing XOR-RELAYED-ADDRESS: %v", err)
		}
		lifetime, _ := resp2.Lifetime()
		if lifetime == 0 {
			lifetime = uint32(c.cfg.lifetime() / time.Second)
		}

		return relayed, time.Duration(lifetime) * time.Second, realm, nonce, nil
	}
}

// challenge extracts REALM/NONCE from a 401 (Unauthorized) or 438 (Stale
// Nonce) error response.
func challenge(resp *stun.Message) (realm, nonce string, ok bool) {
	if resp.Class != stun.ErrorResponse {
		return "", "", false
	}
	ec, _ := resp.ErrorCode()
	if ec.Code != 401 && ec.Code != 438 {
		return "", "", false
	}
	realm, _ = resp.Realm()
	nonce, _ = resp.Nonce()
	return realm, nonce, realm != "" && nonce != ""
}
