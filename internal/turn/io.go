package turn

import (
	"context"
	"net"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/nattransport/internal/backoff"
	"github.com/lanikai/nattransport/internal/stun"
)

// backoffNoRetry is used for the best-effort deallocation Refresh sent
// from Close: one attempt, no retransmission, since nothing depends on it
// actually being delivered.
func backoffNoRetry() *backoff.Pattern {
	return backoff.New(1, 200*time.Millisecond)
}

// ReadFrom reads a relayed packet, returning the peer address it came
// from. It satisfies net.PacketConn.
func (c *Client) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.readCh:
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	case <-c.closeCh:
		c.mu.Lock()
		err := c.shutdownErr
		c.mu.Unlock()
		return 0, nil, err
	}
}

// WriteTo relays p to addr, installing a permission for addr's IP first if
// one isn't already active, and using ChannelData framing once a channel
// binding for addr is established. It satisfies net.PacketConn.
func (c *Client) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, xerrors.New("turn: WriteTo requires a *net.UDPAddr")
	}
	if restricted := c.cfg.isRestricted(udpAddr.IP); restricted {
		return 0, xerrors.Errorf("turn: peer %s is not in the restricted-IPs allowlist", udpAddr.IP)
	}

	c.perms.touch(udpAddr.IP)
	if !c.perms.has(udpAddr.IP) {
		if err := c.sendPermissionBatch(context.Background()); err != nil {
			return 0, err
		}
	}

	binding := c.channels.getOrCreate(udpAddr)
	if !binding.isBound() {
		if err := c.bindChannel(context.Background(), binding); err != nil {
			// Fall back to a Send indication; the data plane still works
			// without a channel, just with more per-packet overhead.
			log.Warn("channel bind to %s failed, falling back to Send indication: %v", udpAddr, err)
			return c.sendIndication(udpAddr, p)
		}
	}

	frame := encodeChannelData(binding.number, p)
	if _, err := c.conn.WriteTo(frame, c.server); err != nil {
		return 0, xerrors.Errorf("turn: %w: %v", ErrUnexpectedSocketFailure, err)
	}
	c.markTraffic()
	return len(p), nil
}

func (c *Client) sendIndication(addr *net.UDPAddr, p []byte) (int, error) {
	ind := stun.New(stun.Indication, stun.MethodSend)
	ind.SetXorPeerAddress(addr)
	ind.SetData(p)
	wire := ind.Encode(nil, true)
	if _, err := c.conn.WriteTo(wire, c.server); err != nil {
		return 0, xerrors.Errorf("turn: %w: %v", ErrUnexpectedSocketFailure, err)
	}
	c.markTraffic()
	return len(p), nil
}

func (c *Client) markTraffic() {
	c.mu.Lock()
	c.lastTraffic = time.Now()
	c.mu.Unlock()
}

// createPermission installs a permission for ip (RFC 5766 section 9),
// folding ip into the set of currently-known peers and sending a single
// batched CreatePermission request covering all of them, per spec.md
// section 4.4.
func (c *Client) createPermission(ctx context.Context, ip net.IP) error {
	c.perms.touch(ip)
	return c.sendPermissionBatch(ctx)
}

// sendPermissionBatch issues one CreatePermission request naming every
// currently-known peer (up to any capacity the server has previously
// imposed). On 436 InsufficientCapacity it remembers a smaller capacity,
// evicts the least-recently-used peer, and retries with the shrunk batch.
func (c *Client) sendPermissionBatch(ctx context.Context) error {
	ips := c.perms.knownIPs()
	if len(ips) == 0 {
		return nil
	}

	c.mu.Lock()
	key, realm, nonce := c.key, c.realm, c.nonce
	c.mu.Unlock()

	req := stun.New(stun.Request, stun.MethodCreatePermission)
	for _, ip := range ips {
		req.SetXorPeerAddress(&net.UDPAddr{IP: ip})
	}
	req.SetUsername(c.cfg.Username)
	req.SetRealm(realm)
	req.SetNonce(nonce)

	resp, err := c.mgr.RoundTrip(ctx, c.conn, c.server, req, key, false, stun.DefaultPattern())
	if err != nil {
		return xerrors.Errorf("turn: CreatePermission: %w", err)
	}
	if resp.Class == stun.ErrorResponse {
		ec, _ := resp.ErrorCode()
		if ec.Code == 436 && len(ips) > 1 {
			log.Warn("turn: CreatePermission over capacity at %d peers, evicting LRU and retrying", len(ips))
			c.perms.setCap(len(ips) - 1)
			return c.sendPermissionBatch(ctx)
		}
		return xerrors.Errorf("turn: CreatePermission rejected: %d %s", ec.Code, ec.Reason)
	}

	for _, ip := range ips {
		c.perms.install(ip)
	}
	return nil
}

// bindChannel binds b's channel number to its peer address (RFC 5766
// section 11).
func (c *Client) bindChannel(ctx context.Context, b *channelBinding) error {
	b.mu.Lock()
	if b.state == stateBinding || b.state == stateBound {
		b.mu.Unlock()
		return nil
	}
	b.state = stateBinding
	b.mu.Unlock()

	c.mu.Lock()
	key, realm, nonce := c.key, c.realm, c.nonce
	c.mu.Unlock()

	req := stun.New(stun.Request, stun.MethodChannelBind)
	req.SetChannelNumber(b.number)
	req.SetXorPeerAddress(b.peer)
	req.SetUsername(c.cfg.Username)
	req.SetRealm(realm)
	req.SetNonce(nonce)

	resp, err := c.mgr.RoundTrip(ctx, c.conn, c.server, req, key, false, stun.DefaultPattern())
	if err != nil {
		b.mu.Lock()
		b.state = stateUnbound
		b.mu.Unlock()
		return xerrors.Errorf("turn: ChannelBind to %s: %w", b.peer, err)
	}
	if resp.Class == stun.ErrorResponse {
		b.mu.Lock()
		b.state = stateUnbound
		b.mu.Unlock()
		ec, _ := resp.ErrorCode()
		return xerrors.Errorf("turn: ChannelBind to %s rejected: %d %s", b.peer, ec.Code, ec.Reason)
	}

	b.mu.Lock()
	b.state = stateBound
	b.boundAt = time.Now()
	b.mu.Unlock()
	return nil
}

// readLoop demultiplexes packets from the server: STUN messages destined
// for the transaction manager, ChannelData frames destined for the
// application, and Data indications (the unbound-peer equivalent of
// ChannelData).
func (c *Client) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				log.Error("turn: %v: %v", ErrUnexpectedSocketFailure, err)
			}
			return
		}
		data := append([]byte(nil), buf[:n]...)

		if isChannelData(data) {
			number, payload, err := decodeChannelData(data)
			if err != nil {
				log.Warn("turn: %v: %v", ErrBogusDataOnSocketReceived, err)
				continue
			}
			b, ok := c.channels.byChannelNumber(number)
			if !ok {
				continue
			}
			c.deliver(payload, b.peer)
			continue
		}

		if c.mgr.Dispatch(data) {
			continue
		}

		msg, err := stun.Decode(data)
		if err != nil || msg == nil {
			log.Warn("turn: %v", ErrBogusDataOnSocketReceived)
			continue
		}
		if msg.Class == stun.Indication && msg.Method == stun.MethodData {
			peer, _ := msg.XorPeerAddress()
			payload, _ := msg.Data()
			if peer != nil && payload != nil {
				c.deliver(payload, peer)
			}
		}
	}
}

func (c *Client) deliver(data []byte, from net.Addr) {
	select {
	case c.readCh <- inboundPacket{data: data, from: from}:
	default:
		log.Warn("turn: read queue full, dropping packet from %s", from)
	}
}

// turnKeepAliveMinimum is how long the allocation can go without outbound
// traffic before refreshLoop forces an early Refresh to keep NAT bindings
// alive, per spec.md section 4.4 (`turn-keep-alive-minimum-seconds`).
const turnKeepAliveMinimum = 20 * time.Second

// refreshLoop periodically refreshes the allocation and any channel
// bindings or permissions that are due, per the timing spec.md section 4.4
// specifies: allocation refresh at min(lifetime-60, max(15, lifetime/2));
// channel refresh at 9 minutes (one minute before the 10-minute channel
// lifetime expires). A Refresh failure or timeout is fatal: the client
// shuts itself down rather than retry, since spec.md section 4.4/4.7 treat
// allocation loss as unrecoverable.
func (c *Client) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	c.mu.Lock()
	nextAllocRefresh := time.Now().Add(refreshInterval(c.lifetime))
	c.mu.Unlock()

	for {
		select {
		case <-c.closeCh:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			idle := now.Sub(c.lastTraffic) >= turnKeepAliveMinimum
			c.mu.Unlock()

			if !now.Before(nextAllocRefresh) || idle {
				lifetime, err := c.refreshAllocation(context.Background())
				if err != nil {
					log.Error("turn: allocation refresh failed, shutting down: %v", err)
					go c.closeWithErr(err)
					return
				}
				c.mu.Lock()
				c.lifetime = lifetime
				c.lastTraffic = time.Now()
				c.mu.Unlock()
				nextAllocRefresh = time.Now().Add(refreshInterval(lifetime))
			}

			for _, b := range c.channels.all() {
				if b.needsRefresh() {
					if err := c.bindChannel(context.Background(), clearedForRebind(b)); err != nil {
						log.Error("turn: channel refresh for %s: %v", b.peer, err)
					}
				}
			}

			c.perms.prune()
			if due := c.perms.dueForRefresh(); len(due) > 0 {
				for _, ip := range due {
					c.perms.touch(ip)
				}
				if err := c.sendPermissionBatch(context.Background()); err != nil {
					log.Error("turn: permission refresh: %v", err)
				}
			}
		}
	}
}

// clearedForRebind resets a bound channel's state so bindChannel will
// re-send the ChannelBind request instead of treating it as already bound.
func clearedForRebind(b *channelBinding) *channelBinding {
	b.mu.Lock()
	b.state = stateUnbound
	b.mu.Unlock()
	return b
}

func (c *Client) refreshAllocation(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	key, realm, nonce := c.key, c.realm, c.nonce
	c.mu.Unlock()

	req := stun.New(stun.Request, stun.MethodRefresh)
	req.SetLifetime(uint32(c.cfg.lifetime() / time.Second))
	req.SetUsername(c.cfg.Username)
	req.SetRealm(realm)
	req.SetNonce(nonce)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.mgr.RoundTrip(ctx, c.conn, c.server, req, key, false, stun.DefaultPattern())
	if err != nil {
		if xerrors.Is(err, context.DeadlineExceeded) {
			return 0, xerrors.Errorf("turn: %w", ErrRefreshTimeout)
		}
		return 0, err
	}
	if resp.Class == stun.ErrorResponse {
		ec, _ := resp.ErrorCode()
		return 0, xerrors.Errorf("turn: Refresh rejected: %d %s", ec.Code, ec.Reason)
	}
	lifetime, _ := resp.Lifetime()
	return time.Duration(lifetime) * time.Second, nil
}

// Close tears down the allocation (best-effort, via a zero-lifetime
// Refresh) and releases the local socket.
func (c *Client) Close() error {
	return c.closeWithErr(ErrUserRequestedShutdown)
}

// closeWithErr is Close's implementation, parameterized on the reason
// callers blocked in ReadFrom/WriteTo should see — ErrUserRequestedShutdown
// for a caller-initiated Close, or the refresh failure/timeout that made
// refreshLoop treat the allocation as unrecoverable (spec.md section 4.4).
func (c *Client) closeWithErr(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.shutdownErr = reason
		c.mu.Unlock()
		close(c.closeCh)
		if c.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			req := stun.New(stun.Request, stun.MethodRefresh)
			req.SetLifetime(0)
			req.SetUsername(c.cfg.Username)
			c.mu.Lock()
			key, realm, nonce := c.key, c.realm, c.nonce
			c.mu.Unlock()
			req.SetRealm(realm)
			req.SetNonce(nonce)
			_, _ = c.mgr.RoundTrip(ctx, c.conn, c.server, req, key, false, backoffNoRetry())
			cancel()
		}
		c.mgr.Close(reason)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}
