package stun

import (
	"context"
	"net"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/nattransport/internal/backoff"
)

// DiscoveryConfig configures a server-reflexive address discovery attempt
// (spec section 4.3).
type DiscoveryConfig struct {
	// Servers is tried in order; the first to yield a Binding success
	// response wins. Later servers are only contacted if an earlier one's
	// back-off pattern is exhausted.
	Servers []net.Addr

	// Pattern is cloned for each server attempted. If nil, DefaultPattern
	// is used.
	Pattern *backoff.Pattern

	Software string
}

// DefaultPattern is the retransmission schedule used when a caller doesn't
// supply one: RFC 5389 Appendix B's recommended STUN retransmission timer
// (500ms initial RTO, doubling, 7 attempts).
func DefaultPattern() *backoff.Pattern {
	return backoff.New(7,
		500*time.Millisecond, 1*time.Second, 2*time.Second,
		4*time.Second, 8*time.Second, 16*time.Second, 16*time.Second)
}

var ErrNoServersConfigured = xerrors.New("stun: no servers configured for discovery")

// Discover sends a Binding request to each configured server in turn,
// returning the first server-reflexive address obtained along with the
// address of the server that answered. It implements the failover
// behavior spec.md section 4.3 describes: if a server's retransmission
// pattern is exhausted without a response, the next server is tried.
func Discover(ctx context.Context, mgr *Manager, conn Conn, cfg DiscoveryConfig) (*net.UDPAddr, net.Addr, error) {
	if len(cfg.Servers) == 0 {
		return nil, nil, ErrNoServersConfigured
	}

	pattern := cfg.Pattern
	if pattern == nil {
		pattern = DefaultPattern()
	}

	var lastErr error
	for _, server := range cfg.Servers {
		req := New(Request, MethodBinding)
		if cfg.Software != "" {
			req.SetSoftware(cfg.Software)
		}

		log.Debug("sending Binding request to %s", server)
		resp, err := mgr.RoundTrip(ctx, conn, server, req, nil, false, pattern.Clone())
		if err != nil {
			log.Warn("Binding request to %s failed: %v", server, err)
			lastErr = err
			continue
		}
		if resp.Class == ErrorResponse {
			ec, _ := resp.ErrorCode()
			lastErr = xerrors.Errorf("stun: %s returned error %d (%s)", server, ec.Code, ec.Reason)
			continue
		}

		addr, err := resp.XorMappedAddress()
		if err != nil {
			lastErr = err
			continue
		}
		if addr == nil {
			lastErr = xerrors.Errorf("stun: %s success response missing XOR-MAPPED-ADDRESS", server)
			continue
		}
		return addr, server, nil
	}

	if lastErr == nil {
		lastErr = ErrTransactionTimeout
	}
	return nil, nil, xerrors.Errorf("stun: discovery failed against all %d server(s): %w", len(cfg.Servers), lastErr)
}
