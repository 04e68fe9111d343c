package turn

import (
	"net"
	"time"

	"github.com/lanikai/nattransport/internal/dnsresolve"
)

// Config configures a Client. It carries a subset of section 6's
// configuration options; the keep-alive minimum is a fixed constant,
// channel binding is always attempted, and only UDP to the server is used.
type Config struct {
	// Servers is the ordered list of candidate TURN server names
	// ("host:port" or bare host, defaulting to port 3478). Servers are
	// activated in a staggered fashion: the i-th resolved address is tried
	// i×StaggerDelay after the first, whether or not earlier attempts are
	// still running, and the first successful Allocate wins.
	Servers []string

	// Username/Password are the long-term credential used once the
	// server challenges with a 401 and a REALM/NONCE.
	Username string
	Password string

	// SRVLookupType controls how Servers' hostnames resolve to addresses
	// when the server name isn't already an IP literal. See
	// internal/dnsresolve.LookupMode and SPEC_FULL.md E.3 (Open
	// Question 1). The allowlist-disabled-by-default Open Question 2
	// decision lives on RestrictedIPs below.
	SRVLookupType dnsresolve.LookupMode

	// RestrictedIPs, if non-empty, limits CreatePermission/ChannelBind
	// requests to peer addresses in this list. A nil or empty list means
	// "allow all" — disabled by default, since this library is meant to
	// be usable without a managed allowlist deployment.
	RestrictedIPs []net.IP

	// Lifetime is the requested allocation lifetime. The server may
	// return a shorter one; the client always refreshes against
	// whatever the server actually granted.
	Lifetime time.Duration

	// StaggerDelay is how long to wait before activating the next
	// candidate server while an earlier one is still being tried.
	StaggerDelay time.Duration

	// DontFragment requests the server set the DF bit on relayed UDP
	// packets it forwards (RFC 5766 section 14.8). Some servers don't
	// understand DONT-FRAGMENT at all; the Allocate handshake retries
	// without it on a 420 naming it unknown.
	DontFragment bool

	// MobilityTicket, if set, is sent with the initial Allocate so the
	// client can later re-allocate from a different address without
	// losing its relayed transport address (RFC 8016). A server that
	// rejects mobility retries the Allocate without this attribute.
	MobilityTicket []byte

	Software string
}

// DefaultLifetime is requested when Config.Lifetime is zero (RFC 5766
// section 2.2 suggests a default of 600 seconds).
const DefaultLifetime = 600 * time.Second

// DefaultStaggerDelay is used when Config.StaggerDelay is zero.
const DefaultStaggerDelay = 3 * time.Second

// channelLifetime is fixed by RFC 5766 section 11: a channel binding lasts
// 10 minutes unless refreshed.
const channelLifetime = 10 * time.Minute

// channelRefreshAt is when a channel binding should be refreshed, per
// spec.md section 4.4: at 9 minutes, one minute before the 10-minute
// channel lifetime expires.
const channelRefreshAt = 9 * time.Minute

// refreshInterval computes when to refresh an allocation given its
// current lifetime, per spec.md section 4.4:
// interval = min(lifetime-60, max(15, lifetime/2)).
func refreshInterval(lifetime time.Duration) time.Duration {
	half := lifetime / 2
	if half < 15*time.Second {
		half = 15 * time.Second
	}
	minusOne := lifetime - 60*time.Second
	if half < minusOne {
		return half
	}
	return minusOne
}

func (c *Config) isRestricted(ip net.IP) bool {
	if len(c.RestrictedIPs) == 0 {
		return false
	}
	for _, allowed := range c.RestrictedIPs {
		if allowed.Equal(ip) {
			return false
		}
	}
	return true
}

func (c *Config) lifetime() time.Duration {
	if c.Lifetime > 0 {
		return c.Lifetime
	}
	return DefaultLifetime
}

func (c *Config) staggerDelay() time.Duration {
	if c.StaggerDelay > 0 {
		return c.StaggerDelay
	}
	return DefaultStaggerDelay
}
