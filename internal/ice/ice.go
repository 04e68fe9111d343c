// Package ice implements an ICE (RFC 8445) agent: candidate gathering over
// one or more local network interfaces (host, server-reflexive via
// internal/stun, and relayed via internal/turn), candidate pairing and
// connectivity checks, nomination, and the resulting data-plane net.Conn.
package ice

import (
	"github.com/lanikai/nattransport/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ice")
