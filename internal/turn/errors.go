package turn

import "golang.org/x/xerrors"

// Typed, comparable sentinel errors for TURN's failure kinds, declared with
// golang.org/x/xerrors the way the teacher's internal/rtp package prefers
// xerrors over stdlib errors for its typed error values. Callers compare
// with xerrors.Is across any %w wrapping added along the way; a boundary
// that wants to attach operator-facing context instead wraps with
// github.com/pkg/errors (cmd/natprobe does this for its own ice sentinels).
var (
	// ErrUserRequestedShutdown is returned from in-flight operations when
	// the client is closed out from under them.
	ErrUserRequestedShutdown = xerrors.New("turn: user requested shutdown")

	// ErrDNSLookupFailure means every configured server name failed to
	// resolve to an address.
	ErrDNSLookupFailure = xerrors.New("turn: DNS lookup failure")

	// ErrFailedToConnectToAnyServer means every resolved server address
	// was tried and none produced a successful Allocate response.
	ErrFailedToConnectToAnyServer = xerrors.New("turn: failed to connect to any server")

	// ErrRefreshTimeout means an allocation Refresh got no response
	// within its deadline.
	ErrRefreshTimeout = xerrors.New("turn: refresh timed out")

	// ErrUnexpectedSocketFailure wraps an I/O error from the underlying
	// socket that isn't one of the above.
	ErrUnexpectedSocketFailure = xerrors.New("turn: unexpected socket failure")

	// ErrBogusDataOnSocketReceived means a packet arrived that is neither
	// a well-formed STUN message nor a well-formed ChannelData frame.
	ErrBogusDataOnSocketReceived = xerrors.New("turn: bogus data received on socket")
)
