package ice

import "golang.org/x/xerrors"

// Typed errors, named for what they signal rather than where they occur.
var (
	ErrReadTimeout          = xerrors.New("ice: read timeout")
	ErrNoInterfaceAddresses = xerrors.New("ice: no usable local interface addresses")
	ErrEstablishTimeout     = xerrors.New("ice: failed to establish a connection before the deadline")
	ErrSocketShutdown       = xerrors.New("ice: socket is shutting down")
	ErrUnknownMid           = xerrors.New("ice: no session with that mid")
)
