package group

import "errors"

// Transport errors
var (
	ErrNotStarted     = errors.New("group not started")
	ErrAlreadyStarted = errors.New("group already started")
	ErrUnreachable    = errors.New("member not reachable")
	ErrNoReceiver     = errors.New("no receiver registered")
	ErrRemote         = errors.New("remote handler failed")
)

// Frame errors
var (
	ErrBadFrame        = errors.New("malformed frame")
	ErrBadSignature    = errors.New("frame signature rejected")
	ErrClusterMismatch = errors.New("frame from another cluster")
)
