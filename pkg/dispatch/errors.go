package dispatch

import "errors"

// Dispatch errors
var (
	ErrMissingID         = errors.New("dispatcher id is required")
	ErrNotStarted        = errors.New("dispatcher not started")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrUnknownDispatcher = errors.New("unknown dispatcher")
	ErrDuplicateID       = errors.New("dispatcher id already registered")
	ErrCommandFailed     = errors.New("command failed")
	ErrBadEnvelope       = errors.New("malformed envelope")
	ErrStateTransfer     = errors.New("state transfer failed")
)
