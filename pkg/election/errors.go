package election

import "errors"

// Election errors
var (
	ErrNoCandidate    = errors.New("no election candidate")
	ErrNotRunning     = errors.New("cluster health not running")
	ErrAlreadyRunning = errors.New("cluster health already running")
	ErrMissingFactory = errors.New("dispatcher factory is required")
	ErrMissingArbiter = errors.New("arbiter is required")
	ErrUnknownState   = errors.New("unknown node state")
)
