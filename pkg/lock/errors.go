package lock

import "errors"

// Lock errors
var (
	ErrMissingFactory = errors.New("dispatcher factory is required")
	ErrNotHeld        = errors.New("lock not held")
	ErrUnknownType    = errors.New("unknown lock type")
)
