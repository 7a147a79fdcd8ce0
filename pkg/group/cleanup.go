package group

import (
	"io"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// ResourceCleanup closes registered resources in reverse order (LIFO).
// It removes the cascading error handling from multi-socket startup:
//
//	cleanup := NewResourceCleanup(logger)
//	defer cleanup.Cleanup() // closes everything registered so far on error
//	...
//	cleanup.Add(sock, "replier")
//	...
//	m.resources = cleanup.Detach() // success, keep the sockets open
type ResourceCleanup struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

// NewResourceCleanup creates a new ResourceCleanup instance.
func NewResourceCleanup(logger logging.Logger) *ResourceCleanup {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ResourceCleanup{
		resources: make([]namedCloser, 0, 8),
		logger:    logger,
	}
}

// Add registers a resource to be cleaned up.
func (rc *ResourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// Cleanup closes all registered resources, logging failures. Idempotent.
func (rc *ResourceCleanup) Cleanup() {
	_ = rc.CloseAll()
}

// CloseAll closes all registered resources and returns the first error.
func (rc *ResourceCleanup) CloseAll() error {
	var firstErr error
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if r.closer == nil {
			continue
		}
		if err := r.closer.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			rc.logger.Warn("failed to close resource", logging.String("resource", r.name), logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
	return firstErr
}

// Detach moves every registered resource into a new ResourceCleanup, leaving
// this one empty so a deferred Cleanup becomes a no-op.
func (rc *ResourceCleanup) Detach() *ResourceCleanup {
	out := &ResourceCleanup{
		resources: append([]namedCloser(nil), rc.resources...),
		logger:    rc.logger,
	}
	rc.resources = rc.resources[:0]
	return out
}

// Len returns the number of registered resources.
func (rc *ResourceCleanup) Len() int {
	return len(rc.resources)
}
