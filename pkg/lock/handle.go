package lock

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// Lock is a cluster-wide lock. Like sync.Mutex, each Unlock releases the
// hold taken by one successful Lock, LockContext or TryLock call.
type Lock interface {
	// Lock blocks until the lock is held on every member.
	Lock()
	// LockContext is Lock bounded by ctx. On cancellation nothing is held
	// and ctx.Err() is returned.
	LockContext(ctx context.Context) error
	// TryLock makes one attempt that does not wait for held locks.
	TryLock() bool
	// TryLockFor retries until the lock is held or timeout elapses.
	TryLockFor(timeout time.Duration) bool
	Unlock()
}

type handle struct {
	m   *Distributed
	id  string
	typ Type
}

func (h *handle) descriptor() Descriptor {
	return Descriptor{ID: h.id, Type: h.typ, Owner: h.m.dispatcher.Local()}
}

func (h *handle) Lock() {
	_ = h.m.lock(context.Background(), h.descriptor())
}

func (h *handle) LockContext(ctx context.Context) error {
	return h.m.lock(ctx, h.descriptor())
}

func (h *handle) TryLock() bool {
	d := h.descriptor()
	start := time.Now()
	if h.m.tryLock(context.Background(), d, 0) {
		h.m.recordAcquire(d, "acquired", start)
		return true
	}
	h.m.recordAcquire(d, "refused", start)
	return false
}

func (h *handle) TryLockFor(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.m.lock(ctx, h.descriptor()) == nil
}

func (h *handle) Unlock() {
	d := h.descriptor()
	if err := h.m.unlock(context.Background(), d); err != nil {
		h.m.logger.Warn("unlock of lock not held", logging.LockID(d.ID), logging.String("type", d.Type.String()))
	}
}
