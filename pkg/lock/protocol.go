package lock

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-ha/pkg/dispatch"
	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// abandonedTTL bounds how long a member remembers a release that arrived
// before the acquisition it cancels.
const abandonedTTL = time.Minute

// tryLock makes one acquisition attempt for d, waiting up to wait at each
// step. On failure nothing is left held anywhere.
func (m *Distributed) tryLock(ctx context.Context, d Descriptor, wait time.Duration) bool {
	if d.Type == Only {
		return m.local.acquire(ctx, d, wait)
	}

	coord := m.dispatcher.Coordinator()
	if !m.local.acquire(ctx, d, wait) {
		return false
	}

	attempt := uuid.NewString()
	var ok bool
	if coord == d.Owner {
		ok = m.acquireMembers(ctx, d, attempt, wait)
	} else {
		ok = m.askCoordinator(ctx, coord, d, attempt, wait)
	}
	if !ok {
		m.local.release(d)
		m.notify()
		return false
	}

	m.mu.Lock()
	m.held[d] = append(m.held[d], attempt)
	m.mu.Unlock()
	return true
}

// acquireMembers takes d on every member except this one and the owner. If
// any member refuses or does not answer, every member is told to release
// the hold taken for attempt, including one taken after the answer was
// given up on.
func (m *Distributed) acquireMembers(ctx context.Context, d Descriptor, attempt string, wait time.Duration) bool {
	excluded := []group.Member{m.dispatcher.Local(), d.Owner}
	targets := slices.DeleteFunc(m.dispatcher.Members(), func(member group.Member) bool {
		return slices.Contains(excluded, member)
	})
	if len(targets) == 0 {
		return true
	}

	cmd := AcquireLockCommand{Descriptor: d, Attempt: attempt, Timeout: wait}
	results := dispatch.ExecuteAll[bool](ctx, m.dispatcher, cmd, excluded...)

	refused := 0
	for _, member := range targets {
		if !results[member] {
			refused++
		}
	}
	if refused == 0 {
		return true
	}

	m.logger.Debug("lock refused, rolling back",
		logging.LockID(d.ID), logging.Count(refused))

	release := ReleaseLockCommand{Descriptor: d, Attempt: attempt}
	rollback := dispatch.ExecuteAll[bool](context.WithoutCancel(ctx), m.dispatcher, release, excluded...)
	for _, member := range targets {
		if _, ok := rollback[member]; !ok {
			m.logger.Warn("rollback release failed", logging.LockID(d.ID), logging.Member("member", member))
		}
	}
	return false
}

// askCoordinator routes the acquisition through coord. When no answer comes
// back the coordinator may still complete it, so it is told to release
// whatever it took for attempt.
func (m *Distributed) askCoordinator(ctx context.Context, coord group.Member, d Descriptor, attempt string, wait time.Duration) bool {
	cmd := CoordinatorAcquireLockCommand{Descriptor: d, Attempt: attempt, Timeout: wait}
	ok, err := dispatch.Execute[bool](ctx, m.dispatcher, cmd, coord)
	if err == nil {
		return ok
	}

	m.logger.Debug("coordinator did not acquire", logging.LockID(d.ID), logging.Error(err))
	release := CoordinatorReleaseLockCommand{Descriptor: d, Attempt: attempt}
	if _, err := dispatch.Execute[bool](context.WithoutCancel(ctx), m.dispatcher, release, coord); err != nil {
		m.logger.Warn("coordinator release failed", logging.LockID(d.ID), logging.Error(err))
	}
	return false
}

// coordinatorAcquire runs the coordinator side of an acquisition for a
// non-coordinator owner. The coordinator's own hold is recorded as remote so
// it is dropped if the owner leaves.
func (m *Distributed) coordinatorAcquire(d Descriptor, attempt string, wait time.Duration) bool {
	if !m.remoteAcquire(d, attempt, wait) {
		return false
	}
	if !m.acquireMembers(context.Background(), d, attempt, wait) {
		m.remoteRelease(d, attempt)
		return false
	}
	return true
}

// coordinatorRelease releases the hold for attempt on every member except
// the owner, then here.
func (m *Distributed) coordinatorRelease(d Descriptor, attempt string) {
	release := ReleaseLockCommand{Descriptor: d, Attempt: attempt}
	dispatch.ExecuteAll[bool](context.Background(), m.dispatcher, release, m.dispatcher.Local(), d.Owner)
	m.remoteRelease(d, attempt)
}

// remoteAcquire takes a hold on behalf of d's owner for attempt. It fails
// if the attempt was released before or while the hold was taken.
func (m *Distributed) remoteAcquire(d Descriptor, attempt string, wait time.Duration) bool {
	if m.takeAbandoned(attempt) {
		return false
	}
	if !m.local.acquire(context.Background(), d, wait) {
		return false
	}

	m.mu.Lock()
	if _, ok := m.abandoned[attempt]; ok {
		delete(m.abandoned, attempt)
		m.mu.Unlock()
		m.local.release(d)
		m.notify()
		return false
	}
	m.remote[attempt] = d
	m.updateRemoteGaugeLocked()
	m.mu.Unlock()
	return true
}

// remoteRelease drops the hold taken for attempt. When there is none yet the
// attempt is remembered as abandoned so a late acquisition gives it back.
func (m *Distributed) remoteRelease(d Descriptor, attempt string) bool {
	m.mu.Lock()
	held, ok := m.remote[attempt]
	if !ok {
		m.pruneAbandonedLocked()
		m.abandoned[attempt] = abandonedAttempt{owner: d.Owner, at: time.Now()}
		m.mu.Unlock()
		return false
	}
	delete(m.remote, attempt)
	m.local.release(held)
	m.updateRemoteGaugeLocked()
	m.mu.Unlock()

	m.notify()
	return true
}

func (m *Distributed) takeAbandoned(attempt string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.abandoned[attempt]; !ok {
		return false
	}
	delete(m.abandoned, attempt)
	return true
}

func (m *Distributed) pruneAbandonedLocked() {
	for attempt, a := range m.abandoned {
		if time.Since(a.at) > abandonedTTL {
			delete(m.abandoned, attempt)
		}
	}
}

// lock retries the acquisition until it succeeds or ctx is done. Between
// attempts it waits for a release or membership change, or at most the
// retry interval. Both waits are jittered so contending members do not
// retry in step.
func (m *Distributed) lock(ctx context.Context, d Descriptor) error {
	start := time.Now()
	for {
		released := m.releasedChan()

		wait := m.attemptTimeout
		if deadline, ok := ctx.Deadline(); ok {
			wait = min(wait, time.Until(deadline))
		}
		if wait > 0 && m.tryLock(ctx, d, wait) {
			m.recordAcquire(d, "acquired", start)
			return nil
		}
		if err := ctx.Err(); err != nil {
			m.recordAcquire(d, "cancelled", start)
			return err
		}

		if err := m.backoff(ctx, released); err != nil {
			m.recordAcquire(d, "cancelled", start)
			return err
		}
	}
}

// backoff waits for a release or a jittered retry interval, then a short
// jittered delay after a release.
func (m *Distributed) backoff(ctx context.Context, released <-chan struct{}) error {
	timer := time.NewTimer(jitter(m.retryInterval))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-released:
	}

	timer.Reset(jitter(m.retryInterval / 8))
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// jitter returns a duration in [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

func (m *Distributed) unlock(ctx context.Context, d Descriptor) error {
	if d.Type == Only {
		if !m.local.release(d) {
			return ErrNotHeld
		}
		m.recordRelease(d)
		m.notify()
		return nil
	}

	m.mu.Lock()
	attempts := m.held[d]
	if len(attempts) == 0 {
		m.mu.Unlock()
		return ErrNotHeld
	}
	attempt := attempts[len(attempts)-1]
	if len(attempts) == 1 {
		delete(m.held, d)
	} else {
		m.held[d] = attempts[:len(attempts)-1]
	}
	m.mu.Unlock()

	local := m.dispatcher.Local()
	coord := m.dispatcher.Coordinator()
	if coord == local {
		dispatch.ExecuteAll[bool](ctx, m.dispatcher, ReleaseLockCommand{Descriptor: d, Attempt: attempt}, local)
	} else if _, err := dispatch.Execute[bool](ctx, m.dispatcher, CoordinatorReleaseLockCommand{Descriptor: d, Attempt: attempt}, coord); err != nil {
		m.logger.Warn("coordinator release failed", logging.LockID(d.ID), logging.Error(err))
	}

	m.local.release(d)
	m.recordRelease(d)
	m.notify()
	return nil
}

func (m *Distributed) recordAcquire(d Descriptor, status string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordLockAcquire(d.Type.String(), status, time.Since(start))
	}
}

func (m *Distributed) recordRelease(d Descriptor) {
	if m.metrics != nil {
		m.metrics.RecordLockRelease(d.Type.String())
	}
}
