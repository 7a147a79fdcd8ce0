package lock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// writeWeight is the semaphore weight of an exclusive hold; read holds weigh 1.
const writeWeight int64 = 1 << 30

func weight(t Type) int64 {
	if t == Read {
		return 1
	}
	return writeWeight
}

type localEntry struct {
	sem  *semaphore.Weighted
	held int64
}

// localTable is the node-local reader/writer lock for every lock id.
type localTable struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func newLocalTable() *localTable {
	return &localTable{entries: make(map[string]*localEntry)}
}

func (l *localTable) entry(id string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		e = &localEntry{sem: semaphore.NewWeighted(writeWeight)}
		l.entries[id] = e
	}
	return e
}

// acquire takes the local hold for d, waiting up to wait. A zero wait only
// succeeds if the lock is free now. Named locks take the global read hold
// first and give it back if the named hold fails.
func (l *localTable) acquire(ctx context.Context, d Descriptor, wait time.Duration) bool {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	if !d.IsGlobal() {
		if !l.acquireOne(ctx, Global, 1, wait > 0) {
			return false
		}
	}
	if !l.acquireOne(ctx, d.ID, weight(d.Type), wait > 0) {
		if !d.IsGlobal() {
			l.releaseOne(Global, 1)
		}
		return false
	}
	return true
}

func (l *localTable) acquireOne(ctx context.Context, id string, w int64, block bool) bool {
	e := l.entry(id)
	if block {
		if err := e.sem.Acquire(ctx, w); err != nil {
			return false
		}
	} else if !e.sem.TryAcquire(w) {
		return false
	}

	l.mu.Lock()
	e.held += w
	l.mu.Unlock()
	return true
}

// release gives back the local hold for d. It reports false when no such
// hold exists.
func (l *localTable) release(d Descriptor) bool {
	if !l.releaseOne(d.ID, weight(d.Type)) {
		return false
	}
	if !d.IsGlobal() {
		l.releaseOne(Global, 1)
	}
	return true
}

func (l *localTable) releaseOne(id string, w int64) bool {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok || e.held < w {
		l.mu.Unlock()
		return false
	}
	e.held -= w
	l.mu.Unlock()

	e.sem.Release(w)
	return true
}
