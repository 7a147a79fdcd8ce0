package group

import (
	"sync"
	"sync/atomic"
)

// lifecycle serializes start and stop of a transport and exposes its running
// state without locking.
type lifecycle struct {
	running atomic.Bool
	mu      sync.Mutex // protects startup/shutdown sequences
}

// IsRunning returns whether the transport is started.
func (l *lifecycle) IsRunning() bool {
	return l.running.Load()
}

// TryStart locks the lifecycle for startup. It returns alreadyRunning=true
// without holding the lock when the transport is already started. The
// returned unlock function must be called when startup is complete.
func (l *lifecycle) TryStart() (unlock func(), alreadyRunning bool) {
	l.mu.Lock()
	if l.running.Load() {
		l.mu.Unlock()
		return nil, true
	}
	return l.mu.Unlock, false
}

// TryStop locks the lifecycle for shutdown. It returns notRunning=true
// without holding the lock when there is nothing to stop.
func (l *lifecycle) TryStop() (unlock func(), notRunning bool) {
	l.mu.Lock()
	if !l.running.Load() {
		l.mu.Unlock()
		return nil, true
	}
	return l.mu.Unlock, false
}

func (l *lifecycle) markStarted() { l.running.Store(true) }
func (l *lifecycle) markStopped() { l.running.Store(false) }

// routines tracks background goroutines.
type routines struct {
	wg sync.WaitGroup
}

// Go runs fn in a goroutine tracked by Wait.
func (r *routines) Go(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Wait blocks until every tracked goroutine returned.
func (r *routines) Wait() {
	r.wg.Wait()
}
