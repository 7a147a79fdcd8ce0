// Package lock provides cluster-wide reader/writer locks. A lock is taken on
// every member or on none: acquisition is routed through the group
// coordinator, which fans the request out and rolls it back if any member
// refuses.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/dispatch"
	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

const (
	// DispatcherID multiplexes lock commands on the shared group.
	DispatcherID = "locks"

	DefaultAttemptTimeout = time.Second
	DefaultRetryInterval  = 500 * time.Millisecond
)

// Manager hands out cluster-wide locks.
type Manager interface {
	ReadLock(id string) Lock
	WriteLock(id string) Lock
}

// Config configures a Distributed lock manager.
type Config struct {
	Factory        *dispatch.Factory
	AttemptTimeout time.Duration // per-attempt wait of Lock and LockContext
	RetryInterval  time.Duration // upper bound between attempts
	CommandTimeout time.Duration
	Logger         logging.Logger
	Metrics        *metrics.Registry
}

// Distributed is the coordinator-routed lock manager.
//
// Every member keeps a local reader/writer lock per id plus a table of the
// holds it took for other members, so those can be dropped when the owner
// leaves the group. Each hold is keyed by the attempt that took it.
type Distributed struct {
	dispatcher     *dispatch.Dispatcher[*Distributed]
	local          *localTable
	attemptTimeout time.Duration
	retryInterval  time.Duration
	logger         logging.Logger
	metrics        *metrics.Registry

	mu        sync.Mutex
	remote    map[string]Descriptor       // holds taken for other members, by attempt
	held      map[Descriptor][]string     // attempts of cluster holds owned by this member
	abandoned map[string]abandonedAttempt // released before acquired

	notifyMu sync.Mutex
	released chan struct{}
}

var _ Manager = (*Distributed)(nil)

// New creates a lock manager and registers its dispatcher on the factory.
func New(config Config) (*Distributed, error) {
	if config.Factory == nil {
		return nil, ErrMissingFactory
	}

	m := &Distributed{
		local:          newLocalTable(),
		attemptTimeout: config.AttemptTimeout,
		retryInterval:  config.RetryInterval,
		logger:         logging.ForComponent(config.Logger, "lock"),
		metrics:        config.Metrics,
		remote:         make(map[string]Descriptor),
		held:           make(map[Descriptor][]string),
		abandoned:      make(map[string]abandonedAttempt),
		released:       make(chan struct{}),
	}
	if m.attemptTimeout <= 0 {
		m.attemptTimeout = DefaultAttemptTimeout
	}
	if m.retryInterval <= 0 {
		m.retryInterval = DefaultRetryInterval
	}

	d, err := dispatch.New(config.Factory, m, dispatch.Config{
		ID:      DispatcherID,
		Timeout: config.CommandTimeout,
		Logger:  m.logger,
	})
	if err != nil {
		return nil, err
	}
	registerCommands(d)
	d.AddMembershipListener(m)
	d.SetStateful(m)
	m.dispatcher = d
	return m, nil
}

// Start joins the group and fetches the lock table from the coordinator.
func (m *Distributed) Start(ctx context.Context) error {
	return m.dispatcher.Start(ctx)
}

// Stop stops serving lock commands.
func (m *Distributed) Stop() {
	m.dispatcher.Stop()
}

// ReadLock returns the shared lock for id. Use Global for the global lock.
func (m *Distributed) ReadLock(id string) Lock {
	return &handle{m: m, id: id, typ: Read}
}

// WriteLock returns the exclusive lock for id.
func (m *Distributed) WriteLock(id string) Lock {
	return &handle{m: m, id: id, typ: Write}
}

// OnlyLock returns an exclusive lock for id that is held on this node only.
func (m *Distributed) OnlyLock(id string) Lock {
	return &handle{m: m, id: id, typ: Only}
}

// Stats summarizes the lock tables of this member.
type Stats struct {
	Held          int            `json:"held"`
	RemoteByOwner map[string]int `json:"remote_by_owner"`
}

// Stats returns the number of cluster locks this member holds and the
// number of holds it keeps for each other member.
func (m *Distributed) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{RemoteByOwner: make(map[string]int)}
	for _, attempts := range m.held {
		s.Held += len(attempts)
	}
	for _, d := range m.remote {
		s.RemoteByOwner[d.Owner.String()]++
	}
	return s
}

// Added implements dispatch.MembershipListener.
func (m *Distributed) Added(member group.Member) {
	m.notify()
}

// Removed releases every hold taken for member.
func (m *Distributed) Removed(member group.Member) {
	m.mu.Lock()
	forced := 0
	for attempt, d := range m.remote {
		if d.Owner != member {
			continue
		}
		m.local.release(d)
		delete(m.remote, attempt)
		forced++
	}
	for attempt, a := range m.abandoned {
		if a.owner == member {
			delete(m.abandoned, attempt)
		}
	}
	m.updateRemoteGaugeLocked()
	m.mu.Unlock()

	if forced > 0 {
		m.logger.Info("released locks of departed member",
			logging.Member("member", member), logging.Count(forced))
		if m.metrics != nil {
			m.metrics.LockForcedReleases.Add(float64(forced))
		}
	}
	m.notify()
}

type stateEntry struct {
	Descriptor Descriptor `json:"descriptor"`
	Attempt    string     `json:"attempt"`
}

type abandonedAttempt struct {
	owner group.Member
	at    time.Time
}

// WriteState serializes every cluster hold this member knows about: the ones
// it owns and the ones it keeps for others.
func (m *Distributed) WriteState(w io.Writer) error {
	m.mu.Lock()
	entries := make([]stateEntry, 0, len(m.remote)+len(m.held))
	for attempt, d := range m.remote {
		entries = append(entries, stateEntry{Descriptor: d, Attempt: attempt})
	}
	for d, attempts := range m.held {
		for _, attempt := range attempts {
			entries = append(entries, stateEntry{Descriptor: d, Attempt: attempt})
		}
	}
	m.mu.Unlock()

	return json.NewEncoder(w).Encode(entries)
}

// ReadState rebuilds local holds for locks already held in the cluster.
func (m *Distributed) ReadState(r io.Reader) error {
	var entries []stateEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode lock state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.remote[e.Attempt]; ok {
			continue
		}
		if !m.local.acquire(context.Background(), e.Descriptor, 0) {
			m.logger.Warn("lock already held locally", logging.LockID(e.Descriptor.ID))
			continue
		}
		m.remote[e.Attempt] = e.Descriptor
	}
	m.updateRemoteGaugeLocked()
	m.logger.Info("lock state received", logging.Count(len(entries)))
	return nil
}

// notify wakes every goroutine waiting to retry an acquisition.
func (m *Distributed) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	close(m.released)
	m.released = make(chan struct{})
}

func (m *Distributed) releasedChan() <-chan struct{} {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	return m.released
}

func (m *Distributed) remoteHolds() map[string]Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.remote)
}

func (m *Distributed) updateRemoteGaugeLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.RemoteLocksHeld.Set(float64(len(m.remote)))
}
