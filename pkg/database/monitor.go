package database

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// DefaultCheckInterval is how often replicas are pinged.
const DefaultCheckInterval = 5 * time.Second

// ActiveSink receives the set of active database ids after every check.
type ActiveSink func(active map[string]struct{})

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Local    string
	Replicas map[string]Pinger // databases without a pinger are always active
	Interval time.Duration
	Timeout  time.Duration
	Sink     ActiveSink
	Logger   logging.Logger
}

// Monitor periodically pings the replicas of the cluster and reports the
// active set. It also owns activation of the local database.
type Monitor struct {
	local    string
	replicas map[string]Pinger
	interval time.Duration
	timeout  time.Duration
	sink     ActiveSink
	logger   logging.Logger

	mu        sync.RWMutex
	active    map[string]struct{}
	activated bool
	onActive  []func(ctx context.Context) error
}

// NewMonitor creates a replica monitor.
func NewMonitor(config MonitorConfig) (*Monitor, error) {
	if config.Local == "" {
		return nil, ErrNoLocalDatabase
	}
	if config.Interval <= 0 {
		config.Interval = DefaultCheckInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}

	replicas := maps.Clone(config.Replicas)
	if replicas == nil {
		replicas = make(map[string]Pinger)
	}
	if _, ok := replicas[config.Local]; !ok {
		replicas[config.Local] = nil
	}

	return &Monitor{
		local:    config.Local,
		replicas: replicas,
		interval: config.Interval,
		timeout:  config.Timeout,
		sink:     config.Sink,
		logger:   logging.ForComponent(config.Logger, "database"),
		active:   make(map[string]struct{}),
	}, nil
}

// LocalDatabase returns the id of this node's replica.
func (m *Monitor) LocalDatabase() string {
	return m.local
}

// OnActivate registers a hook run when the local database is activated.
func (m *Monitor) OnActivate(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onActive = append(m.onActive, fn)
}

// Activate promotes the local database. Hooks run on every call so a node
// that regains the host role re-applies them.
func (m *Monitor) Activate(ctx context.Context) error {
	m.mu.Lock()
	m.activated = true
	hooks := slices.Clone(m.onActive)
	m.mu.Unlock()

	m.logger.Info("activating local database", logging.String("database", m.local))
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Activated reports whether Activate has been called.
func (m *Monitor) Activated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activated
}

// Active returns a copy of the last observed active set.
func (m *Monitor) Active() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.active)
}

// Check pings every replica once and publishes the active set.
func (m *Monitor) Check(ctx context.Context) map[string]struct{} {
	active := make(map[string]struct{}, len(m.replicas))
	for id, p := range m.replicas {
		if p == nil {
			active[id] = struct{}{}
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			m.logger.Debug("database inactive", logging.String("database", id), logging.Error(err))
			continue
		}
		active[id] = struct{}{}
	}

	m.mu.Lock()
	changed := !maps.Equal(m.active, active)
	m.active = active
	m.mu.Unlock()

	if changed {
		m.logger.Info("active databases changed", logging.Count(len(active)))
	}
	if m.sink != nil {
		m.sink(maps.Clone(active))
	}
	return active
}

// Run checks replicas until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Pinger returns the pinger registered for id, nil for an always-active database.
func (m *Monitor) Pinger(id string) (Pinger, error) {
	p, ok := m.replicas[id]
	if !ok {
		return nil, ErrUnknownDatabase
	}
	return p, nil
}
