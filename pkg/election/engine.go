// Package election keeps one node of the cluster in the host role. Every
// node runs an Engine: a single goroutine that owns the node's health state,
// ticks periodically, and elects a new host through the command dispatcher
// when the current one disappears.
//
// There is no quorum. A shared witness token and the arbiter's observers
// keep two hosts unlikely, not impossible: a node cut off from its peers
// that still reaches the witness can elect itself.
package election

import (
	"context"
	"errors"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/arbiter"
	"github.com/dd0wney/cluso-ha/pkg/dispatch"
	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/token"
)

const (
	DefaultTickInterval     = 2 * time.Second
	DefaultHeartbeatLostMax = 3
	DefaultMaxElectTime     = 5 * time.Minute
	DefaultInitialBackoff   = 2 * time.Second
	DefaultMaxBackoff       = 30 * time.Second

	// DispatcherID multiplexes health commands on the shared group.
	DispatcherID = "health"

	inboxSize = 64
)

// DatabaseCluster is the local database as seen by the election engine.
type DatabaseCluster interface {
	LocalDatabase() string
	Activate(ctx context.Context) error
}

// NetworkCheck reports whether the node's network is up.
type NetworkCheck func(ctx context.Context) bool

var _ ClusterHealth = (*Engine)(nil)

// Config configures an Engine.
type Config struct {
	Factory   *dispatch.Factory
	Arbiter   *arbiter.Arbiter
	Databases DatabaseCluster // optional
	Network   NetworkCheck    // default InterfacesUp

	TickInterval     time.Duration
	HeartbeatLostMax int
	MaxElectTime     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	CommandTimeout   time.Duration

	Logger  logging.Logger
	Metrics *metrics.Registry
}

type message func(ctx context.Context)

// Engine is the cluster health state machine of one node.
//
// Concurrency:
// 1. Health state is owned by the run goroutine; mutations arrive as messages
// 2. Readers see an immutable Snapshot published after every change
// 3. Commands from peers only post messages, they never wait on the engine
type Engine struct {
	dispatcher *dispatch.Dispatcher[*Engine]
	arbiter    *arbiter.Arbiter
	databases  DatabaseCluster
	network    NetworkCheck
	logger     logging.Logger
	metrics    *metrics.Registry

	tickInterval     time.Duration
	heartbeatLostMax int
	maxElectTime     time.Duration
	initialBackoff   time.Duration
	maxBackoff       time.Duration

	inbox    chan message
	quit     chan struct{}
	done     chan struct{}
	running  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc

	snapshot atomic.Pointer[Snapshot]

	listenersMu sync.RWMutex
	listeners   []StateListener

	// owned by the run goroutine
	state           NodeState
	health          NodeHealth
	observable      bool
	missed          int
	lastHeartbeat   time.Time
	electionStarted time.Time
	nextElection    time.Time
	backoff         time.Duration
	active          map[string]struct{}
}

// New creates an engine in the offline state and registers its commands.
func New(config Config) (*Engine, error) {
	if config.Factory == nil {
		return nil, ErrMissingFactory
	}
	if config.Arbiter == nil {
		return nil, ErrMissingArbiter
	}

	e := &Engine{
		arbiter:          config.Arbiter,
		databases:        config.Databases,
		network:          config.Network,
		logger:           logging.ForComponent(config.Logger, "election"),
		metrics:          config.Metrics,
		tickInterval:     orDuration(config.TickInterval, DefaultTickInterval),
		heartbeatLostMax: config.HeartbeatLostMax,
		maxElectTime:     orDuration(config.MaxElectTime, DefaultMaxElectTime),
		initialBackoff:   orDuration(config.InitialBackoff, DefaultInitialBackoff),
		maxBackoff:       orDuration(config.MaxBackoff, DefaultMaxBackoff),
		inbox:            make(chan message, inboxSize),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
		active:           make(map[string]struct{}),
	}
	if e.network == nil {
		e.network = InterfacesUp
	}
	if e.heartbeatLostMax <= 0 {
		e.heartbeatLostMax = DefaultHeartbeatLostMax
	}
	e.backoff = e.initialBackoff

	d, err := dispatch.New(config.Factory, e, dispatch.Config{
		ID:      DispatcherID,
		Timeout: config.CommandTimeout,
		Logger:  e.logger,
	})
	if err != nil {
		return nil, err
	}
	registerCommands(d)
	e.dispatcher = d

	e.publish()
	return e, nil
}

// AddStateListener registers l for state changes. Add listeners before Start.
func (e *Engine) AddStateListener(l StateListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Dispatcher returns the health command dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher[*Engine] {
	return e.dispatcher
}

// Start joins the group and starts the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := e.dispatcher.Start(ctx); err != nil {
		e.running.Store(false)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(runCtx)

	e.logger.Info("cluster health started", logging.Duration("tick", e.tickInterval))
	return nil
}

// Stop stops the tick loop and the health dispatcher. The node is left in
// whatever state it was; peers detect the loss through missed heartbeats.
func (e *Engine) Stop() {
	if !e.running.Load() {
		return
	}
	e.stopOnce.Do(func() {
		close(e.quit)
		e.cancel()
		<-e.done
		e.dispatcher.Stop()
		e.logger.Info("cluster health stopped")
	})
}

// Snapshot returns the last published view of the engine.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// State returns the current node state.
func (e *Engine) State() NodeState {
	return e.Snapshot().State()
}

// IsHost reports whether this node is the active primary.
func (e *Engine) IsHost() bool {
	return e.State() == StateHost
}

// CheckActiveDatabases records the set of active database ids.
func (e *Engine) CheckActiveDatabases(active map[string]struct{}) {
	active = maps.Clone(active)
	e.post(func(context.Context) {
		e.active = active
	})
}

// Elect runs one attended election and returns ErrNoCandidate when no rule
// yields a winner. It must not be called from a command or listener callback.
func (e *Engine) Elect(ctx context.Context) error {
	return e.call(ctx, func() error {
		return e.elect(ctx, true)
	})
}

func (e *Engine) post(msg message) {
	select {
	case e.inbox <- msg:
	case <-e.quit:
	}
}

func (e *Engine) call(ctx context.Context, fn func() error) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	result := make(chan error, 1)
	e.post(func(context.Context) {
		err := fn()
		e.publish()
		result <- err
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrNotRunning
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	e.refreshTokens(ctx)
	e.publish()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		case msg := <-e.inbox:
			msg(ctx)
		}
		e.publish()
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.refreshTokens(ctx)

	switch e.state {
	case StateHost:
		if e.needDown(ctx) {
			e.setState(StateOffline)
			return
		}
		onlyHost := len(e.active) < 2
		if err := e.arbiter.SetOnlyHost(ctx, e.state, onlyHost); err != nil {
			e.logger.Warn("failed to record only-host", logging.Error(err))
		}
		e.health.LastOnlyHost = onlyHost
		e.broadcastHeartbeat(ctx)

	case StateBackup, StateReady:
		if err := e.arbiter.Local().SetOnlyHost(ctx, false); err != nil {
			e.logger.Warn("failed to clear only-host", logging.Error(err))
		}
		e.health.LastOnlyHost = false
		if e.state == StateReady && e.localDatabaseActive() {
			e.setState(StateBackup)
		}

		e.missed++
		if e.metrics != nil {
			e.metrics.HeartbeatsMissed.Set(float64(e.missed))
		}
		if e.missed >= e.heartbeatLostMax && e.canElect(ctx) {
			e.logger.Warn("host heartbeat lost", logging.Int("missed", e.missed))
			_ = e.elect(ctx, false)
		}

	case StateOffline:
		if e.canElect(ctx) {
			_ = e.elect(ctx, false)
		}
	}
}

// needDown reports whether a host must step down.
func (e *Engine) needDown(ctx context.Context) bool {
	if !e.network(ctx) {
		e.logger.Warn("network down")
		return true
	}
	if err := e.arbiter.CheckWitness(ctx); err != nil {
		e.logger.Warn("arbiter unreachable", logging.Error(err))
		return true
	}
	localIP, peers := e.peers()
	e.observable = e.arbiter.IsObservable(ctx, true, localIP, peers)
	return !e.observable
}

// canElect reports whether this node may start an election now.
func (e *Engine) canElect(ctx context.Context) bool {
	if time.Now().Before(e.nextElection) {
		return false
	}
	if !e.network(ctx) {
		return false
	}
	if err := e.arbiter.CheckWitness(ctx); err != nil {
		e.logger.Debug("arbiter unreachable", logging.Error(err))
		return false
	}
	localIP, peers := e.peers()
	e.observable = e.arbiter.IsObservable(ctx, false, localIP, peers)
	return e.observable
}

func (e *Engine) elect(ctx context.Context, attended bool) error {
	now := time.Now()
	if e.electionStarted.IsZero() {
		e.electionStarted = now
	}

	timer := logging.StartTimer(e.logger, "elected host", logging.Bool("attended", attended))
	results := dispatch.ExecuteAll[NodeHealth](ctx, e.dispatcher, NodeHealthCommand{})
	expired := now.Sub(e.electionStarted) >= e.maxElectTime
	winner, rule, ok := Choose(results, expired)
	if !ok {
		if e.metrics != nil {
			e.metrics.RecordElection("stalemate", RuleNone.String(), time.Since(now))
		}
		if attended {
			return ErrNoCandidate
		}
		e.nextElection = now.Add(e.backoff)
		e.logger.Warn("no election candidate, backing off",
			logging.Count(len(results)), logging.Duration("backoff", e.backoff))
		e.backoff = min(e.backoff*2, e.maxBackoff)
		return ErrNoCandidate
	}

	cmd := HostCommand{Host: winner, Token: nextToken(results)}
	timer.End(logging.Member("host", winner), logging.String("rule", rule.String()),
		logging.Token("token", cmd.Token), logging.Count(len(results)))

	local := e.dispatcher.Local()
	dispatch.ExecuteAll[bool](ctx, e.dispatcher, cmd, local)
	e.applyHost(ctx, cmd)

	if e.metrics != nil {
		e.metrics.RecordElection("elected", rule.String(), time.Since(e.electionStarted))
	}
	e.resetElection()
	return nil
}

// applyHost handles a host announcement, from a peer or from this node's
// own election.
func (e *Engine) applyHost(ctx context.Context, cmd HostCommand) {
	local := e.dispatcher.Local()

	if cmd.Host == local {
		e.setState(StateHost)
		t := e.localToken(ctx)
		t.Token = cmd.Token
		t.OnlyHost = len(e.active) < 2
		if _, err := e.arbiter.Update(ctx, e.state, t); err != nil {
			e.logger.Error("failed to record host token", logging.Error(err))
			e.setState(StateOffline)
			return
		}
		if e.databases != nil {
			if err := e.databases.Activate(ctx); err != nil {
				e.logger.Error("failed to activate local database", logging.Error(err))
			}
		}
	} else {
		if cmd.Token < e.health.LocalToken {
			e.logger.Debug("stale host announcement",
				logging.Member("host", cmd.Host), logging.Token("token", cmd.Token))
			return
		}
		e.setState(StateReady)
		t := e.localToken(ctx)
		t.Token = cmd.Token
		if err := e.arbiter.Local().Update(ctx, t); err != nil {
			e.logger.Warn("failed to record local token", logging.Error(err))
		}
	}

	e.missed = 0
	e.lastHeartbeat = time.Now()
	e.resetElection()
	e.refreshTokens(ctx)
}

func (e *Engine) heartbeatReceived(cmd HeartbeatCommand) {
	if e.state == StateHost && cmd.Host != e.dispatcher.Local() {
		e.logger.Warn("heartbeat from another host",
			logging.Member("host", cmd.Host), logging.Token("token", cmd.Token))
	}
	e.missed = 0
	e.lastHeartbeat = time.Now()
	if e.metrics != nil {
		e.metrics.HeartbeatsTotal.WithLabelValues("received").Inc()
		e.metrics.HeartbeatsMissed.Set(0)
	}
}

func (e *Engine) broadcastHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, e.tickInterval)
	defer cancel()

	local := e.dispatcher.Local()
	acks := dispatch.ExecuteAll[bool](ctx, e.dispatcher, HeartbeatCommand{Host: local, Token: e.health.LocalToken}, local)
	if e.metrics != nil {
		e.metrics.HeartbeatsTotal.WithLabelValues("sent").Inc()
	}
	e.logger.Debug("heartbeat sent", logging.Count(len(acks)))
}

func (e *Engine) setState(to NodeState) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.health.State = to
	e.logger.Info("state changed", logging.String("from", from.String()), logging.State(to))
	if e.metrics != nil {
		e.metrics.SetHealthState(to.String())
	}

	e.listenersMu.RLock()
	listeners := slices.Clone(e.listeners)
	e.listenersMu.RUnlock()
	for _, l := range listeners {
		l.StateChanged(from, to)
	}
}

func (e *Engine) resetElection() {
	e.electionStarted = time.Time{}
	e.nextElection = time.Time{}
	e.backoff = e.initialBackoff
}

func (e *Engine) localDatabaseActive() bool {
	if e.databases == nil {
		return true
	}
	_, ok := e.active[e.databases.LocalDatabase()]
	return ok
}

func (e *Engine) localToken(ctx context.Context) token.LeaderToken {
	t, err := e.arbiter.LocalToken(ctx)
	if err != nil {
		e.logger.Warn("failed to read local token", logging.Error(err))
		t.Token = e.health.LocalToken
	}
	return t
}

func (e *Engine) refreshTokens(ctx context.Context) {
	if t, err := e.arbiter.LocalToken(ctx); err == nil {
		e.health.LocalToken = t.Token
		e.health.LastOnlyHost = t.OnlyHost
	} else {
		e.logger.Debug("failed to read local token", logging.Error(err))
	}
	if t, err := e.arbiter.ArbiterToken(ctx); err == nil {
		e.health.ArbiterToken = t.Token
	} else if !errors.Is(err, context.Canceled) {
		e.logger.Debug("failed to read arbiter token", logging.Error(err))
	}
}

// peers returns this node's IP and the host:port addresses of the others.
func (e *Engine) peers() (string, []string) {
	local := e.dispatcher.Local()
	var localIP string
	if hp, ok := local.HostPort(); ok {
		localIP, _, _ = net.SplitHostPort(hp)
	}

	var peers []string
	for _, m := range e.dispatcher.Members() {
		if m == local {
			continue
		}
		if hp, ok := m.HostPort(); ok {
			peers = append(peers, hp)
		}
	}
	return localIP, peers
}

func (e *Engine) publish() {
	active := slices.Sorted(maps.Keys(e.active))
	health := e.health
	health.State = e.state

	var coord group.Member
	var members []group.Member
	if e.dispatcher != nil {
		coord = e.dispatcher.Coordinator()
		members = e.dispatcher.Members()
	}

	local := group.Member{}
	if e.dispatcher != nil {
		local = e.dispatcher.Local()
	}

	e.snapshot.Store(&Snapshot{
		Local:           local,
		Health:          health,
		Observable:      e.observable,
		Missed:          e.missed,
		LastHeartbeat:   e.lastHeartbeat,
		ElectionStarted: e.electionStarted,
		NextElection:    e.nextElection,
		Backoff:         e.backoff,
		ActiveDatabases: active,
		Coordinator:     coord,
		Members:         members,
		UpdatedAt:       time.Now(),
	})
	if e.metrics != nil {
		e.metrics.UpdateTokens(health.LocalToken, health.ArbiterToken, e.observable)
	}
}

// InterfacesUp reports whether any non-loopback interface is up.
func InterfacesUp(context.Context) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
