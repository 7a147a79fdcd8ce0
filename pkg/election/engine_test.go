package election

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/arbiter"
	"github.com/dd0wney/cluso-ha/pkg/dispatch"
	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/token"
)

type testDatabase struct {
	name      string
	activated atomic.Int32
}

func (d *testDatabase) LocalDatabase() string { return d.name }

func (d *testDatabase) Activate(context.Context) error {
	d.activated.Add(1)
	return nil
}

type toggleObserver struct {
	ok atomic.Bool
}

func newToggleObserver() *toggleObserver {
	o := &toggleObserver{}
	o.ok.Store(true)
	return o
}

func (o *toggleObserver) Name() string   { return "toggle" }
func (o *toggleObserver) Weight() int    { return 1 }
func (o *toggleObserver) Optional() bool { return false }

func (o *toggleObserver) Observable(context.Context, bool, string, []string) bool {
	return o.ok.Load()
}

type recordingListener struct {
	mu          sync.Mutex
	transitions [][2]NodeState
}

func (l *recordingListener) StateChanged(from, to NodeState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, [2]NodeState{from, to})
}

func (l *recordingListener) seen() [][2]NodeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][2]NodeState(nil), l.transitions...)
}

type testNode struct {
	name     string
	engine   *Engine
	factory  *dispatch.Factory
	observer *toggleObserver
	db       *testDatabase
	local    *token.FileStore
	witness  *token.FileStore
}

type nodeOptions struct {
	tick       time.Duration
	localToken int64
}

func newTestNode(t *testing.T, hub *group.Hub, dir, name string, opts nodeOptions) *testNode {
	t.Helper()
	ctx := context.Background()
	nop := logging.NewNopLogger()

	local, err := token.NewFileStore(filepath.Join(dir, name, "local.token"), token.FileStoreConfig{Logger: nop})
	require.NoError(t, err)
	if opts.localToken > 0 {
		require.NoError(t, local.Update(ctx, token.LeaderToken{Token: opts.localToken}))
	}
	witness, err := token.NewFileStore(filepath.Join(dir, "witness", "cluster.token"), token.FileStoreConfig{Name: "witness", Logger: nop})
	require.NoError(t, err)

	observer := newToggleObserver()
	arb, err := arbiter.New(arbiter.Config{
		Local:     local,
		Witness:   witness,
		Observers: []arbiter.Observer{observer},
		Logger:    nop,
	})
	require.NoError(t, err)

	tick := opts.tick
	if tick == 0 {
		tick = time.Hour
	}

	db := &testDatabase{name: name}
	factory := dispatch.NewFactory(hub.Node(name), dispatch.FactoryConfig{Logger: nop})
	engine, err := New(Config{
		Factory:        factory,
		Arbiter:        arb,
		Databases:      db,
		Network:        func(context.Context) bool { return true },
		TickInterval:   tick,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		CommandTimeout: time.Second,
		Logger:         nop,
	})
	require.NoError(t, err)

	n := &testNode{name: name, engine: engine, factory: factory, observer: observer, db: db, local: local, witness: witness}
	t.Cleanup(func() {
		engine.Stop()
		factory.Stop()
	})
	return n
}

func (n *testNode) start(t *testing.T) {
	t.Helper()
	require.NoError(t, n.engine.Start(context.Background()))
}

// do runs fn on the engine goroutine and waits for it.
func (n *testNode) do(t *testing.T, fn func(ctx context.Context)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, n.engine.call(ctx, func() error {
		fn(ctx)
		return nil
	}))
}

func (n *testNode) force(t *testing.T, s NodeState) {
	n.do(t, func(context.Context) { n.engine.setState(s) })
}

func (n *testNode) tick(t *testing.T) {
	n.do(t, func(ctx context.Context) { n.engine.tick(ctx) })
}

func activeSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingFactory)

	f := dispatch.NewFactory(group.NewHub().Node("a"), dispatch.FactoryConfig{Logger: logging.NewNopLogger()})
	_, err = New(Config{Factory: f})
	assert.ErrorIs(t, err, ErrMissingArbiter)
}

func TestEngine_InitialState(t *testing.T) {
	n := newTestNode(t, group.NewHub(), t.TempDir(), "a", nodeOptions{})

	assert.Equal(t, StateOffline, n.engine.State())
	assert.False(t, n.engine.IsHost())
	assert.ErrorIs(t, n.engine.Elect(context.Background()), ErrNotRunning)

	n.start(t)
	assert.ErrorIs(t, n.engine.Start(context.Background()), ErrAlreadyRunning)
}

func TestEngine_HostLosesArbiterFailover(t *testing.T) {
	ctx := context.Background()
	hub := group.NewHub()
	dir := t.TempDir()

	a := newTestNode(t, hub, dir, "a", nodeOptions{localToken: 10})
	b := newTestNode(t, hub, dir, "b", nodeOptions{localToken: 8})
	c := newTestNode(t, hub, dir, "c", nodeOptions{localToken: 9})
	require.NoError(t, a.witness.Update(ctx, token.LeaderToken{Token: 10}))

	nodes := []*testNode{a, b, c}
	for _, n := range nodes {
		n.start(t)
		n.engine.CheckActiveDatabases(activeSet("a", "b", "c"))
	}

	a.force(t, StateHost)
	b.force(t, StateReady)
	c.force(t, StateBackup)

	a.tick(t)
	require.Equal(t, StateHost, a.engine.State())

	a.observer.ok.Store(false)
	a.tick(t)
	require.Equal(t, StateOffline, a.engine.State(), "host steps down within one tick")

	for range DefaultHeartbeatLostMax {
		b.tick(t)
	}

	require.Eventually(t, func() bool { return c.engine.IsHost() }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, b.engine.IsHost())
	assert.False(t, a.engine.IsHost())

	witness, err := c.witness.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), witness.Token)
	assert.Equal(t, int32(1), c.db.activated.Load())

	require.Eventually(t, func() bool {
		return b.engine.Snapshot().Health.LocalToken == 11
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_SingleNodeElectsItself(t *testing.T) {
	n := newTestNode(t, group.NewHub(), t.TempDir(), "solo", nodeOptions{tick: 20 * time.Millisecond})
	listener := &recordingListener{}
	n.engine.AddStateListener(listener)
	n.start(t)

	require.Eventually(t, n.engine.IsHost, 2*time.Second, 10*time.Millisecond)

	witness, err := n.witness.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), witness.Token)
	assert.True(t, witness.OnlyHost, "single database cluster")
	assert.GreaterOrEqual(t, n.db.activated.Load(), int32(1))
	assert.Equal(t, [][2]NodeState{{StateOffline, StateHost}}, listener.seen())
}

func TestEngine_JoinerFollowsExistingHost(t *testing.T) {
	hub := group.NewHub()
	dir := t.TempDir()

	a := newTestNode(t, hub, dir, "a", nodeOptions{tick: 20 * time.Millisecond})
	a.start(t)
	a.engine.CheckActiveDatabases(activeSet("a", "b"))
	require.Eventually(t, a.engine.IsHost, 2*time.Second, 10*time.Millisecond)

	b := newTestNode(t, hub, dir, "b", nodeOptions{tick: 20 * time.Millisecond})
	b.start(t)
	b.engine.CheckActiveDatabases(activeSet("a", "b"))

	require.Eventually(t, func() bool {
		return b.engine.State() == StateBackup
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.engine.IsHost())
}

func TestEngine_StalemateBacksOff(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, group.NewHub(), t.TempDir(), "a", nodeOptions{localToken: 5})
	require.NoError(t, n.witness.Update(ctx, token.LeaderToken{Token: 5}))
	n.start(t)

	assert.ErrorIs(t, n.engine.Elect(ctx), ErrNoCandidate)
	assert.Equal(t, StateOffline, n.engine.State())
	assert.Equal(t, 10*time.Millisecond, n.engine.Snapshot().Backoff, "attended elections do not back off")

	n.tick(t)
	snap := n.engine.Snapshot()
	assert.Equal(t, 20*time.Millisecond, snap.Backoff)
	assert.False(t, snap.NextElection.IsZero())
	assert.False(t, snap.ElectionStarted.IsZero())

	for range 5 {
		n.do(t, func(ctx context.Context) { _ = n.engine.elect(ctx, false) })
	}
	assert.Equal(t, 40*time.Millisecond, n.engine.Snapshot().Backoff, "capped")
}

func TestEngine_ElectionExpiryPicksHighestToken(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, group.NewHub(), t.TempDir(), "a", nodeOptions{localToken: 5})
	require.NoError(t, n.witness.Update(ctx, token.LeaderToken{Token: 5}))
	n.start(t)

	n.do(t, func(context.Context) {
		n.engine.electionStarted = time.Now().Add(-DefaultMaxElectTime)
	})
	require.NoError(t, n.engine.Elect(ctx))
	assert.True(t, n.engine.IsHost())
	assert.Equal(t, int64(6), n.engine.Snapshot().Health.LocalToken)
}

func TestEngine_HeartbeatResetsMissed(t *testing.T) {
	ctx := context.Background()
	hub := group.NewHub()
	dir := t.TempDir()

	a := newTestNode(t, hub, dir, "a", nodeOptions{})
	b := newTestNode(t, hub, dir, "b", nodeOptions{})
	a.start(t)
	b.start(t)

	b.observer.ok.Store(false)
	b.force(t, StateReady)
	b.tick(t)
	b.tick(t)
	require.Equal(t, 2, b.engine.Snapshot().Missed)

	hb := HeartbeatCommand{Host: a.engine.Dispatcher().Local(), Token: 1}
	_, err := dispatch.Execute[bool](ctx, a.engine.Dispatcher(), hb, b.engine.Dispatcher().Local())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := b.engine.Snapshot()
		return s.Missed == 0 && !s.LastHeartbeat.IsZero()
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_StaleHostAnnouncementIgnored(t *testing.T) {
	hub := group.NewHub()
	dir := t.TempDir()
	a := newTestNode(t, hub, dir, "a", nodeOptions{localToken: 10})
	b := newTestNode(t, hub, dir, "b", nodeOptions{})
	a.start(t)
	b.start(t)

	a.force(t, StateBackup)
	a.do(t, func(ctx context.Context) {
		a.engine.applyHost(ctx, HostCommand{Host: b.engine.Dispatcher().Local(), Token: 4})
	})
	assert.Equal(t, StateBackup, a.engine.State())

	a.do(t, func(ctx context.Context) {
		a.engine.applyHost(ctx, HostCommand{Host: b.engine.Dispatcher().Local(), Token: 12})
	})
	assert.Equal(t, StateReady, a.engine.State())
	assert.Equal(t, int64(12), a.engine.Snapshot().Health.LocalToken)
}

func TestEngine_ReadyBecomesBackupWhenDatabaseActive(t *testing.T) {
	n := newTestNode(t, group.NewHub(), t.TempDir(), "a", nodeOptions{})
	n.start(t)
	n.observer.ok.Store(false)

	n.force(t, StateReady)
	n.tick(t)
	assert.Equal(t, StateReady, n.engine.State())

	n.engine.CheckActiveDatabases(activeSet("a"))
	n.tick(t)
	assert.Equal(t, StateBackup, n.engine.State())
	assert.Equal(t, []string{"a"}, n.engine.Snapshot().ActiveDatabases)
}
