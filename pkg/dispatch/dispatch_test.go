package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

type counter struct {
	mu   sync.Mutex
	name string
	n    int
}

func (c *counter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *counter) WriteState(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.NewEncoder(w).Encode(c.n)
}

func (c *counter) ReadState(r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.NewDecoder(r).Decode(&c.n)
}

type incrementCommand struct {
	By int `json:"by"`
}

func (incrementCommand) Kind() string { return "increment" }

func (cmd incrementCommand) Execute(c *counter) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += cmd.By
	return c.n, nil
}

type nameCommand struct{}

func (nameCommand) Kind() string                    { return "name" }
func (nameCommand) Execute(c *counter) (any, error) { return c.name, nil }

type failCommand struct{ Panic bool }

func (failCommand) Kind() string { return "fail" }

func (cmd failCommand) Execute(c *counter) (any, error) {
	if cmd.Panic {
		panic("kaboom")
	}
	return nil, errors.New("refused")
}

type unregisteredCommand struct{}

func (unregisteredCommand) Kind() string                    { return "unregistered" }
func (unregisteredCommand) Execute(c *counter) (any, error) { return true, nil }

type recordingListener struct {
	mu      sync.Mutex
	added   []Member
	removed []Member
}

func (l *recordingListener) Added(m Member) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added = append(l.added, m)
}

func (l *recordingListener) Removed(m Member) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, m)
}

type testNode struct {
	node     *group.HubNode
	factory  *Factory
	d        *Dispatcher[*counter]
	counter  *counter
	listener *recordingListener
}

func newTestNode(t *testing.T, hub *group.Hub, name string, initial int) *testNode {
	t.Helper()
	n := hub.Node(name)
	f := NewFactory(n, FactoryConfig{Logger: logging.NewNopLogger()})
	c := &counter{name: name, n: initial}
	d, err := New(f, c, Config{ID: "counter"})
	require.NoError(t, err)

	Register[incrementCommand](d)
	Register[nameCommand](d)
	Register[failCommand](d)

	l := &recordingListener{}
	d.AddMembershipListener(l)
	d.SetStateful(c)
	return &testNode{node: n, factory: f, d: d, counter: c, listener: l}
}

func startCluster(t *testing.T, names ...string) (*group.Hub, []*testNode) {
	t.Helper()
	hub := group.NewHub()
	nodes := make([]*testNode, len(names))
	for i, name := range names {
		nodes[i] = newTestNode(t, hub, name, 0)
		require.NoError(t, nodes[i].d.Start(context.Background()))
		n := nodes[i]
		t.Cleanup(func() { n.factory.Stop() })
	}
	return hub, nodes
}

func TestExecute(t *testing.T) {
	_, nodes := startCluster(t, "a", "b")
	a, b := nodes[0], nodes[1]

	n, err := Execute[int](context.Background(), a.d, incrementCommand{By: 3}, b.d.Local())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, b.counter.value())
	assert.Equal(t, 0, a.counter.value())

	name, err := Execute[string](context.Background(), b.d, nameCommand{}, b.d.Local())
	require.NoError(t, err)
	assert.Equal(t, "b", name, "execute on self")
}

func TestExecuteErrors(t *testing.T) {
	_, nodes := startCluster(t, "a", "b")
	a, b := nodes[0], nodes[1]

	_, err := Execute[any](context.Background(), a.d, failCommand{}, b.d.Local())
	assert.ErrorIs(t, err, ErrCommandFailed)

	_, err = Execute[any](context.Background(), a.d, failCommand{Panic: true}, b.d.Local())
	assert.ErrorIs(t, err, ErrCommandFailed, "panics surface as command failures")

	_, err = Execute[bool](context.Background(), a.d, unregisteredCommand{}, b.d.Local())
	assert.ErrorIs(t, err, ErrCommandFailed)
}

func TestExecuteAll(t *testing.T) {
	hub, nodes := startCluster(t, "a", "b", "c")
	a, b, c := nodes[0], nodes[1], nodes[2]

	results := ExecuteAll[int](context.Background(), a.d, incrementCommand{By: 1})
	assert.Len(t, results, 3)
	assert.Equal(t, 1, results[c.d.Local()])

	results = ExecuteAll[int](context.Background(), a.d, incrementCommand{By: 1}, a.d.Local(), b.d.Local())
	assert.Equal(t, map[Member]int{c.d.Local(): 2}, results)

	hub.Isolate("b", true)
	results = ExecuteAll[int](context.Background(), a.d, incrementCommand{By: 1})
	assert.Len(t, results, 2)
	_, ok := results[b.d.Local()]
	assert.False(t, ok, "unreachable member is absent")

	results = ExecuteAll[int](context.Background(), a.d, failCommand{Panic: true})
	assert.Empty(t, results)
}

func TestMembershipListeners(t *testing.T) {
	hub := group.NewHub()
	a := newTestNode(t, hub, "a", 0)
	require.NoError(t, a.d.Start(context.Background()))
	defer a.factory.Stop()

	b := newTestNode(t, hub, "b", 0)
	require.NoError(t, b.d.Start(context.Background()))

	assert.Equal(t, []Member{b.d.Local()}, a.listener.added)
	assert.Equal(t, []Member{a.d.Local()}, b.listener.added)
	assert.Equal(t, a.d.Local(), b.d.Coordinator())
	assert.True(t, a.d.IsCoordinator())

	require.NoError(t, b.factory.Stop())
	assert.Equal(t, []Member{b.d.Local()}, a.listener.removed)
	assert.Equal(t, []Member{a.d.Local()}, a.d.Members())
}

func TestStateTransfer(t *testing.T) {
	hub := group.NewHub()
	a := newTestNode(t, hub, "a", 41)
	require.NoError(t, a.d.Start(context.Background()))
	defer a.factory.Stop()

	b := newTestNode(t, hub, "b", 0)
	require.NoError(t, b.d.Start(context.Background()))
	defer b.factory.Stop()

	assert.Equal(t, 41, b.counter.value(), "joiner reads coordinator state")

	c := newTestNode(t, hub, "c", 7)
	require.NoError(t, c.d.Start(context.Background()))
	defer c.factory.Stop()

	assert.Equal(t, 41, c.counter.value())
	assert.Equal(t, 41, a.counter.value(), "coordinator never reads state")
}

func TestStateTransfer_LogsLatency(t *testing.T) {
	hub := group.NewHub()
	a := newTestNode(t, hub, "a", 3)
	require.NoError(t, a.d.Start(context.Background()))
	defer a.factory.Stop()

	var buf bytes.Buffer
	f := NewFactory(hub.Node("b"), FactoryConfig{Logger: logging.NewNopLogger()})
	c := &counter{name: "b"}
	d, err := New(f, c, Config{ID: "counter", Logger: logging.NewJSONLogger(&buf, logging.InfoLevel)})
	require.NoError(t, err)
	d.SetStateful(c)
	require.NoError(t, d.Start(context.Background()))
	defer f.Stop()

	require.Equal(t, 3, c.value())
	var entry logging.LogEntry
	for line := range bytes.Lines(buf.Bytes()) {
		var e logging.LogEntry
		require.NoError(t, json.Unmarshal(line, &e))
		if e.Message == "state received" {
			entry = e
		}
	}
	require.Equal(t, "state received", entry.Message)
	assert.Equal(t, a.d.Local().String(), entry.Fields["coordinator"])
	assert.Contains(t, entry.Fields, "bytes")
	assert.Contains(t, entry.Fields, "latency")
}

func TestMultiplexedDispatchers(t *testing.T) {
	hub := group.NewHub()
	build := func(name string) (*Factory, *counter, *counter) {
		n := hub.Node(name)
		f := NewFactory(n, FactoryConfig{Logger: logging.NewNopLogger()})
		c1, c2 := &counter{name: name + "-1"}, &counter{name: name + "-2"}
		d1, err := New(f, c1, Config{ID: "one"})
		require.NoError(t, err)
		d2, err := New(f, c2, Config{ID: "two"})
		require.NoError(t, err)
		Register[incrementCommand](d1)
		Register[incrementCommand](d2)
		require.NoError(t, d1.Start(context.Background()))
		require.NoError(t, d2.Start(context.Background()))
		t.Cleanup(func() { f.Stop() })
		return f, c1, c2
	}

	fa, _, _ := build("a")
	_, b1, b2 := build("b")

	_, err := New(fa, &counter{}, Config{ID: "one"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	fa.mu.RLock()
	d2 := fa.endpoints["two"].(*Dispatcher[*counter])
	fa.mu.RUnlock()

	ExecuteAll[int](context.Background(), d2, incrementCommand{By: 5})
	assert.Equal(t, 0, b1.value())
	assert.Equal(t, 5, b2.value())
}

type brokenGroup struct {
	group.Group
}

func (brokenGroup) SetReceiver(group.Receiver)  {}
func (brokenGroup) Start(context.Context) error { return errors.New("address in use") }
func (brokenGroup) Local() Member               { return Member{Name: "x"} }

func TestStartFailsFast(t *testing.T) {
	f := NewFactory(brokenGroup{}, FactoryConfig{Logger: logging.NewNopLogger()})
	d, err := New(f, &counter{}, Config{ID: "counter"})
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}
