package group

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Hub is an in-process group. Every node created from the same Hub sees the
// same views, delivered synchronously in order, which makes cluster behaviour
// deterministic in tests.
type Hub struct {
	viewMu sync.Mutex // serializes view computation and delivery

	mu       sync.Mutex
	nodes    map[Member]*HubNode
	seq      int64
	viewID   uint64
	isolated map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		nodes:    make(map[Member]*HubNode),
		isolated: make(map[string]bool),
	}
}

// Node creates a group endpoint named name. The node joins on Start.
func (h *Hub) Node(name string) *HubNode {
	return &HubNode{
		hub: h,
		local: Member{
			Name:        name,
			Addr:        "hub://" + name,
			Incarnation: uuid.New().String(),
		},
	}
}

// Isolate makes every request to or from the named node fail as if the
// network dropped it, without changing membership.
func (h *Hub) Isolate(name string, isolated bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolated[name] = isolated
}

func (h *Hub) join(n *HubNode) {
	h.viewMu.Lock()
	defer h.viewMu.Unlock()

	h.mu.Lock()
	h.seq++
	n.local.Since = h.seq
	h.nodes[n.local] = n
	view, targets := h.snapshotLocked()
	h.mu.Unlock()

	h.deliver(view, targets)
}

func (h *Hub) leave(n *HubNode) {
	h.viewMu.Lock()
	defer h.viewMu.Unlock()

	h.mu.Lock()
	delete(h.nodes, n.local)
	view, targets := h.snapshotLocked()
	h.mu.Unlock()

	h.deliver(view, targets)
}

func (h *Hub) snapshotLocked() (View, []*HubNode) {
	h.viewID++
	members := make([]Member, 0, len(h.nodes))
	targets := make([]*HubNode, 0, len(h.nodes))
	for m, n := range h.nodes {
		members = append(members, m)
		targets = append(targets, n)
	}
	view := NewView(h.viewID, members)
	slices.SortFunc(targets, func(a, b *HubNode) int { return CompareJoinOrder(a.local, b.local) })
	return view, targets
}

func (h *Hub) deliver(view View, targets []*HubNode) {
	for _, n := range targets {
		n.setView(view)
	}
}

func (h *Hub) lookup(from, to Member) (*HubNode, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isolated[from.Name] || h.isolated[to.Name] {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	n, ok := h.nodes[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	return n, nil
}

// HubNode is one member of a Hub.
type HubNode struct {
	hub   *Hub
	local Member

	receiver Receiver
	ctx      context.Context
	cancel   context.CancelFunc
	state    lifecycle

	viewMu sync.RWMutex
	view   View
}

// Start joins the hub.
func (n *HubNode) Start(ctx context.Context) error {
	unlock, alreadyRunning := n.state.TryStart()
	if alreadyRunning {
		return ErrAlreadyStarted
	}
	defer unlock()

	if n.receiver == nil {
		return ErrNoReceiver
	}
	n.ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))
	n.state.markStarted()
	n.hub.join(n)
	return nil
}

// Stop leaves the hub. Remaining nodes receive a view without this node.
func (n *HubNode) Stop() error {
	unlock, notRunning := n.state.TryStop()
	if notRunning {
		return nil
	}
	defer unlock()

	n.state.markStopped()
	n.hub.leave(n)
	n.cancel()
	return nil
}

func (n *HubNode) Local() Member {
	return n.local
}

func (n *HubNode) View() View {
	n.viewMu.RLock()
	defer n.viewMu.RUnlock()
	return n.view
}

func (n *HubNode) SetReceiver(r Receiver) {
	n.receiver = r
}

func (n *HubNode) setView(v View) {
	n.viewMu.Lock()
	if v.ID <= n.view.ID {
		n.viewMu.Unlock()
		return
	}
	n.view = v
	n.viewMu.Unlock()

	if n.state.IsRunning() {
		n.receiver.ViewChanged(v)
	}
}

// Request delivers payload to the target's receiver on a separate goroutine
// and waits for the reply or ctx.
func (n *HubNode) Request(ctx context.Context, to Member, payload []byte) ([]byte, error) {
	if !n.state.IsRunning() {
		return nil, ErrNotStarted
	}
	target, err := n.hub.lookup(n.local, to)
	if err != nil {
		return nil, err
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	data := slices.Clone(payload)
	go func() {
		reply, err := target.receiver.Receive(target.ctx, n.local, data)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrRemote, err)
		}
		done <- result{data: slices.Clone(reply), err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-target.ctx.Done():
		return nil, fmt.Errorf("%w: %s left", ErrUnreachable, to)
	}
}

// Ensure HubNode implements Group
var _ Group = (*HubNode)(nil)
