package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Member is a group member as seen by dispatchers.
type Member = group.Member

// envelope is the request frame routed through the shared group.
type envelope struct {
	Dispatcher string          `json:"d"`
	Kind       string          `json:"k"`
	Payload    json.RawMessage `json:"p,omitempty"`
}

// response is the reply to an envelope. Error is set when the command failed
// or panicked on the receiver.
type response struct {
	Result json.RawMessage `json:"r,omitempty"`
	Error  string          `json:"e,omitempty"`
}

// endpoint is the type-erased side of a Dispatcher the factory routes to.
type endpoint interface {
	receive(ctx context.Context, from Member, env envelope) response
	viewChanged(view group.View)
}

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Factory multiplexes several dispatchers over one group. Each dispatcher is
// addressed by its id and keeps its own command registry and target.
type Factory struct {
	group   group.Group
	logger  logging.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	endpoints map[string]endpoint
	view      group.View

	startOnce sync.Once
	startErr  error
}

// NewFactory creates a factory and registers it as the group's receiver.
func NewFactory(g group.Group, config FactoryConfig) *Factory {
	f := &Factory{
		group:     g,
		logger:    logging.ForComponent(config.Logger, "dispatch"),
		metrics:   config.Metrics,
		endpoints: make(map[string]endpoint),
	}
	g.SetReceiver(f)
	return f
}

func (f *Factory) register(id string, ep endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.endpoints[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	f.endpoints[id] = ep
	return nil
}

// Start starts the group. It is called by the first dispatcher to start and
// returns the same result to every later caller.
func (f *Factory) Start(ctx context.Context) error {
	f.startOnce.Do(func() {
		if err := f.group.Start(ctx); err != nil {
			f.startErr = fmt.Errorf("failed to start group: %w", err)
		}
	})
	return f.startErr
}

// Stop leaves the group.
func (f *Factory) Stop() error {
	return f.group.Stop()
}

// Local returns this node's member.
func (f *Factory) Local() Member {
	return f.group.Local()
}

// View returns the last view delivered by the group.
func (f *Factory) View() group.View {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.view
}

// Receive implements group.Receiver.
func (f *Factory) Receive(ctx context.Context, from Member, payload []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	f.mu.RLock()
	ep, ok := f.endpoints[env.Dispatcher]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDispatcher, env.Dispatcher)
	}

	return json.Marshal(ep.receive(ctx, from, env))
}

// ViewChanged implements group.Receiver.
func (f *Factory) ViewChanged(view group.View) {
	f.mu.Lock()
	prev := f.view
	f.view = view
	eps := make([]endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		eps = append(eps, ep)
	}
	f.mu.Unlock()

	added, removed := group.Diff(prev, view)
	for _, m := range added {
		f.logger.Info("member added", logging.Member("member", m), logging.Uint64("view", view.ID))
	}
	for _, m := range removed {
		f.logger.Info("member removed", logging.Member("member", m), logging.Uint64("view", view.ID))
	}
	if f.metrics != nil {
		coord, _ := view.Coordinator()
		f.metrics.UpdateClusterMetrics(view.Size(), coord == f.group.Local())
		for range added {
			f.metrics.RecordMembershipEvent("added")
		}
		for range removed {
			f.metrics.RecordMembershipEvent("removed")
		}
	}
	for _, ep := range eps {
		ep.viewChanged(view)
	}
}

func (f *Factory) request(ctx context.Context, to Member, env envelope) (response, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return response{}, err
	}
	raw, err := f.group.Request(ctx, to, payload)
	if err != nil {
		return response{}, err
	}
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return response{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return resp, nil
}
