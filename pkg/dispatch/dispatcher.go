package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// DefaultTimeout bounds a single command round trip when the caller's
// context has no deadline.
const DefaultTimeout = 10 * time.Second

// Config configures a Dispatcher.
type Config struct {
	ID      string        // unique per factory, e.g. "health" or "locks"
	Timeout time.Duration // default DefaultTimeout
	Logger  logging.Logger
}

// Dispatcher executes commands of one family on group members. C is the
// target every received command executes against.
type Dispatcher[C any] struct {
	id       string
	factory  *Factory
	target   C
	timeout  time.Duration
	logger   logging.Logger
	metrics  *metrics.Registry
	commands *registry[C]

	started atomic.Bool

	mu        sync.RWMutex
	view      group.View
	listeners []MembershipListener
	stateful  Stateful

	transferMu  sync.Mutex
	transferred bool
}

// New creates a dispatcher on f. Commands must be registered with Register
// and listeners added before Start.
func New[C any](f *Factory, target C, config Config) (*Dispatcher[C], error) {
	if config.ID == "" {
		return nil, ErrMissingID
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := config.Logger
	if base == nil {
		base = f.logger
	}

	d := &Dispatcher[C]{
		id:       config.ID,
		factory:  f,
		target:   target,
		timeout:  timeout,
		logger:   base.With(logging.String("dispatcher", config.ID)),
		metrics:  f.metrics,
		commands: newRegistry[C](),
	}
	if err := f.register(config.ID, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ID returns the dispatcher id.
func (d *Dispatcher[C]) ID() string {
	return d.id
}

// AddMembershipListener registers l for Added/Removed notifications.
func (d *Dispatcher[C]) AddMembershipListener(l MembershipListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// SetStateful registers the state provider used for the join-time transfer.
func (d *Dispatcher[C]) SetStateful(s Stateful) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateful = s
}

// Start starts the shared group if needed, then fetches the coordinator's
// state when this node is not the coordinator. It fails fast if the group
// cannot start.
func (d *Dispatcher[C]) Start(ctx context.Context) error {
	if err := d.factory.Start(ctx); err != nil {
		return err
	}
	d.started.Store(true)

	view := d.factory.View()
	d.applyView(view)
	if err := d.transferState(ctx, view); err != nil {
		d.logger.Warn("state transfer failed", logging.Error(err))
	}
	d.logger.Info("dispatcher started", logging.Count(view.Size()))
	return nil
}

// Stop stops serving commands. The shared group stays up until the factory stops.
func (d *Dispatcher[C]) Stop() {
	d.started.Store(false)
}

// Local returns this node's member.
func (d *Dispatcher[C]) Local() Member {
	return d.factory.Local()
}

// Coordinator returns the oldest member of the current view.
func (d *Dispatcher[C]) Coordinator() Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	coord, ok := d.view.Coordinator()
	if !ok {
		return d.factory.Local()
	}
	return coord
}

// IsCoordinator reports whether this node coordinates the view.
func (d *Dispatcher[C]) IsCoordinator() bool {
	return d.Coordinator() == d.Local()
}

// Members returns the current view in join order.
func (d *Dispatcher[C]) Members() []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Member(nil), d.view.Members...)
}

func (d *Dispatcher[C]) receive(ctx context.Context, from Member, env envelope) response {
	if env.Kind == stateKind {
		return d.serveState()
	}
	if !d.started.Load() {
		return response{Error: ErrNotStarted.Error()}
	}

	start := time.Now()
	result, status, err := d.execute(env)
	if d.metrics != nil {
		d.metrics.RecordCommand(d.id, env.Kind, status, time.Since(start))
	}
	if err != nil {
		d.logger.Debug("command failed",
			logging.Command(env.Kind), logging.Member("from", from), logging.Error(err))
		return response{Error: err.Error()}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return response{Error: fmt.Sprintf("failed to encode result: %v", err)}
	}
	return response{Result: data}
}

// execute decodes and runs one command, converting panics to errors.
func (d *Dispatcher[C]) execute(env envelope) (result any, status string, err error) {
	cmd, err := d.commands.decode(env.Kind, env.Payload)
	if err != nil {
		return nil, "error", err
	}

	defer func() {
		if r := recover(); r != nil {
			result, status, err = nil, "panic", fmt.Errorf("%w: %s panicked: %v", ErrCommandFailed, env.Kind, r)
		}
	}()

	result, err = cmd.Execute(d.target)
	if err != nil {
		return nil, "error", err
	}
	return result, "ok", nil
}

func (d *Dispatcher[C]) viewChanged(view group.View) {
	d.applyView(view)
	if d.started.Load() && d.needsTransfer(view) {
		// Fetching state blocks on the network; never from the delivery goroutine.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := d.transferState(ctx, view); err != nil {
				d.logger.Warn("state transfer failed", logging.Error(err))
			}
		}()
	}
}

// applyView stores view and notifies listeners of the difference with the
// previous one. This node itself is never reported.
func (d *Dispatcher[C]) applyView(view group.View) {
	d.mu.Lock()
	if view.ID <= d.view.ID {
		d.mu.Unlock()
		return
	}
	prev := d.view
	d.view = view
	listeners := append([]MembershipListener(nil), d.listeners...)
	d.mu.Unlock()

	local := d.Local()
	added, removed := group.Diff(prev, view)
	for _, m := range removed {
		if m == local {
			continue
		}
		d.logger.Debug("member removed", logging.Member("member", m))
		for _, l := range listeners {
			l.Removed(m)
		}
	}
	for _, m := range added {
		if m == local {
			continue
		}
		d.logger.Debug("member added", logging.Member("member", m))
		for _, l := range listeners {
			l.Added(m)
		}
	}
}
