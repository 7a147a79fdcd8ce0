// Package arbiter decides whether this node may hold or seek leadership. It
// pairs the node's local token store with a witness store on storage every
// node should reach, and consults network observers before elections.
package arbiter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/token"
)

// Arbiter errors
var (
	ErrNoLocalStore   = errors.New("local token store is required")
	ErrNoWitnessStore = errors.New("witness token store is required")
	ErrMountNotFound  = errors.New("witness mount not found")
)

// State reports whether the node's current health state permits token writes.
type State interface {
	CanUpdate() bool
}

// Observer judges whether this node is well connected to its peers.
//
// needDown is true when a host checks whether it must step down and false
// when a node checks whether it may come up, so implementations can apply
// hysteresis. peers are host:port addresses of the other members.
type Observer interface {
	Name() string
	Observable(ctx context.Context, needDown bool, localIP string, peers []string) bool
	Weight() int
	Optional() bool
}

// Config configures an Arbiter.
type Config struct {
	Local     token.Store
	Witness   token.Store
	Observers []Observer
	Logger    logging.Logger
	Metrics   *metrics.Registry
}

// Arbiter binds the local and witness token stores to a fixed set of observers.
type Arbiter struct {
	local     token.Store
	witness   token.Store
	observers []Observer
	logger    logging.Logger
	metrics   *metrics.Registry
}

// New creates an arbiter. Observers are evaluated by descending weight.
func New(config Config) (*Arbiter, error) {
	if config.Local == nil {
		return nil, ErrNoLocalStore
	}
	if config.Witness == nil {
		return nil, ErrNoWitnessStore
	}

	observers := slices.Clone(config.Observers)
	slices.SortStableFunc(observers, func(a, b Observer) int {
		return cmp.Compare(b.Weight(), a.Weight())
	})

	return &Arbiter{
		local:     config.Local,
		witness:   config.Witness,
		observers: observers,
		logger:    logging.ForComponent(config.Logger, "arbiter"),
		metrics:   config.Metrics,
	}, nil
}

// Local returns the node's own token store.
func (a *Arbiter) Local() token.Store {
	return a.local
}

// Witness returns the shared token store.
func (a *Arbiter) Witness() token.Store {
	return a.witness
}

// Observers returns the observers in evaluation order.
func (a *Arbiter) Observers() []Observer {
	return slices.Clone(a.observers)
}

// LocalToken returns the local generation.
func (a *Arbiter) LocalToken(ctx context.Context) (token.LeaderToken, error) {
	return a.local.Load(ctx)
}

// ArbiterToken returns the generation in the witness store.
func (a *Arbiter) ArbiterToken(ctx context.Context) (token.LeaderToken, error) {
	return a.witness.Load(ctx)
}

// IsObservable reports whether the node is well connected: every mandatory
// observer must agree and, when optional observers exist, at least one of
// them must agree as well.
func (a *Arbiter) IsObservable(ctx context.Context, needDown bool, localIP string, peers []string) bool {
	hasOptional, optionalAgreed := false, false
	observable := true

	for _, o := range a.observers {
		if o.Optional() {
			hasOptional = true
			if optionalAgreed {
				continue
			}
			if o.Observable(ctx, needDown, localIP, peers) {
				optionalAgreed = true
			}
			continue
		}
		if !o.Observable(ctx, needDown, localIP, peers) {
			a.logger.Warn("observer disagrees",
				logging.String("observer", o.Name()), logging.Bool("need_down", needDown))
			observable = false
			break
		}
	}

	if observable && hasOptional && !optionalAgreed {
		a.logger.Warn("no optional observer agrees", logging.Bool("need_down", needDown))
		observable = false
	}

	if a.metrics != nil {
		a.metrics.ArbiterObservable.Set(boolGauge(observable))
	}
	return observable
}

// CheckWitness reports whether the witness store can be read.
func (a *Arbiter) CheckWitness(ctx context.Context) error {
	if _, err := a.witness.Load(ctx); err != nil {
		return fmt.Errorf("witness unreachable: %w", err)
	}
	return nil
}

// Update writes t to the local store and then the witness store, but only
// while state permits writes. It reports whether the write happened.
func (a *Arbiter) Update(ctx context.Context, state State, t token.LeaderToken) (bool, error) {
	if !state.CanUpdate() {
		return false, nil
	}
	if err := a.local.Update(ctx, t); err != nil {
		return false, fmt.Errorf("failed to update local token: %w", err)
	}
	if err := a.witness.Update(ctx, t); err != nil {
		return false, fmt.Errorf("failed to update witness token: %w", err)
	}
	a.logger.Info("token updated", logging.Token("token", t.Token), logging.Bool("only_host", t.OnlyHost))
	a.observeTokens(ctx)
	return true, nil
}

// SetOnlyHost updates the only-host flag on the local store and, while state
// permits writes, on the witness.
func (a *Arbiter) SetOnlyHost(ctx context.Context, state State, onlyHost bool) error {
	if err := a.local.SetOnlyHost(ctx, onlyHost); err != nil {
		return fmt.Errorf("failed to update local only-host: %w", err)
	}
	if !state.CanUpdate() {
		return nil
	}
	if err := a.witness.SetOnlyHost(ctx, onlyHost); err != nil {
		return fmt.Errorf("failed to update witness only-host: %w", err)
	}
	return nil
}

func (a *Arbiter) observeTokens(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	if t, err := a.local.Load(ctx); err == nil {
		a.metrics.LocalToken.Set(float64(t.Token))
	}
	if t, err := a.witness.Load(ctx); err == nil {
		a.metrics.ArbiterToken.Set(float64(t.Token))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
