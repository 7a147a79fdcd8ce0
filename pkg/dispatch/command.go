package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Command is a serializable unit of work created on the initiating member and
// executed on each receiving member against that member's dispatcher target.
type Command[C any] interface {
	// Kind names the command on the wire. It must be unique per dispatcher.
	Kind() string
	// Execute runs the command. The result is JSON encoded for the initiator.
	Execute(target C) (any, error)
}

// MembershipListener is notified when members join or leave the view.
// Callbacks run on the view delivery goroutine; they must be idempotent and
// must not issue blocking commands.
type MembershipListener interface {
	Added(member Member)
	Removed(member Member)
}

// decoder turns a wire payload back into a command.
type decoder[C any] func(payload []byte) (Command[C], error)

// registry maps command kinds to decoders.
type registry[C any] struct {
	mu       sync.RWMutex
	decoders map[string]decoder[C]
}

func newRegistry[C any]() *registry[C] {
	return &registry[C]{decoders: make(map[string]decoder[C])}
}

func (r *registry[C]) add(kind string, dec decoder[C]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[kind] = dec
}

func (r *registry[C]) decode(kind string, payload []byte) (Command[C], error) {
	r.mu.RLock()
	dec, ok := r.decoders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, kind)
	}
	return dec(payload)
}

// Register makes command type T executable on d. T's pointer must implement
// Command[C]:
//
//	dispatch.Register[HeartbeatCommand](d)
func Register[T any, PT interface {
	*T
	Command[C]
}, C any](d *Dispatcher[C]) {
	var zero T
	kind := PT(&zero).Kind()
	d.commands.add(kind, func(payload []byte) (Command[C], error) {
		cmd := PT(new(T))
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
		}
		return cmd, nil
	})
}
