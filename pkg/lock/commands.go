package lock

import (
	"time"

	"github.com/dd0wney/cluso-ha/pkg/dispatch"
)

// AcquireLockCommand asks a member to take a local hold on behalf of the
// descriptor owner, waiting up to Timeout. Attempt names the hold so a
// release can reach exactly it.
type AcquireLockCommand struct {
	Descriptor Descriptor    `json:"descriptor"`
	Attempt    string        `json:"attempt"`
	Timeout    time.Duration `json:"timeout"`
}

func (AcquireLockCommand) Kind() string { return "acquire" }

func (cmd AcquireLockCommand) Execute(m *Distributed) (any, error) {
	return m.remoteAcquire(cmd.Descriptor, cmd.Attempt, cmd.Timeout), nil
}

// ReleaseLockCommand releases the hold taken by the AcquireLockCommand with
// the same Attempt, or cancels it if it has not completed yet.
type ReleaseLockCommand struct {
	Descriptor Descriptor `json:"descriptor"`
	Attempt    string     `json:"attempt"`
}

func (ReleaseLockCommand) Kind() string { return "release" }

func (cmd ReleaseLockCommand) Execute(m *Distributed) (any, error) {
	return m.remoteRelease(cmd.Descriptor, cmd.Attempt), nil
}

// CoordinatorAcquireLockCommand asks the coordinator to acquire a lock
// cluster-wide for a non-coordinator owner.
type CoordinatorAcquireLockCommand struct {
	Descriptor Descriptor    `json:"descriptor"`
	Attempt    string        `json:"attempt"`
	Timeout    time.Duration `json:"timeout"`
}

func (CoordinatorAcquireLockCommand) Kind() string { return "coordinator_acquire" }

func (cmd CoordinatorAcquireLockCommand) Execute(m *Distributed) (any, error) {
	return m.coordinatorAcquire(cmd.Descriptor, cmd.Attempt, cmd.Timeout), nil
}

// CoordinatorReleaseLockCommand asks the coordinator to release a lock
// cluster-wide for a non-coordinator owner.
type CoordinatorReleaseLockCommand struct {
	Descriptor Descriptor `json:"descriptor"`
	Attempt    string     `json:"attempt"`
}

func (CoordinatorReleaseLockCommand) Kind() string { return "coordinator_release" }

func (cmd CoordinatorReleaseLockCommand) Execute(m *Distributed) (any, error) {
	m.coordinatorRelease(cmd.Descriptor, cmd.Attempt)
	return true, nil
}

func registerCommands(d *dispatch.Dispatcher[*Distributed]) {
	dispatch.Register[AcquireLockCommand](d)
	dispatch.Register[ReleaseLockCommand](d)
	dispatch.Register[CoordinatorAcquireLockCommand](d)
	dispatch.Register[CoordinatorReleaseLockCommand](d)
}
