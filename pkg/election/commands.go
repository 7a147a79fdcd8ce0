package election

import (
	"context"

	"github.com/dd0wney/cluso-ha/pkg/dispatch"
	"github.com/dd0wney/cluso-ha/pkg/group"
)

// NodeHealthCommand asks a member for its health record. It is answered from
// the published snapshot, so it never waits on the member's engine.
type NodeHealthCommand struct{}

func (NodeHealthCommand) Kind() string { return "node_health" }

func (NodeHealthCommand) Execute(e *Engine) (any, error) {
	return e.Snapshot().Health, nil
}

// HostCommand announces the winner of an election and the token it takes.
type HostCommand struct {
	Host  group.Member `json:"host"`
	Token int64        `json:"token"`
}

func (HostCommand) Kind() string { return "host" }

func (cmd HostCommand) Execute(e *Engine) (any, error) {
	e.post(func(ctx context.Context) { e.applyHost(ctx, cmd) })
	return true, nil
}

// HeartbeatCommand is broadcast by the host every tick.
type HeartbeatCommand struct {
	Host  group.Member `json:"host"`
	Token int64        `json:"token"`
}

func (HeartbeatCommand) Kind() string { return "heartbeat" }

func (cmd HeartbeatCommand) Execute(e *Engine) (any, error) {
	e.post(func(context.Context) { e.heartbeatReceived(cmd) })
	return true, nil
}

func registerCommands(d *dispatch.Dispatcher[*Engine]) {
	dispatch.Register[NodeHealthCommand](d)
	dispatch.Register[HostCommand](d)
	dispatch.Register[HeartbeatCommand](d)
}
