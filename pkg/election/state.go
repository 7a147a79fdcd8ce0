package election

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/group"
)

// NodeState is the health state of a node. At most one node is host at a
// time, on a best-effort basis.
type NodeState int

const (
	// StateOffline is a node that may not serve and may not write tokens
	StateOffline NodeState = iota
	// StateReady is a node following a host whose local database is not active yet
	StateReady
	// StateBackup is a node following a host with an active local database
	StateBackup
	// StateHost is the active primary
	StateHost
)

// String returns the string representation of a NodeState
func (s NodeState) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateReady:
		return "ready"
	case StateBackup:
		return "backup"
	case StateHost:
		return "host"
	default:
		return "unknown"
	}
}

// CanUpdate reports whether a node in this state may write tokens.
func (s NodeState) CanUpdate() bool {
	return s == StateReady || s == StateBackup || s == StateHost
}

func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *NodeState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "offline":
		*s = StateOffline
	case "ready":
		*s = StateReady
	case "backup":
		*s = StateBackup
	case "host":
		*s = StateHost
	default:
		return fmt.Errorf("%w: %q", ErrUnknownState, text)
	}
	return nil
}

// NodeHealth is what a node reports about itself during an election.
type NodeHealth struct {
	State        NodeState `json:"state"`
	LocalToken   int64     `json:"local_token"`
	ArbiterToken int64     `json:"arbiter_token"`
	LastOnlyHost bool      `json:"last_only_host"`
}

// IsZero reports whether h is an empty record, as reported by a node that
// never took part in an election.
func (h NodeHealth) IsZero() bool {
	return h == NodeHealth{}
}

// Snapshot is an immutable view of a node's health engine.
type Snapshot struct {
	Local           group.Member   `json:"local"`
	Health          NodeHealth     `json:"health"`
	Observable      bool           `json:"observable"`
	Missed          int            `json:"missed_heartbeats"`
	LastHeartbeat   time.Time      `json:"last_heartbeat"`
	ElectionStarted time.Time      `json:"election_started"`
	NextElection    time.Time      `json:"next_election"`
	Backoff         time.Duration  `json:"backoff"`
	ActiveDatabases []string       `json:"active_databases"`
	Coordinator     group.Member   `json:"coordinator"`
	Members         []group.Member `json:"members"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// State returns the node state of the snapshot.
func (s *Snapshot) State() NodeState {
	return s.Health.State
}

// StateListener is notified of health state changes. Callbacks run on the
// engine goroutine and must not block on cluster commands.
type StateListener interface {
	StateChanged(from, to NodeState)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(from, to NodeState)

func (f StateListenerFunc) StateChanged(from, to NodeState) { f(from, to) }

// ClusterHealth is what the proxy layer needs from the election engine.
type ClusterHealth interface {
	IsHost() bool
	State() NodeState
	CheckActiveDatabases(active map[string]struct{})
}
