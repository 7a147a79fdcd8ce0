package lock

import (
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/group"
)

// Type is the mode a lock is held in.
type Type int

const (
	// Read locks are shared
	Read Type = iota
	// Write locks are exclusive across the cluster
	Write
	// Only locks are exclusive on the requesting node and never propagated
	Only
)

func (t Type) String() string {
	switch t {
	case Read:
		return "read"
	case Write:
		return "write"
	case Only:
		return "only"
	default:
		return "unknown"
	}
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	switch string(text) {
	case "read":
		*t = Read
	case "write":
		*t = Write
	case "only":
		*t = Only
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, text)
	}
	return nil
}

// Global is the id of the cluster-wide lock. Holding any named lock implies
// a read hold on the global lock, so a global write lock excludes them all.
const Global = ""

// Descriptor identifies a lock and the member that owns it. Members record
// the holds they took on behalf of Owner under the attempt that took them.
type Descriptor struct {
	ID    string       `json:"id"`
	Type  Type         `json:"type"`
	Owner group.Member `json:"owner"`
}

// IsGlobal reports whether d refers to the global lock.
func (d Descriptor) IsGlobal() bool {
	return d.ID == Global
}

func (d Descriptor) String() string {
	id := d.ID
	if d.IsGlobal() {
		id = "<global>"
	}
	return fmt.Sprintf("%s:%s@%s", id, d.Type, d.Owner)
}
