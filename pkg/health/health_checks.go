package health

import (
	"context"
	"fmt"
)

// DatabaseCheck pings the local database.
func DatabaseCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: "database"}

		if err := ping(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Connected"
		}

		return check
	}
}

// TransportView is what TransportCheck needs from the group transport.
type TransportView struct {
	Members     int
	Coordinator string
}

// TransportCheck compares the current view against the number of
// configured nodes. A node alone in its view is degraded, not unhealthy:
// it may still be the only host.
func TransportCheck(expected int, view func() TransportView) CheckFunc {
	return func(context.Context) Check {
		v := view()
		check := Check{
			Name: "transport",
			Details: map[string]any{
				"members":     v.Members,
				"expected":    expected,
				"coordinator": v.Coordinator,
			},
		}

		switch {
		case v.Members == 0:
			check.Status = StatusUnhealthy
			check.Message = "Not joined"
		case v.Members < expected:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d of %d nodes visible", v.Members, expected)
		default:
			check.Status = StatusHealthy
			check.Message = "All nodes visible"
		}

		return check
	}
}

// ElectionStatus is the slice of election state reported by ElectionCheck.
type ElectionStatus struct {
	State      string
	Host       bool
	Observable bool
	Missed     int
	Token      int64
}

// ElectionCheck reports the node's election state. Offline is unhealthy;
// a node that has lost observability or is missing heartbeats is degraded.
func ElectionCheck(status func() ElectionStatus) CheckFunc {
	return func(context.Context) Check {
		s := status()
		check := Check{
			Name: "election",
			Details: map[string]any{
				"state":      s.State,
				"host":       s.Host,
				"observable": s.Observable,
				"missed":     s.Missed,
				"token":      s.Token,
			},
		}

		switch {
		case s.State == "offline":
			check.Status = StatusUnhealthy
			check.Message = "Offline"
		case !s.Observable:
			check.Status = StatusDegraded
			check.Message = "Arbiter observers disagree"
		case s.Missed > 0 && !s.Host:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d heartbeats missed", s.Missed)
		default:
			check.Status = StatusHealthy
			check.Message = s.State
		}

		return check
	}
}

// ArbiterCheck probes the witness token store.
func ArbiterCheck(witness string, probe func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{
			Name:    "arbiter",
			Details: map[string]any{"witness": witness},
		}

		if err := probe(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Witness reachable"
		}

		return check
	}
}

// MemoryCheck creates a health check for memory usage
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func(context.Context) Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()

		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		if sys > 0 && float64(alloc)/float64(sys) > 0.9 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}

		return check
	}
}
