package metrics

import (
	"runtime"
	"time"
)

// healthStates lists every label value SetHealthState resets.
var healthStates = []string{"offline", "ready", "backup", "host"}

// UpdateClusterMetrics updates view-related metrics
func (r *Registry) UpdateClusterMetrics(members int, isCoordinator bool) {
	r.ClusterMembers.Set(float64(members))
	r.ClusterIsCoordinator.Set(boolToFloat(isCoordinator))
}

// RecordMembershipEvent counts a member being added to or removed from the view
func (r *Registry) RecordMembershipEvent(event string) {
	r.MembershipEventsTotal.WithLabelValues(event).Inc()
}

// RecordTransportRequest records a unicast request and its round trip time
func (r *Registry) RecordTransportRequest(kind string, err error, duration time.Duration) {
	r.TransportRequestsTotal.WithLabelValues(kind, statusOf(err)).Inc()
	r.TransportRequestTime.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCommand records the local execution of a received command
func (r *Registry) RecordCommand(dispatcher, command, status string, duration time.Duration) {
	r.CommandsTotal.WithLabelValues(dispatcher, command, status).Inc()
	r.CommandDuration.WithLabelValues(dispatcher, command).Observe(duration.Seconds())
}

// RecordStateTransfer records a state transfer served ("sent") or applied ("received")
func (r *Registry) RecordStateTransfer(dispatcher, direction string, size int, err error) {
	r.StateTransfersTotal.WithLabelValues(dispatcher, direction, statusOf(err)).Inc()
	if err == nil {
		r.StateTransferBytes.Observe(float64(size))
	}
}

// RecordElection records the outcome of one election round
func (r *Registry) RecordElection(result, rule string, duration time.Duration) {
	r.ElectionsTotal.WithLabelValues(result, rule).Inc()
	r.ElectionDuration.Observe(duration.Seconds())
}

// SetHealthState sets the current health state
func (r *Registry) SetHealthState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range healthStates {
		r.HealthState.WithLabelValues(s).Set(0)
	}
	r.HealthState.WithLabelValues(state).Set(1)
}

// UpdateTokens records the local and witness generations seen by the arbiter
func (r *Registry) UpdateTokens(local, arbiter int64, observable bool) {
	r.LocalToken.Set(float64(local))
	r.ArbiterToken.Set(float64(arbiter))
	r.ArbiterObservable.Set(boolToFloat(observable))
}

// RecordTokenWrite records a token store write attempt
func (r *Registry) RecordTokenWrite(store, status string) {
	r.TokenWritesTotal.WithLabelValues(store, status).Inc()
}

// RecordTokenReload records a reload after an external change was detected
func (r *Registry) RecordTokenReload(store string, err error) {
	r.TokenReloadsTotal.WithLabelValues(store, statusOf(err)).Inc()
}

// RecordLockAcquire records a distributed lock acquisition attempt
func (r *Registry) RecordLockAcquire(lockType, status string, duration time.Duration) {
	r.LockAcquireTotal.WithLabelValues(lockType, status).Inc()
	if status == "acquired" {
		r.LockAcquireDuration.WithLabelValues(lockType).Observe(duration.Seconds())
	}
}

// RecordLockRelease records a distributed lock release
func (r *Registry) RecordLockRelease(lockType string) {
	r.LockReleaseTotal.WithLabelValues(lockType).Inc()
}

// UpdateSystemMetrics refreshes process gauges
func (r *Registry) UpdateSystemMetrics(started time.Time) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	r.UptimeSeconds.Set(time.Since(started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(ms.Alloc))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
