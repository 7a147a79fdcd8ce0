package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLockMetrics() {
	r.LockAcquireTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_lock_acquire_total",
			Help: "Distributed lock acquisition attempts",
		},
		[]string{"type", "status"}, // status: acquired, refused, cancelled
	)

	r.LockAcquireDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusoha_lock_acquire_duration_seconds",
			Help:    "Time taken to acquire a distributed lock",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"type"},
	)

	r.LockReleaseTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_lock_release_total",
			Help: "Distributed lock releases",
		},
		[]string{"type"},
	)

	r.RemoteLocksHeld = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusoha_remote_locks_held",
			Help: "Locks held locally on behalf of other members",
		},
	)

	r.LockForcedReleases = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusoha_lock_forced_releases_total",
			Help: "Remote locks force-released because their owner left the cluster",
		},
	)
}
