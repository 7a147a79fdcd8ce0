package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initElectionMetrics() {
	r.ElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_elections_total",
			Help: "Elections run by this node",
		},
		[]string{"result", "rule"}, // result: elected, stalemate
	)

	r.ElectionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusoha_election_duration_seconds",
			Help:    "Duration of elections in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1.0, 2.0, 5.0, 30.0, 120.0, 300.0},
		},
	)

	r.HealthState = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusoha_health_state",
			Help: "Node health state (1 for current state, 0 otherwise)",
		},
		[]string{"state"}, // offline, ready, backup, host
	)

	r.HeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_heartbeats_total",
			Help: "Host heartbeats sent or received",
		},
		[]string{"direction"},
	)

	r.HeartbeatsMissed = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusoha_heartbeats_missed",
			Help: "Consecutive ticks without a host heartbeat",
		},
	)

	r.LocalToken = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusoha_local_token",
			Help: "Election generation in the local token store",
		},
	)

	r.ArbiterToken = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusoha_arbiter_token",
			Help: "Election generation in the witness token store",
		},
	)

	r.ArbiterObservable = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusoha_arbiter_observable",
			Help: "Whether observers last agreed the node is well connected (1=yes, 0=no)",
		},
	)
}
