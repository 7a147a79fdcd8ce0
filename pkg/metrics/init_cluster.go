package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ClusterMembers = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusoha_cluster_members",
			Help: "Number of members in the current view, including this node",
		},
	)

	r.ClusterIsCoordinator = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusoha_cluster_is_coordinator",
			Help: "Whether this node is the view coordinator (1=yes, 0=no)",
		},
	)

	r.MembershipEventsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_membership_events_total",
			Help: "Membership changes observed by this node",
		},
		[]string{"event"}, // added, removed
	)

	r.TransportRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_transport_requests_total",
			Help: "Unicast requests sent over the group transport",
		},
		[]string{"kind", "status"}, // kind: call, probe; status: ok, error
	)

	r.TransportRequestTime = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusoha_transport_request_seconds",
			Help:    "Round trip time of transport requests",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"kind"},
	)
}
