package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initDispatchMetrics() {
	r.CommandsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_commands_total",
			Help: "Commands executed locally on behalf of a member",
		},
		[]string{"dispatcher", "command", "status"}, // status: ok, error, panic
	)

	r.CommandDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusoha_command_duration_seconds",
			Help:    "Local execution time of received commands",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"dispatcher", "command"},
	)

	r.StateTransfersTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_state_transfers_total",
			Help: "State transfers served or received",
		},
		[]string{"dispatcher", "direction", "status"}, // direction: sent, received
	)

	r.StateTransferBytes = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusoha_state_transfer_bytes",
			Help:    "Compressed size of state transfer payloads",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		},
	)
}
