package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTokenMetrics() {
	r.TokenWritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_token_writes_total",
			Help: "Token store writes; skipped writes are counted with status=unchanged",
		},
		[]string{"store", "status"}, // status: written, unchanged, error
	)

	r.TokenReloadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusoha_token_reloads_total",
			Help: "Token store reloads triggered by external changes",
		},
		[]string{"store", "status"},
	)
}
