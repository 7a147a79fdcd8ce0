package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for a cluster node
type Registry struct {
	// Membership / transport
	ClusterMembers         prometheus.Gauge
	ClusterIsCoordinator   prometheus.Gauge
	MembershipEventsTotal  *prometheus.CounterVec
	TransportRequestsTotal *prometheus.CounterVec
	TransportRequestTime   *prometheus.HistogramVec

	// Command dispatch
	CommandsTotal       *prometheus.CounterVec
	CommandDuration     *prometheus.HistogramVec
	StateTransfersTotal *prometheus.CounterVec
	StateTransferBytes  prometheus.Histogram

	// Election / health
	ElectionsTotal    *prometheus.CounterVec
	ElectionDuration  prometheus.Histogram
	HealthState       *prometheus.GaugeVec
	HeartbeatsTotal   *prometheus.CounterVec
	HeartbeatsMissed  prometheus.Gauge
	LocalToken        prometheus.Gauge
	ArbiterToken      prometheus.Gauge
	ArbiterObservable prometheus.Gauge

	// Token stores
	TokenWritesTotal  *prometheus.CounterVec
	TokenReloadsTotal *prometheus.CounterVec

	// Locks
	LockAcquireTotal    *prometheus.CounterVec
	LockAcquireDuration *prometheus.HistogramVec
	LockReleaseTotal    *prometheus.CounterVec
	RemoteLocksHeld     prometheus.Gauge
	LockForcedReleases  prometheus.Counter

	// System
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initClusterMetrics()
	r.initDispatchMetrics()
	r.initElectionMetrics()
	r.initTokenMetrics()
	r.initLockMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
