package history

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricPrunedTotal   = "livetrack_history_pruned_total"
	MetricPruneFailures = "livetrack_history_prune_failures_total"
)

// Metrics contains Prometheus metrics for history pruning.
type Metrics struct {
	pruned        *prometheus.CounterVec
	pruneFailures *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrunedTotal,
			Help: "Total number of expired entries removed by the pruner, by target",
		}, []string{"target"}),
		pruneFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPruneFailures,
			Help: "Total number of failed prune passes, by target",
		}, []string{"target"}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// AddPruned adds n removed entries for target.
func (m *Metrics) AddPruned(target string, n int64) {
	m.pruned.WithLabelValues(target).Add(float64(n))
}

// IncPruneFailures increments the failure counter for target.
func (m *Metrics) IncPruneFailures(target string) {
	m.pruneFailures.WithLabelValues(target).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.pruned,
		m.pruneFailures,
	}
}
