package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricDeliveries  = "livetrack_fanout_deliveries_total"
	MetricFailures    = "livetrack_fanout_failures_total"
	MetricSubscribers = "livetrack_fanout_subscribers"
)

// Metrics contains Prometheus metrics for fan-out.
type Metrics struct {
	deliveries  prometheus.Counter
	failures    prometheus.Counter
	subscribers prometheus.Histogram
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDeliveries,
			Help: "Total number of updates handed to subscribers",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricFailures,
			Help: "Total number of updates dropped because a subscriber could not take them",
		}),
		subscribers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricSubscribers,
			Help:    "Number of subscribers reached per published report",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
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

// AddDeliveries records n successful deliveries.
func (m *Metrics) AddDeliveries(n int) {
	m.deliveries.Add(float64(n))
}

// AddFailures records n failed deliveries.
func (m *Metrics) AddFailures(n int) {
	m.failures.Add(float64(n))
}

// ObserveFanout records the fan-out width of one publish.
func (m *Metrics) ObserveFanout(n int) {
	m.subscribers.Observe(float64(n))
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.deliveries,
		m.failures,
		m.subscribers,
	}
}
