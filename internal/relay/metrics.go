package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricReportsAccepted     = "livetrack_reports_accepted_total"
	MetricReportsRejected     = "livetrack_reports_rejected_total"
	MetricIngestDuration      = "livetrack_ingest_duration_seconds"
	MetricTrackIDsGenerated   = "livetrack_track_ids_generated_total"
	MetricActiveSubscriptions = "livetrack_active_subscriptions"
	MetricStorageFaults       = "livetrack_storage_faults_total"
)

// Metrics contains Prometheus metrics for ingest and subscriptions.
type Metrics struct {
	accepted       prometheus.Counter
	rejected       *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	generated      prometheus.Counter
	subscriptions  prometheus.Gauge
	storageFaults  *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReportsAccepted,
			Help: "Total number of accepted location reports",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricReportsRejected,
			Help: "Total number of rejected location reports, by offending field",
		}, []string{"reason"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricIngestDuration,
			Help:    "Time from receipt to fan-out of accepted reports in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		generated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricTrackIDsGenerated,
			Help: "Total number of track identifiers issued",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveSubscriptions,
			Help: "Current number of connection-to-track subscriptions",
		}),
		storageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricStorageFaults,
			Help: "Total number of operations that failed on the storage layer",
		}, []string{"operation"}),
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

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.accepted,
		m.rejected,
		m.ingestDuration,
		m.generated,
		m.subscriptions,
		m.storageFaults,
	}
}

func (m *Metrics) incAccepted(seconds float64) {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.ingestDuration.Observe(seconds)
}

func (m *Metrics) incRejected(field string) {
	if m == nil {
		return
	}
	if field == "" {
		field = "other"
	}
	m.rejected.WithLabelValues(field).Inc()
}

func (m *Metrics) incGenerated() {
	if m == nil {
		return
	}
	m.generated.Inc()
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) incStorageFault(op string) {
	if m == nil {
		return
	}
	m.storageFaults.WithLabelValues(op).Inc()
}
