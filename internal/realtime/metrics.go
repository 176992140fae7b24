package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricConnections = "livetrack_ws_connections"
	MetricMessages    = "livetrack_ws_messages_total"
)

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics contains Prometheus metrics for WebSocket connections.
type Metrics struct {
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricConnections,
			Help: "Current number of open WebSocket connections",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMessages,
			Help: "Total number of WebSocket messages by direction and event",
		}, []string{"direction", "event"}),
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
		m.connections,
		m.messages,
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// message counts one frame. Inbound frames that failed to decode are
// counted under "invalid" to keep label cardinality bounded.
func (m *Metrics) message(direction string, event Event) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, string(event)).Inc()
}
