package procwire

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors recorded by a dispatcher and the
// HTTP transport. A nil *Metrics records nothing.
type Metrics struct {
	CallsTotal          *prometheus.CounterVec
	CallDuration        *prometheus.HistogramVec
	SubscriptionsActive *prometheus.GaugeVec
	BatchSize           prometheus.Histogram
	ConnectionsActive   prometheus.Gauge
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procwire",
				Subsystem: "calls",
				Name:      "total",
				Help:      "Total number of procedure calls by outcome code (empty code = success)",
			},
			[]string{"path", "type", "code"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "procwire",
				Subsystem: "calls",
				Name:      "duration_seconds",
				Help:      "Procedure call duration in seconds, until the result or the subscription start",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path", "type"},
		),
		SubscriptionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procwire",
				Subsystem: "subscriptions",
				Name:      "active",
				Help:      "Number of subscriptions currently streaming",
			},
			[]string{"path"},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "procwire",
				Subsystem: "http",
				Name:      "batch_size",
				Help:      "Number of calls per HTTP batch request",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "procwire",
				Subsystem: "ws",
				Name:      "connections_active",
				Help:      "Number of open WebSocket connections",
			},
		),
	}
}

// Register registers all collectors with reg. Collectors that are already
// registered are left in place.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.CallsTotal, m.CallDuration, m.SubscriptionsActive, m.BatchSize, m.ConnectionsActive,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) observeCall(call Call, code ErrorCode, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(call.Path, string(call.Type), string(code)).Inc()
	m.CallDuration.WithLabelValues(call.Path, string(call.Type)).Observe(d.Seconds())
}

func (m *Metrics) subscriptionStarted(path string) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.WithLabelValues(path).Inc()
}

func (m *Metrics) subscriptionEnded(path string) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.WithLabelValues(path).Dec()
}

func (m *Metrics) observeBatch(n int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(n))
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}
