package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for vendor calls, activations and
// readiness evaluations. A nil *Metrics records nothing.
//
// Metrics:
//   - rallypoint_vendor_calls_total{vendor,op,outcome}
//   - rallypoint_vendor_call_duration_seconds{vendor,op}
//   - rallypoint_activations_total{status}
//   - rallypoint_readiness_score
type Metrics struct {
	VendorCalls     *prometheus.CounterVec
	VendorLatency   *prometheus.HistogramVec
	Activations     *prometheus.CounterVec
	ReadinessScores prometheus.Histogram
}

// New registers the collectors on reg. Pass a fresh prometheus.NewRegistry()
// in tests to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VendorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rallypoint_vendor_calls_total",
			Help: "Vendor adapter calls by outcome",
		}, []string{"vendor", "op", "outcome"}),
		VendorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rallypoint_vendor_call_duration_seconds",
			Help:    "Vendor adapter call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"vendor", "op"}),
		Activations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rallypoint_activations_total",
			Help: "Activations by final status",
		}, []string{"status"}),
		ReadinessScores: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rallypoint_readiness_score",
			Help:    "Readiness scores computed",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
	}
}

// ObserveVendorCall records one adapter call. outcome is "ok" or an error kind.
func (m *Metrics) ObserveVendorCall(vendor, op, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.VendorCalls.WithLabelValues(vendor, op, outcome).Inc()
	m.VendorLatency.WithLabelValues(vendor, op).Observe(took.Seconds())
}

func (m *Metrics) ObserveActivation(status string) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveReadiness(score float64) {
	if m == nil {
		return
	}
	m.ReadinessScores.Observe(score)
}
