package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the monitor. A nil *Metrics is
// valid and records nothing, so tests and metric-less deployments can pass nil.
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	AlertsEmitted     *prometheus.CounterVec
	NotifierErrors    *prometheus.CounterVec
	EndpointFailovers prometheus.Counter
	PositionsTracked  prometheus.Gauge
	LastCycleUnix     prometheus.Gauge
}

// NewMetrics creates and registers all monitor metrics on the registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendwatch",
			Name:      "cycles_total",
			Help:      "Check cycles executed, labelled by outcome.",
		}, []string{"status"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lendwatch",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one check cycle.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		AlertsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendwatch",
			Name:      "alerts_emitted_total",
			Help:      "ALERT-class notification intents produced, labelled by severity.",
		}, []string{"severity"}),
		NotifierErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lendwatch",
			Name:      "notifier_errors_total",
			Help:      "Notification delivery failures, labelled by channel.",
		}, []string{"channel"}),
		EndpointFailovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lendwatch",
			Name:      "rpc_endpoint_failovers_total",
			Help:      "RPC endpoint attempts that failed and advanced to a fallback.",
		}),
		PositionsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lendwatch",
			Name:      "positions_tracked",
			Help:      "Positions evaluated in the most recent cycle.",
		}),
		LastCycleUnix: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lendwatch",
			Name:      "last_cycle_unix",
			Help:      "Unix timestamp of the last completed cycle.",
		}),
	}
}

// CycleFinished records the outcome and duration of one cycle.
func (m *Metrics) CycleFinished(status string, seconds float64, atUnix int64) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(status).Inc()
	m.CycleDuration.Observe(seconds)
	m.LastCycleUnix.Set(float64(atUnix))
}

// AlertEmitted counts one ALERT-class intent.
func (m *Metrics) AlertEmitted(severity string) {
	if m == nil {
		return
	}
	m.AlertsEmitted.WithLabelValues(severity).Inc()
}

// NotifierError counts one delivery failure for a channel.
func (m *Metrics) NotifierError(channel string) {
	if m == nil {
		return
	}
	m.NotifierErrors.WithLabelValues(channel).Inc()
}

// EndpointFailover counts one failed RPC endpoint attempt.
func (m *Metrics) EndpointFailover() {
	if m == nil {
		return
	}
	m.EndpointFailovers.Inc()
}

// TrackPositions records how many positions the last cycle evaluated.
func (m *Metrics) TrackPositions(n int) {
	if m == nil {
		return
	}
	m.PositionsTracked.Set(float64(n))
}
