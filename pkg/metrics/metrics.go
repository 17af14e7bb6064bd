package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dewei/PriceRadar/pkg/model"
)

// Metrics collectors for the evaluation engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CyclesTotal    *prometheus.CounterVec
	CyclesSkipped  prometheus.Counter
	CycleDuration  prometheus.Histogram
	Fetches        *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	AlertsInStatus *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_radar_cycles_total",
				Help: "Completed evaluation cycles",
			},
			[]string{"result"}, // result: ok|error
		),
		CyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "price_radar_cycles_skipped_total",
			Help: "Ticks dropped because the previous cycle was still running",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "price_radar_cycle_duration_seconds",
			Help:    "Evaluation cycle duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_radar_price_fetches_total",
				Help: "Price lookups per distinct pair",
			},
			[]string{"result"}, // result: success|error
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_radar_notifications_total",
				Help: "Notification attempts by outcome",
			},
			[]string{"result"}, // result: sent|NO_WEBHOOK_URL|DELIVERY_FAILED
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_radar_status_transitions_total",
				Help: "Alert status changes made by the engine",
			},
			[]string{"from", "to"},
		),
		AlertsInStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "price_radar_alerts",
				Help: "Alerts per status, refreshed every cycle",
			},
			[]string{"status"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.CyclesTotal,
			m.CyclesSkipped,
			m.CycleDuration,
			m.Fetches,
			m.Notifications,
			m.Transitions,
			m.AlertsInStatus,
		)
	}
	return m
}

func (m *Metrics) CycleCompleted(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) CycleSkipped() {
	if m == nil {
		return
	}
	m.CyclesSkipped.Inc()
}

func (m *Metrics) FetchResult(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Fetches.WithLabelValues("success").Inc()
		return
	}
	m.Fetches.WithLabelValues("error").Inc()
}

// Notification records one dispatch; an empty kind means it was delivered
func (m *Metrics) Notification(kind model.DeliveryErrorKind) {
	if m == nil {
		return
	}
	if kind == "" {
		m.Notifications.WithLabelValues("sent").Inc()
		return
	}
	m.Notifications.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Transition(from, to model.Status) {
	if m == nil || from == to {
		return
	}
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// SetAlertCounts replaces the per-status gauge; statuses missing from counts read zero
func (m *Metrics) SetAlertCounts(counts map[model.Status]int64) {
	if m == nil {
		return
	}
	for _, s := range model.AllStatuses {
		m.AlertsInStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
