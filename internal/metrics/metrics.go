package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the kiosk's Prometheus collectors.
type Metrics struct {
	Cycles        *prometheus.CounterVec
	Timeouts      *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
	Sessions      *prometheus.CounterVec
	PaidCents     prometheus.Counter
	RefundCents   *prometheus.CounterVec
	SupportLatch  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiosk_cycles_total",
				Help: "Wash cycles by final outcome",
			},
			[]string{"outcome"},
		),
		Timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiosk_phase_timeouts_total",
				Help: "Soft and hard timeout crossings by phase",
			},
			[]string{"phase", "level"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiosk_phase_duration_seconds",
				Help:    "Time spent in each gate phase",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
			},
			[]string{"phase", "outcome"},
		),
		Sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiosk_cash_sessions_total",
				Help: "Acceptor session attempts by device and result",
			},
			[]string{"device", "result"},
		),
		PaidCents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_paid_cents_total",
			Help: "Cash accepted for completed payments",
		}),
		RefundCents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiosk_refund_cents_total",
				Help: "Refunded cents by kind (bill, coin, undispensed)",
			},
			[]string{"kind"},
		),
		SupportLatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kiosk_contact_support",
			Help: "1 while the kiosk is latched in the contact-support state",
		}),
	}
	reg.MustRegister(m.Cycles, m.Timeouts, m.PhaseDuration, m.Sessions, m.PaidCents, m.RefundCents, m.SupportLatch)
	return m
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
