package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the auction engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	bidsAccepted   prometheus.Counter
	bidsRejected   *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	schedulerTicks *prometheus.CounterVec
	sessions       prometheus.Gauge
	ledgerEntries  prometheus.GaugeFunc
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, ledgerSize func() int) *Metrics {
	m := &Metrics{
		bidsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "certauction",
			Name:      "bids_accepted_total",
			Help:      "Bids accepted and committed.",
		}),
		bidsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certauction",
			Name:      "bids_rejected_total",
			Help:      "Bids rejected, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certauction",
			Name:      "round_transitions_total",
			Help:      "Batch and auction transition attempts, by kind, target phase and result.",
		}, []string{"kind", "phase", "result"}),
		schedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certauction",
			Name:      "scheduler_ticks_total",
			Help:      "Batch scheduler ticks, by result.",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "certauction",
			Name:      "realtime_sessions",
			Help:      "Connected realtime sessions.",
		}),
	}
	collectors := []prometheus.Collector{m.bidsAccepted, m.bidsRejected, m.transitions, m.schedulerTicks, m.sessions}
	if ledgerSize != nil {
		m.ledgerEntries = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "certauction",
			Name:      "ledger_entries",
			Help:      "Certificates tracked by the bid ledger.",
		}, func() float64 { return float64(ledgerSize()) })
		collectors = append(collectors, m.ledgerEntries)
	}
	reg.MustRegister(collectors...)
	return m
}

func (m *Metrics) BidAccepted() {
	if m == nil {
		return
	}
	m.bidsAccepted.Inc()
}

func (m *Metrics) BidRejected(reason string) {
	if m == nil {
		return
	}
	m.bidsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Transition(kind, phase, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, phase, result).Inc()
}

func (m *Metrics) SchedulerTick(result string) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}
