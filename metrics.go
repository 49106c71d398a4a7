package devwork

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the sync engine. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	reconcileTotal   *prometheus.CounterVec
	pendingMessages  prometheus.Gauge
	staleFetches     prometheus.Counter
	fetchErrors      *prometheus.CounterVec
	connectionEvents *prometheus.CounterVec
	outboxDepth      prometheus.Gauge
	alertsTotal      prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devwork_chat_reconcile_total",
				Help: "Messages merged into the active conversation, by outcome.",
			},
			[]string{"outcome"},
		),
		pendingMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "devwork_chat_pending_messages",
				Help: "Optimistic messages waiting for server confirmation.",
			},
		),
		staleFetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "devwork_chat_stale_fetches_total",
				Help: "History fetches discarded because the active conversation changed.",
			},
		),
		fetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devwork_chat_fetch_errors_total",
				Help: "Failed REST fetches, by kind.",
			},
			[]string{"kind"},
		),
		connectionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devwork_chat_connection_events_total",
				Help: "Realtime connection lifecycle events.",
			},
			[]string{"event"},
		),
		outboxDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "devwork_chat_outbox_depth",
				Help: "Outgoing commands waiting for a connection.",
			},
		),
		alertsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "devwork_chat_alerts_total",
				Help: "In-app message alerts published.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.reconcileTotal,
			m.pendingMessages,
			m.staleFetches,
			m.fetchErrors,
			m.connectionEvents,
			m.outboxDepth,
			m.alertsTotal,
		)
	}
	return m
}

func (m *Metrics) IncReconcile(o Outcome) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) AddPending(delta float64) {
	if m == nil {
		return
	}
	m.pendingMessages.Add(delta)
}

func (m *Metrics) IncStaleFetch() {
	if m == nil {
		return
	}
	m.staleFetches.Inc()
}

func (m *Metrics) IncFetchError(kind string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncConnectionEvent(event string) {
	if m == nil {
		return
	}
	m.connectionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(n))
}

func (m *Metrics) IncAlert() {
	if m == nil {
		return
	}
	m.alertsTotal.Inc()
}
