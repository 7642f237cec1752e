package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the incident engine.
type Metrics struct {
	IngestsTotal     *prometheus.CounterVec
	SyncsTotal       *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	SLAOutcomesTotal *prometheus.CounterVec
	AckLatency       *prometheus.HistogramVec
	AuditAppends     prometheus.Counter
	NotifiesTotal    *prometheus.CounterVec
}

// NewMetrics registers and returns engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_ingests_total",
			Help: "Total normalized events ingested by result.",
		}, []string{"result"}),
		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_external_syncs_total",
			Help: "Total external status updates by result.",
		}, []string{"result"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_transitions_total",
			Help: "Total applied state transitions by target state and actor kind.",
		}, []string{"state", "actor"}),
		SLAOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_sla_outcomes_total",
			Help: "Total SLA outcomes fixed at acknowledgment.",
		}, []string{"outcome", "priority"}),
		AckLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docket_ack_latency_seconds",
			Help:    "Acknowledgment latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 12), // 1m .. ~3.4d
		}, []string{"priority"}),
		AuditAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docket_audit_appends_total",
			Help: "Total audit ledger entries written.",
		}),
		NotifiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docket_notifies_total",
			Help: "Total state-change notifications fired by new state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.IngestsTotal,
		m.SyncsTotal,
		m.TransitionsTotal,
		m.SLAOutcomesTotal,
		m.AckLatency,
		m.AuditAppends,
		m.NotifiesTotal,
	)

	return m
}

// observeAck records the metrics fixed at acknowledgment. Nil-safe so the
// service can run without metrics in tests.
func (m *Metrics) observeAck(inc *Incident) {
	if m == nil {
		return
	}
	pr := string(inc.Diagnostic.Priority)
	m.SLAOutcomesTotal.WithLabelValues(string(inc.SLAOutcome), pr).Inc()
	m.AckLatency.WithLabelValues(pr).Observe(inc.AckLatency.Seconds())
}

func (m *Metrics) incIngest(result string) {
	if m == nil {
		return
	}
	m.IngestsTotal.WithLabelValues(result).Inc()
}

// incAudit counts ledger writes. Every mutation lands exactly one entry,
// so the service increments once per applied mutation.
func (m *Metrics) incAudit() {
	if m == nil {
		return
	}
	m.AuditAppends.Inc()
}

func (m *Metrics) incSync(result string) {
	if m == nil {
		return
	}
	m.SyncsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incTransition(state State, actor string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(state), actor).Inc()
}

func (m *Metrics) incNotify(state State) {
	if m == nil {
		return
	}
	m.NotifiesTotal.WithLabelValues(string(state)).Inc()
}
