package auth

import "github.com/prometheus/client_golang/prometheus"

const (
	decisionPublic          = "public"
	decisionAllowed         = "allowed"
	decisionUnauthenticated = "unauthenticated"
	decisionForbidden       = "forbidden"
)

// Metrics holds the auth counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	decisions *prometheus.CounterVec
	issued    *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	resets    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usergate",
			Name:      "guard_decisions_total",
			Help:      "Guard decisions by outcome.",
		}, []string{"outcome"}),
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usergate",
			Name:      "tokens_issued_total",
			Help:      "Signed tokens issued by kind.",
		}, []string{"kind"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usergate",
			Name:      "refresh_rotations_total",
			Help:      "Refresh token exchanges by result.",
		}, []string{"result"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usergate",
			Name:      "password_resets_total",
			Help:      "Password reset operations by stage and result.",
		}, []string{"stage", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.issued, m.refreshes, m.resets)
	}
	return m
}

func (m *Metrics) observeDecision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeIssued(kind string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) observeReset(stage, result string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(stage, result).Inc()
}
