package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "freight_guard"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	DecisionsTotal       *prometheus.CounterVec
	DecisionDuration     prometheus.Histogram
	RiskScore            prometheus.Histogram
	RuleEvaluationErrors *prometheus.CounterVec
	ChainRetries         prometheus.Counter
	AuditWriteFailures   prometheus.Counter
	AuditPublished       *prometheus.CounterVec
	RulesInstalled       prometheus.Gauge
	IntegritySweeps      *prometheus.CounterVec
	ChainMismatches      prometheus.Counter
	HTTPRequests         *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers collectors on reg. Passing a fresh prometheus.NewRegistry()
// keeps tests independent of the process-wide default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions returned, by decision code",
		}, []string{"code"}),
		DecisionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time to evaluate, persist and audit one decision",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		RiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_risk_score",
			Help:      "Risk score of each decision",
			Buckets:   []float64{0, 1, 3, 7, 10, 15, 22, 30, 45},
		}),
		RuleEvaluationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_errors_total",
			Help:      "Rules that could not be evaluated against a context",
		}, []string{"rule_id"}),
		ChainRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_chain_retries_total",
			Help:      "Units of work retried after losing an audit chain append race",
		}),
		AuditWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Decisions rejected because the audit write failed",
		}),
		AuditPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_stream_published_total",
			Help:      "Committed audit entries handed to the stream, by result",
		}, []string{"result"}),
		RulesInstalled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_installed",
			Help:      "Rules in the current snapshot",
		}),
		IntegritySweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_sweeps_total",
			Help:      "Scheduled chain verification runs, by result",
		}, []string{"result"}),
		ChainMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_chain_mismatches_total",
			Help:      "Mismatches found by scheduled chain verification",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveDecision(code string, elapsed time.Duration, risk int) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(code).Inc()
	m.DecisionDuration.Observe(elapsed.Seconds())
	m.RiskScore.Observe(float64(risk))
}

func (m *Metrics) RuleError(ruleID string) {
	if m == nil {
		return
	}
	m.RuleEvaluationErrors.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) ChainRetry() {
	if m == nil {
		return
	}
	m.ChainRetries.Inc()
}

func (m *Metrics) AuditWriteFailure() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AuditPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) SetRulesInstalled(n int) {
	if m == nil {
		return
	}
	m.RulesInstalled.Set(float64(n))
}

func (m *Metrics) IntegritySweep(mismatches int, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.IntegritySweeps.WithLabelValues("error").Inc()
	case mismatches > 0:
		m.IntegritySweeps.WithLabelValues("violations").Inc()
	default:
		m.IntegritySweeps.WithLabelValues("clean").Inc()
	}
	m.ChainMismatches.Add(float64(mismatches))
}

func (m *Metrics) HTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
