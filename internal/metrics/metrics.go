package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Standard Prometheus collectors for the supervision core.
var (
	// sentinel_intents_total (counter): intents entering the pipeline
	IntentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_intents_total",
		Help: "Total number of intents submitted for verification",
	})

	// sentinel_decision_count{decision=ALLOW|DENY|MODIFY|WARN}
	DecisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_decision_count",
		Help: "Number of policy decisions by outcome",
	}, []string{"decision"})

	// sentinel_risk_score (histogram): composite risk per observation
	RiskScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_risk_score",
		Help:    "Composite drift risk score distribution",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	// sentinel_drift_transitions{level=WARNING|THROTTLE|PAUSE|KILL}
	DriftTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_drift_transitions",
		Help: "Number of drift threshold transitions by target level",
	}, []string{"level"})

	// sentinel_ledger_appends_total{kind=...}
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_ledger_appends_total",
		Help: "Audit ledger appends by event kind",
	}, []string{"kind"})

	// sentinel_simulations_total{overall=ALLOWED|BLOCKED}
	Simulations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_simulations_total",
		Help: "Plan simulations by overall verdict",
	}, []string{"overall"})

	// sentinel_verify_latency_seconds (histogram)
	VerifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_verify_latency_seconds",
		Help:    "End-to-end intent verification latency in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordDecision increments the decision counter.
func RecordDecision(decision string) {
	DecisionCount.WithLabelValues(decision).Inc()
}

// RecordTransition increments the drift transition counter.
func RecordTransition(level string) {
	DriftTransitions.WithLabelValues(level).Inc()
}

// RecordLedgerAppend increments the ledger append counter.
func RecordLedgerAppend(kind string) {
	LedgerAppends.WithLabelValues(kind).Inc()
}
