// Package metrics holds the Prometheus metrics exported by Harrier.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the evaluation pipeline
type Metrics struct {
	// Evaluation metrics
	Evaluations        *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	ReputationScore    prometheus.Histogram

	// Oracle metrics
	OracleDuration  *prometheus.HistogramVec
	OracleFallbacks *prometheus.CounterVec

	// Downstream metrics
	Attestations         *prometheus.CounterVec
	PendingVerifications *prometheus.GaugeVec
	ReviewRuleHits       *prometheus.CounterVec
	MarketHalts          *prometheus.CounterVec
	Suggestions          *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the metrics registered on the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates and registers all metrics on reg.
// Tests pass prometheus.NewRegistry() to stay isolated.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harrier_evaluations_total",
				Help: "Total number of trade evaluations",
			},
			[]string{"outcome"}, // outcome: normal, anomaly, invalid
		),

		EvaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harrier_evaluation_duration_seconds",
				Help:    "Duration of a full trade evaluation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"threshold_source"},
		),

		ReputationScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harrier_reputation_score",
				Help:    "Distribution of reputation scores",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),

		OracleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harrier_oracle_duration_seconds",
				Help:    "Duration of scoring oracle calls",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"}, // kind: thresholds, reputation, suggestion
		),

		OracleFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harrier_oracle_fallbacks_total",
				Help: "Oracle calls that failed and fell back to defaults",
			},
			[]string{"kind"},
		),

		Attestations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harrier_attestations_total",
				Help: "Attestation attempts per sink",
			},
			[]string{"sink", "result"}, // result: ok, error
		),

		PendingVerifications: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harrier_pending_verifications",
				Help: "Stored evaluations waiting for human verification",
			},
			[]string{"tenant_id"},
		),

		ReviewRuleHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harrier_review_rule_hits_total",
				Help: "Review rules that flagged a trade",
			},
			[]string{"rule_id"},
		),

		MarketHalts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harrier_market_halts_total",
				Help: "Trades routed to verification because their asset was halted",
			},
			[]string{"limit"}, // limit: day_volatility, week_volatility, loss_ratio
		),

		Suggestions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harrier_suggestions_total",
				Help: "Trade suggestion requests by outcome",
			},
			[]string{"outcome"}, // outcome: ok, capped, invalid, oracle_error, bad_reply
		),
	}
}
