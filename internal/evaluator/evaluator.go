// Package evaluator turns a proposed trade into a decision record.
//
// An evaluation resolves anomaly thresholds and a reputation score from the
// scoring oracle concurrently, classifies the trade once thresholds are
// settled, applies review rules and hands the decision to attestation.
// Oracle failures never fail an evaluation; only invalid input does.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/harrier/internal/anomaly"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/rules"
)

// EngineVersion is stamped on every evaluation.
const EngineVersion = "harrier-1.0"

// ErrInvalidInput is returned when a structurally required input is missing or malformed.
var ErrInvalidInput = errors.New("invalid evaluation input")

var tracer = otel.Tracer("harrier-evaluator")

// Reviewer evaluates review rules against a trade.
type Reviewer interface {
	Review(ctx context.Context, tenantID string, facts rules.Facts) []domain.RuleResult
}

// Attestor hands a decision to the attestation sinks without blocking.
type Attestor interface {
	Dispatch(tenantID string, decision domain.DecisionRecord)
}

// Config holds evaluation policy.
type Config struct {
	Defaults         domain.AnomalyThresholds
	DeriveThresholds bool
	FallbackScore    int

	// OracleTimeout bounds each oracle call.
	OracleTimeout time.Duration
}

// ConfigFrom builds a Config from the service configuration.
func ConfigFrom(cfg *domain.Config) Config {
	return Config{
		Defaults:         cfg.Evaluator.Thresholds,
		DeriveThresholds: cfg.Evaluator.DeriveThresholds,
		FallbackScore:    cfg.Evaluator.FallbackScore,
		OracleTimeout:    cfg.Oracle.Timeout,
	}
}

// Evaluator orchestrates one evaluation per call. It holds no per-evaluation
// state and is safe for concurrent use.
type Evaluator struct {
	thresholds *ThresholdProvider
	scorer     *ReputationScorer
	defaults   domain.AnomalyThresholds
	derive     bool
	reviewer   Reviewer
	attestor   Attestor
	metrics    *metrics.Metrics
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithReviewer enables review rules.
func WithReviewer(r Reviewer) Option {
	return func(e *Evaluator) { e.reviewer = r }
}

// WithAttestor sets the attestation dispatcher.
func WithAttestor(a Attestor) Option {
	return func(e *Evaluator) { e.attestor = a }
}

// WithMetrics sets the metrics the evaluator reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// New creates an Evaluator. Invalid default thresholds are replaced by the
// built-in defaults.
func New(oracle domain.ScoringOracle, cfg Config, opts ...Option) *Evaluator {
	e := &Evaluator{
		defaults: cfg.Defaults,
		derive:   cfg.DeriveThresholds,
		metrics:  metrics.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.defaults.Validate(); err != nil {
		slog.Warn("configured thresholds invalid, using built-in defaults", "error", err)
		e.defaults = domain.DefaultThresholds()
	}

	e.thresholds = NewThresholdProvider(oracle, cfg.OracleTimeout, e.metrics)
	e.scorer = NewReputationScorer(oracle, cfg.OracleTimeout, cfg.FallbackScore, e.metrics)
	return e
}

// Defaults returns the thresholds used when the oracle is not consulted or fails.
func (e *Evaluator) Defaults() domain.AnomalyThresholds {
	return e.defaults
}

// Request is the input to one evaluation.
type Request struct {
	TenantID  string
	TradeID   string
	TraceID   string
	AgentID   string
	Trade     domain.TradeDetails
	Reasoning domain.Reasoning
	History   domain.UserHistory
	Market    domain.MarketData
}

// Validate rejects requests that cannot be evaluated.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidInput)
	}

	numbers := []struct {
		name  string
		value float64
	}{
		{"trade_details.amount", r.Trade.Amount},
		{"trade_details.market_price", r.Trade.MarketPrice},
		{"trade_details.trade_price", r.Trade.TradePrice},
		{"market_data.volatility", r.Market.Volatility},
	}
	for _, n := range numbers {
		if math.IsNaN(n.value) || math.IsInf(n.value, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidInput, n.name)
		}
		if n.value < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidInput, n.name)
		}
	}

	if strings.TrimSpace(r.Trade.Asset) == "" {
		return fmt.Errorf("%w: trade_details.asset is required", ErrInvalidInput)
	}
	// A zero market price only skips the deviation check; the trade price
	// has no such meaning.
	if r.Trade.TradePrice == 0 {
		return fmt.Errorf("%w: trade_details.trade_price must be positive", ErrInvalidInput)
	}

	if r.History.TradeFrequency < 0 {
		return fmt.Errorf("%w: user_history.trade_frequency must not be negative", ErrInvalidInput)
	}
	return nil
}

// Evaluate runs one evaluation. It fails only on invalid input.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) (*domain.Evaluation, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		e.metrics.Evaluations.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "evaluator.Evaluate",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("agent.id", req.AgentID),
			attribute.String("trade.asset", req.Trade.Asset),
		),
	)
	defer span.End()

	// Thresholds and reputation are independent; both are joined before
	// classification so the thresholds used are final.
	var (
		wg          sync.WaitGroup
		thresholds  domain.AnomalyThresholds
		thSource    string
		score       int
		scoreSource string
	)
	oracleStart := time.Now()
	wg.Add(2)
	go func() {
		defer wg.Done()
		thresholds, thSource = e.resolveThresholds(ctx, req)
	}()
	go func() {
		defer wg.Done()
		score, scoreSource = e.scorer.Score(ctx, req.Reasoning.Reason, req.Trade, req.History, req.Market)
	}()
	wg.Wait()
	oracleMs := time.Since(oracleStart).Milliseconds()

	class := anomaly.Classify(req.Trade, req.History, req.Market, thresholds)

	decision := domain.DecisionRecord{
		AgentID:         req.AgentID,
		ReputationScore: score,
		IsAnomaly:       class.IsAnomaly,
	}

	var ruleResults []domain.RuleResult
	if e.reviewer != nil {
		ruleResults = e.reviewer.Review(ctx, req.TenantID, rules.Facts{
			AgentID:         req.AgentID,
			Asset:           req.Trade.Asset,
			Amount:          req.Trade.Amount,
			MarketPrice:     req.Trade.MarketPrice,
			TradePrice:      req.Trade.TradePrice,
			PriceDeviation:  anomaly.PriceDeviation(req.Trade),
			TradeFrequency:  req.History.TradeFrequency,
			Volatility:      req.Market.Volatility,
			ReputationScore: score,
			IsAnomaly:       class.IsAnomaly,
		})
		for _, r := range ruleResults {
			if r.Triggered {
				e.metrics.ReviewRuleHits.WithLabelValues(r.RuleID).Inc()
			}
			if r.Error != "" {
				slog.Warn("review rule failed", "rule_id", r.RuleID, "error", r.Error)
			}
		}
	}

	eval := &domain.Evaluation{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		TradeID:         req.TradeID,
		Timestamp:       time.Now().UTC(),
		Decision:        decision,
		Thresholds:      thresholds,
		ThresholdSource: thSource,
		ScoreSource:     scoreSource,
		Checks:          class.Checks,
		TriggeredCheck:  class.TriggeredCheck,
		ReviewReasons:   rules.Reasons(ruleResults),
		Verification:    domain.VerificationNotRequired,
		Metadata: domain.EvaluationMetadata{
			TraceID:       req.TraceID,
			OracleMs:      oracleMs,
			RulesChecked:  len(ruleResults),
			EngineVersion: EngineVersion,
		},
	}
	eval.Metadata.TotalMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Bool("decision.is_anomaly", decision.IsAnomaly),
		attribute.Int("decision.reputation_score", decision.ReputationScore),
		attribute.String("decision.threshold_source", thSource),
	)

	outcome := "normal"
	if decision.IsAnomaly {
		outcome = "anomaly"
	}
	e.metrics.Evaluations.WithLabelValues(outcome).Inc()
	e.metrics.EvaluationDuration.WithLabelValues(thSource).Observe(time.Since(start).Seconds())
	e.metrics.ReputationScore.Observe(float64(score))

	slog.Debug("trade evaluated",
		"evaluation_id", eval.ID,
		"agent_id", req.AgentID,
		"is_anomaly", decision.IsAnomaly,
		"triggered_check", class.TriggeredCheck,
		"reputation_score", score,
		"threshold_source", thSource,
		"score_source", scoreSource,
		"total_ms", eval.Metadata.TotalMs,
	)

	if e.attestor != nil {
		e.attestor.Dispatch(req.TenantID, decision)
	}

	return eval, nil
}

func (e *Evaluator) resolveThresholds(ctx context.Context, req *Request) (domain.AnomalyThresholds, string) {
	if !e.derive {
		return e.defaults, domain.SourceDefault
	}
	return e.thresholds.Provide(ctx, req.Trade, req.History, req.Market, e.defaults)
}

// RequestFromInput builds a Request from an API payload. Missing snapshots
// become zero values; callers that can derive them should do so first.
func RequestFromInput(tenantID, tradeID, traceID string, in *domain.TradeInput) *Request {
	req := &Request{
		TenantID:  tenantID,
		TradeID:   tradeID,
		TraceID:   traceID,
		AgentID:   in.AgentID,
		Trade:     in.TradeDetails,
		Reasoning: in.UserReasoning,
	}
	if in.UserHistory != nil {
		req.History = *in.UserHistory
	}
	if in.MarketData != nil {
		req.Market = *in.MarketData
	}
	return req
}
