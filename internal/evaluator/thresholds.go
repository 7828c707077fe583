package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/oracle"
)

// ErrMalformedReply is returned when an oracle reply cannot be used.
var ErrMalformedReply = errors.New("malformed oracle reply")

// ThresholdProvider derives per-trade anomaly thresholds from the scoring oracle.
type ThresholdProvider struct {
	oracle  domain.ScoringOracle
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewThresholdProvider creates a provider. A zero timeout leaves the call
// bounded only by the caller's context.
func NewThresholdProvider(oracle domain.ScoringOracle, timeout time.Duration, m *metrics.Metrics) *ThresholdProvider {
	return &ThresholdProvider{oracle: oracle, timeout: timeout, metrics: m}
}

// Provide asks the oracle for thresholds and merges them over defaults.
// It never fails: on any oracle or parse error it returns defaults unchanged
// together with domain.SourceDefault.
func (p *ThresholdProvider) Provide(ctx context.Context, trade domain.TradeDetails, history domain.UserHistory, market domain.MarketData, defaults domain.AnomalyThresholds) (domain.AnomalyThresholds, string) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := p.oracle.Complete(ctx, systemPrompt, thresholdPrompt(trade, history, market))
	p.metrics.OracleDuration.WithLabelValues("thresholds").Observe(time.Since(start).Seconds())
	if err != nil {
		p.fallback("threshold oracle failed, using defaults", err)
		return defaults, domain.SourceDefault
	}

	th, err := ParseThresholds(reply, defaults)
	if err != nil {
		p.fallback("threshold oracle reply rejected, using defaults", err, "reply", truncate(reply, 200))
		return defaults, domain.SourceDefault
	}
	return th, domain.SourceOracle
}

func (p *ThresholdProvider) fallback(msg string, err error, args ...any) {
	p.metrics.OracleFallbacks.WithLabelValues("thresholds").Inc()
	slog.Warn(msg, append([]any{"error", err}, args...)...)
}

type thresholdReply struct {
	TradeAmount         *float64 `json:"trade_amount"`
	PriceDeviation      *float64 `json:"price_deviation"`
	TradeFrequency      *float64 `json:"trade_frequency"`
	VolatilityThreshold *float64 `json:"volatility_threshold"`
}

// ParseThresholds decodes a JSON object of threshold fields and merges it
// over defaults. Absent fields keep their default. Any present field that is
// mistyped or out of range rejects the whole reply.
func ParseThresholds(reply string, defaults domain.AnomalyThresholds) (domain.AnomalyThresholds, error) {
	body := oracle.Unfence(reply)
	if !strings.HasPrefix(body, "{") {
		return defaults, fmt.Errorf("%w: expected a JSON object", ErrMalformedReply)
	}

	var r thresholdReply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return defaults, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	th := defaults
	if r.TradeAmount != nil {
		th.TradeAmount = *r.TradeAmount
	}
	if r.PriceDeviation != nil {
		th.PriceDeviation = *r.PriceDeviation
	}
	if r.TradeFrequency != nil {
		f := *r.TradeFrequency
		if f != math.Trunc(f) || f < 0 || f > math.MaxInt32 {
			return defaults, fmt.Errorf("%w: trade_frequency must be a non-negative integer, got %v", ErrMalformedReply, f)
		}
		th.TradeFrequency = int(f)
	}
	if r.VolatilityThreshold != nil {
		th.VolatilityThreshold = *r.VolatilityThreshold
	}

	if err := th.Validate(); err != nil {
		return defaults, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return th, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
