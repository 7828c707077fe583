package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/oracle"
)

// Reputation score bounds.
const (
	MinScore = 0
	MaxScore = 100

	// DefaultFallbackScore is neutral so a failed lookup does not penalise the agent.
	DefaultFallbackScore = 50
)

// ReputationScorer obtains a 0-100 reputation score from the scoring oracle.
type ReputationScorer struct {
	oracle   domain.ScoringOracle
	timeout  time.Duration
	fallback int
	metrics  *metrics.Metrics
}

// NewReputationScorer creates a scorer. The fallback score is clamped to [0,100].
func NewReputationScorer(oracle domain.ScoringOracle, timeout time.Duration, fallback int, m *metrics.Metrics) *ReputationScorer {
	return &ReputationScorer{
		oracle:   oracle,
		timeout:  timeout,
		fallback: clampScore(float64(fallback)),
		metrics:  m,
	}
}

// Score returns the oracle's reputation score clamped to [0,100], or the
// fallback score when the oracle fails. It never returns an error.
func (s *ReputationScorer) Score(ctx context.Context, reason string, trade domain.TradeDetails, history domain.UserHistory, market domain.MarketData) (int, string) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := s.oracle.Complete(ctx, systemPrompt, reputationPrompt(reason, trade, history, market))
	s.metrics.OracleDuration.WithLabelValues("reputation").Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.OracleFallbacks.WithLabelValues("reputation").Inc()
		slog.Warn("reputation oracle failed, using fallback score", "error", err, "fallback", s.fallback)
		return s.fallback, domain.SourceFallback
	}

	score, err := ParseScore(reply)
	if err != nil {
		s.metrics.OracleFallbacks.WithLabelValues("reputation").Inc()
		slog.Warn("reputation oracle reply rejected, using fallback score",
			"error", err,
			"reply", truncate(reply, 200),
			"fallback", s.fallback,
		)
		return s.fallback, domain.SourceFallback
	}
	return score, domain.SourceOracle
}

// ParseScore reads a numeric oracle reply and clamps it to [0,100].
// Integer text is taken as is; a finite float is truncated toward zero.
func ParseScore(reply string) (int, error) {
	text := strings.TrimSpace(oracle.Unfence(reply))
	if text == "" {
		return 0, fmt.Errorf("%w: empty score", ErrMalformedReply)
	}

	if n, err := strconv.Atoi(text); err == nil {
		return clampScore(float64(n)), nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: score %q is not a number", ErrMalformedReply, truncate(text, 40))
	}
	return clampScore(math.Trunc(f)), nil
}

func clampScore(v float64) int {
	switch {
	case v < MinScore:
		return MinScore
	case v > MaxScore:
		return MaxScore
	default:
		return int(v)
	}
}
