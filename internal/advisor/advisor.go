// Package advisor suggests a trade for an agent from its stated persona, its
// stored trades and a price feed. Suggestions are plain trade inputs; they
// are only evaluated when the caller submits them.
package advisor

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
	"github.com/opensource-finance/harrier/internal/evaluator"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/oracle"
)

var (
	// ErrInvalidRequest is returned when a suggestion request is malformed.
	ErrInvalidRequest = errors.New("invalid suggestion request")

	// ErrBadReply is returned when the oracle's suggestion cannot be used.
	ErrBadReply = errors.New("unusable suggestion reply")
)

// Request asks for one trade suggestion.
type Request struct {
	AgentID   string             `json:"agent_id"`
	Persona   []string           `json:"user_persona"`
	PriceFeed map[string]float64 `json:"price_feed,omitempty"`
}

// Suggestion is the advisor's answer. Trade carries no market data so that
// a submitted suggestion gets its volatility from stored trades.
type Suggestion struct {
	AgentID          string            `json:"agent_id"`
	PersonaAnalysis  string            `json:"persona_analysis"`
	MostTradedToken  string            `json:"most_traded_token,omitempty"`
	MostUsedProtocol string            `json:"most_used_protocol,omitempty"`
	Sentiment        string            `json:"sentiment,omitempty"`
	Trade            domain.TradeInput `json:"trade"`
	Capped           bool              `json:"capped"`
	HistorySize      int               `json:"history_size"`
}

// Advisor asks the oracle for trade suggestions.
type Advisor struct {
	oracle  domain.ScoringOracle
	repo    domain.Repository
	cfg     domain.AdvisorConfig
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an advisor. repo may be nil, in which case suggestions are
// made without history. m may be nil.
func New(o domain.ScoringOracle, repo domain.Repository, cfg domain.AdvisorConfig, timeout time.Duration, m *metrics.Metrics) *Advisor {
	if m == nil {
		m = metrics.Default()
	}
	return &Advisor{
		oracle:  o,
		repo:    repo,
		cfg:     cfg,
		timeout: timeout,
		metrics: m,
		now:     time.Now,
	}
}

// Suggest returns one trade suggestion for the request's agent. The
// suggested notional never exceeds the configured maximum; a larger reply is
// scaled down and marked Capped.
func (a *Advisor) Suggest(ctx context.Context, tenantID string, req *Request) (*Suggestion, error) {
	if err := req.validate(tenantID); err != nil {
		a.record("invalid")
		return nil, err
	}

	history, err := a.history(ctx, tenantID, req.AgentID)
	if err != nil {
		return nil, err
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := a.oracle.Complete(ctx, systemPrompt, suggestionPrompt(req.Persona, history, req.PriceFeed, a.cfg.MaxNotional))
	a.metrics.OracleDuration.WithLabelValues("suggestion").Observe(time.Since(start).Seconds())
	if err != nil {
		a.record("oracle_error")
		return nil, fmt.Errorf("suggestion oracle failed: %w", err)
	}

	s, err := ParseSuggestion(reply)
	if err != nil {
		a.record("bad_reply")
		slog.Warn("suggestion reply rejected",
			"tenant_id", tenantID,
			"agent_id", req.AgentID,
			"error", err,
		)
		return nil, err
	}

	s.AgentID = req.AgentID
	s.Trade.AgentID = req.AgentID
	s.HistorySize = len(history)
	s.Capped = capNotional(&s.Trade.TradeDetails, a.cfg.MaxNotional)

	if s.Capped {
		a.record("capped")
	} else {
		a.record("ok")
	}
	slog.Info("trade suggested",
		"tenant_id", tenantID,
		"agent_id", req.AgentID,
		"asset", s.Trade.TradeDetails.Asset,
		"amount", s.Trade.TradeDetails.Amount,
		"capped", s.Capped,
	)
	return s, nil
}

func (a *Advisor) history(ctx context.Context, tenantID, agentID string) ([]*domain.Trade, error) {
	if a.repo == nil {
		return nil, nil
	}
	trades, err := a.repo.GetTradesByAgent(ctx, tenantID, agentID, a.now().Add(-a.cfg.HistoryWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to get trade history: %w", err)
	}
	if a.cfg.HistoryLimit > 0 && len(trades) > a.cfg.HistoryLimit {
		trades = trades[:a.cfg.HistoryLimit]
	}
	return trades, nil
}

func (a *Advisor) record(outcome string) {
	a.metrics.Suggestions.WithLabelValues(outcome).Inc()
}

func (r *Request) validate(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidRequest)
	}
	if r == nil || strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}
	if personaList(r.Persona) == "" {
		return fmt.Errorf("%w: user_persona is required", ErrInvalidRequest)
	}
	for asset, price := range r.PriceFeed {
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("%w: price_feed asset must not be empty", ErrInvalidRequest)
		}
		if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
			return fmt.Errorf("%w: price_feed.%s must be a positive number", ErrInvalidRequest, asset)
		}
	}
	return nil
}

type suggestionReply struct {
	PersonaAnalysis  string `json:"persona_analysis"`
	MostTradedToken  string `json:"most_traded_token"`
	MostUsedProtocol string `json:"most_used_protocol"`
	MarketData       struct {
		Sentiment string `json:"sentiment"`
	} `json:"market_data"`
	TradeDetails  *domain.TradeDetails `json:"trade_details"`
	UserReasoning domain.Reasoning     `json:"user_reasoning"`
}

// ParseSuggestion decodes an oracle reply into a suggestion whose trade
// would pass evaluation input checks. AgentID is left empty.
func ParseSuggestion(reply string) (*Suggestion, error) {
	var r suggestionReply
	if err := json.Unmarshal([]byte(oracle.Unfence(reply)), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	if r.TradeDetails == nil {
		return nil, fmt.Errorf("%w: trade_details is missing", ErrBadReply)
	}

	s := &Suggestion{
		PersonaAnalysis:  r.PersonaAnalysis,
		MostTradedToken:  r.MostTradedToken,
		MostUsedProtocol: r.MostUsedProtocol,
		Sentiment:        r.MarketData.Sentiment,
		Trade: domain.TradeInput{
			TradeDetails:  *r.TradeDetails,
			UserReasoning: r.UserReasoning,
		},
	}

	// Placeholder agent; the caller fills in the real one.
	check := s.Trade
	check.AgentID = "suggestion"
	if err := evaluator.RequestFromInput("", "", "", &check).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	if s.Trade.TradeDetails.Amount <= 0 {
		return nil, fmt.Errorf("%w: trade_details.amount must be positive", ErrBadReply)
	}
	return s, nil
}

// capNotional scales the amount down so that amount*trade_price stays within
// limit. A non-positive limit disables the cap.
func capNotional(d *domain.TradeDetails, limit float64) bool {
	if limit <= 0 || d.Amount*d.TradePrice <= limit {
		return false
	}
	d.Amount = limit / d.TradePrice
	return true
}
