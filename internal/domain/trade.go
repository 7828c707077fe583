package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// TradeDetails describes one proposed trade.
type TradeDetails struct {
	Asset       string  `json:"asset"`
	Amount      float64 `json:"amount"`
	MarketPrice float64 `json:"market_price"`
	TradePrice  float64 `json:"trade_price"`
}

// UserHistory is a read-only snapshot of the submitting party's activity.
type UserHistory struct {
	// TradeFrequency is the number of trades in the observation window.
	TradeFrequency int `json:"trade_frequency"`
}

// MarketData is a read-only snapshot of market conditions for the asset.
type MarketData struct {
	// Volatility is conventionally a fraction (0.3 = 30%).
	Volatility float64 `json:"volatility"`
}

// PriceRange is the lowest and highest positive trade price seen for an
// asset. The zero value is the empty range.
type PriceRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Include returns r widened to cover p. Non-positive prices are ignored.
func (r PriceRange) Include(p float64) PriceRange {
	if p <= 0 {
		return r
	}
	if r.High == 0 {
		return PriceRange{Low: p, High: p}
	}
	if p < r.Low {
		r.Low = p
	}
	if p > r.High {
		r.High = p
	}
	return r
}

// Volatility is the range relative to its high: (High-Low)/High.
// An empty or single-price range yields zero.
func (r PriceRange) Volatility() float64 {
	if r.High <= 0 {
		return 0
	}
	return (r.High - r.Low) / r.High
}

// Reasoning is free text supplied by the party proposing the trade.
// It is only ever forwarded to the scoring oracle.
type Reasoning struct {
	Reason string `json:"reason"`
}

// UnmarshalJSON accepts either {"reason": "..."} or a bare string.
func (r *Reasoning) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.Reason)
	}
	type plain Reasoning
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Reasoning(p)
	return nil
}

// TradeInput is the complete payload for one evaluation.
// UserHistory and MarketData are pointers so the API can tell an omitted
// snapshot apart from an explicit zero value.
type TradeInput struct {
	AgentID       string       `json:"agent_id"`
	TradeDetails  TradeDetails `json:"trade_details"`
	UserReasoning Reasoning    `json:"user_reasoning"`
	UserHistory   *UserHistory `json:"user_history,omitempty"`
	MarketData    *MarketData  `json:"market_data,omitempty"`
}

// Trade is a submitted trade as stored by the repository.
type Trade struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	AgentID     string    `json:"agentId"`
	Asset       string    `json:"asset"`
	Amount      float64   `json:"amount"`
	MarketPrice float64   `json:"marketPrice"`
	TradePrice  float64   `json:"tradePrice"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ToTrade converts an input into a Trade record without an ID.
func (in *TradeInput) ToTrade(tenantID string) *Trade {
	now := time.Now().UTC()
	return &Trade{
		TenantID:    tenantID,
		AgentID:     in.AgentID,
		Asset:       in.TradeDetails.Asset,
		Amount:      in.TradeDetails.Amount,
		MarketPrice: in.TradeDetails.MarketPrice,
		TradePrice:  in.TradeDetails.TradePrice,
		Reason:      in.UserReasoning.Reason,
		Timestamp:   now,
		CreatedAt:   now,
	}
}
