package domain

import (
	"fmt"
	"math"
)

// AnomalyThresholds are the limits a trade is classified against.
// A value is scoped to a single evaluation; it is never shared process-wide.
type AnomalyThresholds struct {
	TradeAmount         float64 `mapstructure:"trade_amount" json:"trade_amount"`
	PriceDeviation      float64 `mapstructure:"price_deviation" json:"price_deviation"`
	TradeFrequency      int     `mapstructure:"trade_frequency" json:"trade_frequency"`
	VolatilityThreshold float64 `mapstructure:"volatility_threshold" json:"volatility_threshold"`
}

// DefaultThresholds returns the built-in anomaly limits.
func DefaultThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		TradeAmount:         100000,
		PriceDeviation:      0.2,
		TradeFrequency:      10,
		VolatilityThreshold: 0.5,
	}
}

// Validate reports whether every field is inside its allowed range.
func (t AnomalyThresholds) Validate() error {
	if !finite(t.TradeAmount) || t.TradeAmount <= 0 {
		return fmt.Errorf("trade_amount must be a positive number, got %v", t.TradeAmount)
	}
	if !finite(t.PriceDeviation) || t.PriceDeviation < 0 || t.PriceDeviation > 1 {
		return fmt.Errorf("price_deviation must be within [0,1], got %v", t.PriceDeviation)
	}
	if t.TradeFrequency < 0 {
		return fmt.Errorf("trade_frequency must not be negative, got %d", t.TradeFrequency)
	}
	if !finite(t.VolatilityThreshold) || t.VolatilityThreshold < 0 || t.VolatilityThreshold > 1 {
		return fmt.Errorf("volatility_threshold must be within [0,1], got %v", t.VolatilityThreshold)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
