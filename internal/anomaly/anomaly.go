// Package anomaly classifies trades against a set of anomaly thresholds.
package anomaly

import (
	"math"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Classification is the outcome of Classify.
type Classification struct {
	IsAnomaly bool

	// TriggeredCheck is the first check that fired, in evaluation order.
	TriggeredCheck string

	// Checks holds all four checks, including the ones after the first hit.
	Checks []domain.CheckResult
}

// Classify reports whether a trade is anomalous under the given thresholds.
// It is the OR of four checks evaluated in a fixed order: trade amount,
// price deviation, trade frequency and market volatility. The price check is
// skipped, and counts as false, when the market price is not positive.
//
// Classify is pure. It never adjusts the thresholds it is given.
func Classify(trade domain.TradeDetails, history domain.UserHistory, market domain.MarketData, th domain.AnomalyThresholds) Classification {
	checks := []domain.CheckResult{
		{
			Name:      domain.CheckTradeAmount,
			Observed:  trade.Amount,
			Limit:     th.TradeAmount,
			Triggered: trade.Amount > th.TradeAmount,
		},
		priceDeviationCheck(trade, th.PriceDeviation),
		{
			Name:      domain.CheckTradeFrequency,
			Observed:  float64(history.TradeFrequency),
			Limit:     float64(th.TradeFrequency),
			Triggered: history.TradeFrequency > th.TradeFrequency,
		},
		{
			Name:      domain.CheckVolatility,
			Observed:  market.Volatility,
			Limit:     th.VolatilityThreshold,
			Triggered: market.Volatility > th.VolatilityThreshold,
		},
	}

	c := Classification{Checks: checks}
	for _, check := range checks {
		if check.Triggered {
			c.IsAnomaly = true
			c.TriggeredCheck = check.Name
			break
		}
	}
	return c
}

// PriceDeviation returns |trade - market| / market, or 0 when the market
// price is not positive.
func PriceDeviation(trade domain.TradeDetails) float64 {
	if trade.MarketPrice <= 0 {
		return 0
	}
	return math.Abs(trade.TradePrice-trade.MarketPrice) / trade.MarketPrice
}

func priceDeviationCheck(trade domain.TradeDetails, limit float64) domain.CheckResult {
	if trade.MarketPrice <= 0 {
		return domain.CheckResult{
			Name:    domain.CheckPriceDeviation,
			Limit:   limit,
			Skipped: true,
		}
	}
	dev := PriceDeviation(trade)
	return domain.CheckResult{
		Name:      domain.CheckPriceDeviation,
		Observed:  dev,
		Limit:     limit,
		Triggered: dev > limit,
	}
}
