package evaluator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

const systemPrompt = "You are a helpful assistant. You are a crypto trading expert."

const thresholdTemplate = `You are a crypto trading expert. Based on the following details, set thresholds for detecting anomalies in trades:

- Trade Details: %s
- User History: %s
- Market Data: %s

Provide the thresholds as a JSON object with the following keys:
- "trade_amount": Maximum trade amount before it is considered an anomaly.
- "price_deviation": Maximum allowed price deviation (as a fraction, e.g., 0.2 for 20%%) from the market price.
- "trade_frequency": Maximum number of trades allowed in a day before it is considered an anomaly.
- "volatility_threshold": Maximum asset volatility (as a fraction, e.g., 0.5 for 50%%) before it is considered an anomaly.

Respond with only the JSON object. Just return a JSON in a single line without backticks.`

const reputationTemplate = `You are a crypto trading expert. A user has made a trade, and you need to evaluate their reputation score (0-100) based on the following details. GIVE EMPHASIS TO THE TRADE DETAILS:

- Trade Details: %s
- User Reasoning: %s
- User History: %s
- Market Data: %s

Consider the following:
- Is the trade logical based on the user's reasoning and market conditions?
- Does the trade align with the user's historical trading patterns?
- Is the trade risky based on market volatility or price deviation?
- Provide a reputation score between 0 and 100, where 100 is excellent and 0 is very poor.

Respond with only the reputation score as a number.`

func thresholdPrompt(trade domain.TradeDetails, history domain.UserHistory, market domain.MarketData) string {
	return fmt.Sprintf(thresholdTemplate, compact(trade), compact(history), compact(market))
}

func reputationPrompt(reason string, trade domain.TradeDetails, history domain.UserHistory, market domain.MarketData) string {
	if strings.TrimSpace(reason) == "" {
		reason = "(none given)"
	}
	return fmt.Sprintf(reputationTemplate, compact(trade), reason, compact(history), compact(market))
}

// compact renders v as single-line JSON. Inputs are validated before any
// prompt is built, so marshalling only fails on programmer error.
func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
