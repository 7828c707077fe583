package advisor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

const systemPrompt = "You are a trading expert. Analyze the user's persona and past trading history, then suggest one trade based on the analysis and current market data."

const suggestionTemplate = `You are a trading expert. Analyze the following user's persona and past trading history, then generate a trade suggestion based on the analysis and the current price feed.

User Persona:
%s

Past Trades:
%s

Current Price Feed:
%s

Instructions:
1. Infer the user's trading persona, including their risk tolerance, preferred trading style, and decision-making approach.
2. Identify the most traded token and protocol from the user's past trades.
3. Estimate current market data for the token you suggest, including price, sentiment, and volatility.
4. Generate trade details, including the asset, amount, market price, and trade price (slightly deviated from market price).
5. Provide reasoning for why the user would make this trade based on their persona, past trades, and market data.

The persona of the user is the most important factor. The trade's notional value (amount times trade price) must not exceed %.2f USD.
Return the result as a JSON object in a single line without backticks:
{"persona_analysis": "string", "most_traded_token": "string", "most_used_protocol": "string", "market_data": {"price": float, "sentiment": "string", "volatility": float}, "trade_details": {"asset": "string", "amount": float, "market_price": float, "trade_price": float}, "user_reasoning": "string"}`

type pastTrade struct {
	Asset       string  `json:"asset"`
	Amount      float64 `json:"amount"`
	MarketPrice float64 `json:"market_price"`
	TradePrice  float64 `json:"trade_price"`
	Timestamp   string  `json:"timestamp"`
}

func suggestionPrompt(persona []string, history []*domain.Trade, feed map[string]float64, maxNotional float64) string {
	past := make([]pastTrade, len(history))
	for i, t := range history {
		past[i] = pastTrade{
			Asset:       t.Asset,
			Amount:      t.Amount,
			MarketPrice: t.MarketPrice,
			TradePrice:  t.TradePrice,
			Timestamp:   t.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		}
	}
	return fmt.Sprintf(suggestionTemplate, personaList(persona), compact(past), priceFeed(feed), maxNotional)
}

func personaList(persona []string) string {
	var b strings.Builder
	for _, p := range persona {
		if p = strings.TrimSpace(p); p != "" {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func priceFeed(feed map[string]float64) string {
	if len(feed) == 0 {
		return "(not provided)"
	}
	assets := make([]string, 0, len(feed))
	for a := range feed {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	lines := make([]string, len(assets))
	for i, a := range assets {
		lines[i] = fmt.Sprintf("- %s: %g", a, feed[a])
	}
	return strings.Join(lines, "\n")
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
