package advisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/oracle"
	"github.com/opensource-finance/harrier/internal/repository"
)

const goodReply = `{"persona_analysis":"cautious swing trader","most_traded_token":"ETH","most_used_protocol":"Uniswap","market_data":{"price":2000,"sentiment":"bullish","volatility":0.1},"trade_details":{"asset":"ETH","amount":0.5,"market_price":2000,"trade_price":2001},"user_reasoning":"adds to a core position on a dip"}`

var cfg = domain.AdvisorConfig{
	Enabled:       true,
	MaxNotional:   1500,
	HistoryWindow: 30 * 24 * time.Hour,
	HistoryLimit:  3,
}

func fixed(reply string) oracle.Func {
	return func(ctx context.Context, system, prompt string) (string, error) {
		return reply, nil
	}
}

func outcomeCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "harrier_suggestions_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func newRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "advisor-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func request() *Request {
	return &Request{
		AgentID:   "agent-001",
		Persona:   []string{"risk averse", "prefers large caps"},
		PriceFeed: map[string]float64{"ETH": 2000, "BTC": 60000},
	}
}

func TestSuggest(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		a := New(fixed(goodReply), nil, cfg, time.Second, metrics.New(reg))

		s, err := a.Suggest(ctx, "tenant-a", request())
		require.NoError(t, err)
		assert.Equal(t, "agent-001", s.AgentID)
		assert.Equal(t, "agent-001", s.Trade.AgentID)
		assert.Equal(t, "ETH", s.MostTradedToken)
		assert.Equal(t, "Uniswap", s.MostUsedProtocol)
		assert.Equal(t, "bullish", s.Sentiment)
		assert.Equal(t, 0.5, s.Trade.TradeDetails.Amount)
		assert.Equal(t, "adds to a core position on a dip", s.Trade.UserReasoning.Reason)
		assert.Nil(t, s.Trade.MarketData)
		assert.False(t, s.Capped)
		assert.Equal(t, 1.0, outcomeCount(t, reg, "ok"))
	})

	t.Run("CapsNotional", func(t *testing.T) {
		reply := `{"trade_details":{"asset":"BTC","amount":1,"market_price":60000,"trade_price":60000}}`
		reg := prometheus.NewRegistry()
		a := New(fixed(reply), nil, cfg, 0, metrics.New(reg))

		s, err := a.Suggest(ctx, "tenant-a", request())
		require.NoError(t, err)
		assert.True(t, s.Capped)
		assert.InDelta(t, 1500.0/60000.0, s.Trade.TradeDetails.Amount, 1e-12)
		assert.InDelta(t, 1500.0, s.Trade.TradeDetails.Amount*s.Trade.TradeDetails.TradePrice, 1e-6)
		assert.Equal(t, 1.0, outcomeCount(t, reg, "capped"))
	})

	t.Run("PromptCarriesHistoryAndFeed", func(t *testing.T) {
		repo := newRepo(t)
		now := time.Now().UTC()
		for i := 0; i < 5; i++ {
			require.NoError(t, repo.SaveTrade(ctx, "tenant-a", &domain.Trade{
				ID:          fmt.Sprintf("trade-%d", i),
				AgentID:     "agent-001",
				Asset:       fmt.Sprintf("TOK%d", i),
				Amount:      1,
				MarketPrice: 10,
				TradePrice:  10,
				Timestamp:   now.Add(-time.Duration(i) * time.Hour),
				CreatedAt:   now,
			}))
		}
		require.NoError(t, repo.SaveTrade(ctx, "tenant-b", &domain.Trade{
			ID: "other-tenant", AgentID: "agent-001", Asset: "LEAK",
			Amount: 1, MarketPrice: 10, TradePrice: 10, Timestamp: now, CreatedAt: now,
		}))

		var got string
		o := oracle.Func(func(ctx context.Context, system, prompt string) (string, error) {
			got = prompt
			return goodReply, nil
		})
		a := New(o, repo, cfg, 0, metrics.New(prometheus.NewRegistry()))

		s, err := a.Suggest(ctx, "tenant-a", request())
		require.NoError(t, err)
		assert.Equal(t, 3, s.HistorySize)
		assert.Contains(t, got, "- risk averse")
		assert.Contains(t, got, "- BTC: 60000")
		assert.Contains(t, got, "1500.00 USD")
		assert.Contains(t, got, `"asset":"TOK0"`)
		assert.Contains(t, got, `"asset":"TOK2"`)
		assert.NotContains(t, got, `"asset":"TOK3"`)
		assert.NotContains(t, got, "LEAK")
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		tests := []struct {
			name   string
			tenant string
			req    *Request
		}{
			{"NoTenant", "", request()},
			{"NilRequest", "tenant-a", nil},
			{"NoAgent", "tenant-a", &Request{Persona: []string{"bold"}}},
			{"BlankPersona", "tenant-a", &Request{AgentID: "agent-001", Persona: []string{" "}}},
			{"ZeroPrice", "tenant-a", &Request{AgentID: "agent-001", Persona: []string{"bold"}, PriceFeed: map[string]float64{"ETH": 0}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				called := false
				o := oracle.Func(func(ctx context.Context, system, prompt string) (string, error) {
					called = true
					return goodReply, nil
				})
				reg := prometheus.NewRegistry()
				a := New(o, nil, cfg, 0, metrics.New(reg))

				_, err := a.Suggest(ctx, tt.tenant, tt.req)
				assert.ErrorIs(t, err, ErrInvalidRequest)
				assert.False(t, called)
				assert.Equal(t, 1.0, outcomeCount(t, reg, "invalid"))
			})
		}
	})

	t.Run("OracleError", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		a := New(oracle.Unavailable{}, nil, cfg, 0, metrics.New(reg))

		_, err := a.Suggest(ctx, "tenant-a", request())
		assert.ErrorIs(t, err, oracle.ErrUnavailable)
		assert.Equal(t, 1.0, outcomeCount(t, reg, "oracle_error"))
	})

	t.Run("BadReply", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		a := New(fixed("I would buy some ETH"), nil, cfg, 0, metrics.New(reg))

		_, err := a.Suggest(ctx, "tenant-a", request())
		assert.ErrorIs(t, err, ErrBadReply)
		assert.Equal(t, 1.0, outcomeCount(t, reg, "bad_reply"))
	})

	t.Run("HistoryError", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Close())
		a := New(fixed(goodReply), repo, cfg, 0, metrics.New(prometheus.NewRegistry()))

		_, err := a.Suggest(ctx, "tenant-a", request())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get trade history")
		assert.False(t, errors.Is(err, ErrInvalidRequest))
	})
}

func TestParseSuggestion(t *testing.T) {
	t.Run("Fenced", func(t *testing.T) {
		s, err := ParseSuggestion("```json\n" + goodReply + "\n```")
		require.NoError(t, err)
		assert.Equal(t, "ETH", s.Trade.TradeDetails.Asset)
		assert.Empty(t, s.AgentID)
	})

	t.Run("ReasoningObject", func(t *testing.T) {
		s, err := ParseSuggestion(`{"trade_details":{"asset":"ETH","amount":1,"market_price":10,"trade_price":10},"user_reasoning":{"reason":"momentum"}}`)
		require.NoError(t, err)
		assert.Equal(t, "momentum", s.Trade.UserReasoning.Reason)
	})

	rejected := []struct {
		name  string
		reply string
	}{
		{"NotJSON", "buy ETH"},
		{"NoTradeDetails", `{"persona_analysis":"x"}`},
		{"NoAsset", `{"trade_details":{"amount":1,"market_price":10,"trade_price":10}}`},
		{"ZeroTradePrice", `{"trade_details":{"asset":"ETH","amount":1,"market_price":10,"trade_price":0}}`},
		{"NegativeMarketPrice", `{"trade_details":{"asset":"ETH","amount":1,"market_price":-1,"trade_price":10}}`},
		{"ZeroAmount", `{"trade_details":{"asset":"ETH","amount":0,"market_price":10,"trade_price":10}}`},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSuggestion(tt.reply)
			assert.ErrorIs(t, err, ErrBadReply)
		})
	}
}
