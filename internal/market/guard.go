// Package market judges whether an asset's recent trading looks like a
// crash. A halted asset does not change any anomaly decision; its trades are
// routed to human verification instead.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

const (
	// Day and Week are the two observation windows.
	Day  = 24 * time.Hour
	Week = 7 * Day

	// MinTrades is the smallest weekly sample the guard will judge.
	MinTrades = 5
)

// Limit names, also used as metric labels.
const (
	LimitDayVolatility  = "day_volatility"
	LimitWeekVolatility = "week_volatility"
	LimitLossRatio      = "loss_ratio"
)

// Condition summarises an asset's recent trading.
type Condition struct {
	Asset          string    `json:"asset"`
	AsOf           time.Time `json:"asOf"`
	DayTrades      int       `json:"dayTrades"`
	WeekTrades     int       `json:"weekTrades"`
	DayVolatility  float64   `json:"dayVolatility"`
	WeekVolatility float64   `json:"weekVolatility"`
	LossRatio      float64   `json:"lossRatio"`
	Halted         bool      `json:"halted"`
	Exceeded       []string  `json:"exceeded,omitempty"`
	Reasons        []string  `json:"reasons,omitempty"`
}

// Guard reads stored trades and compares them against the configured limits.
type Guard struct {
	repo    domain.Repository
	limits  domain.MarketGuardConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewGuard creates a guard over repo. m may be nil.
func NewGuard(repo domain.Repository, limits domain.MarketGuardConfig, m *metrics.Metrics) *Guard {
	if m == nil {
		m = metrics.Default()
	}
	return &Guard{
		repo:    repo,
		limits:  limits,
		metrics: m,
		now:     time.Now,
	}
}

// Check assesses the asset from the tenant's trades of the last week.
func (g *Guard) Check(ctx context.Context, tenantID, asset string) (*Condition, error) {
	if tenantID == "" || asset == "" {
		return nil, fmt.Errorf("tenantID and asset are required")
	}

	now := g.now().UTC()
	trades, err := g.repo.GetTradesByAsset(ctx, tenantID, asset, now.Add(-Week))
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	return Assess(asset, trades, now, g.limits), nil
}

// Review returns the halt reasons for a trade on asset, or nil. Failures
// are logged and yield nil.
func (g *Guard) Review(ctx context.Context, tenantID, asset string) []string {
	c, err := g.Check(ctx, tenantID, asset)
	if err != nil {
		slog.Warn("market guard unavailable",
			"tenant_id", tenantID,
			"asset", asset,
			"error", err,
		)
		return nil
	}
	if !c.Halted {
		return nil
	}

	for _, limit := range c.Exceeded {
		g.metrics.MarketHalts.WithLabelValues(limit).Inc()
	}
	slog.Info("market halted for asset",
		"tenant_id", tenantID,
		"asset", asset,
		"exceeded", c.Exceeded,
		"week_trades", c.WeekTrades,
	)
	return c.Reasons
}

// Assess computes the condition of trades as of now. A trade filled below
// its market price counts as a loss. Fewer than MinTrades trades in the
// week never halt.
func Assess(asset string, trades []*domain.Trade, now time.Time, limits domain.MarketGuardConfig) *Condition {
	c := &Condition{Asset: asset, AsOf: now}

	var day, week domain.PriceRange
	losses := 0
	for _, t := range trades {
		if t.Timestamp.Before(now.Add(-Week)) {
			continue
		}
		c.WeekTrades++
		week = week.Include(t.TradePrice)
		if t.MarketPrice > 0 && t.TradePrice < t.MarketPrice {
			losses++
		}
		if !t.Timestamp.Before(now.Add(-Day)) {
			c.DayTrades++
			day = day.Include(t.TradePrice)
		}
	}

	c.DayVolatility = day.Volatility()
	c.WeekVolatility = week.Volatility()
	if c.WeekTrades > 0 {
		c.LossRatio = float64(losses) / float64(c.WeekTrades)
	}

	if c.WeekTrades < MinTrades {
		return c
	}

	if c.DayVolatility > limits.DayVolatility {
		c.exceed(LimitDayVolatility, fmt.Sprintf("market halt: %s moved %.0f%% in the last day", asset, c.DayVolatility*100))
	}
	if c.WeekVolatility > limits.WeekVolatility {
		c.exceed(LimitWeekVolatility, fmt.Sprintf("market halt: %s moved %.0f%% in the last week", asset, c.WeekVolatility*100))
	}
	if c.LossRatio > limits.LossRatio {
		c.exceed(LimitLossRatio, fmt.Sprintf("market halt: %.0f%% of last week's %s trades filled below market", c.LossRatio*100, asset))
	}
	return c
}

func (c *Condition) exceed(limit, reason string) {
	c.Halted = true
	c.Exceeded = append(c.Exceeded, limit)
	c.Reasons = append(c.Reasons, reason)
}
