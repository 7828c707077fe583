// Package snapshot derives user history and market snapshots for trades
// submitted without them.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

const (
	defaultWindow    = time.Hour
	defaultMarketTTL = 30 * time.Second
)

// Service assembles snapshots from the cache and stored trades.
type Service struct {
	repo      domain.Repository
	cache     domain.Cache
	window    time.Duration
	marketTTL time.Duration
}

// NewService creates a snapshot service. Either source may be nil, but not both.
func NewService(repo domain.Repository, cache domain.Cache, window, marketTTL time.Duration) *Service {
	if window <= 0 {
		window = defaultWindow
	}
	if marketTTL <= 0 {
		marketTTL = defaultMarketTTL
	}
	return &Service{
		repo:      repo,
		cache:     cache,
		window:    window,
		marketTTL: marketTTL,
	}
}

// Fill derives the snapshots missing from in. It runs once per trade, after
// the trade is stored. Values supplied by the caller are never replaced. A
// trade without an asset gets no market snapshot.
func (s *Service) Fill(ctx context.Context, tenantID string, in *domain.TradeInput) error {
	if in.UserHistory == nil {
		h, err := s.History(ctx, tenantID, in.AgentID)
		if err != nil {
			return err
		}
		in.UserHistory = h
	}
	if in.MarketData == nil && in.TradeDetails.Asset != "" {
		m, err := s.Market(ctx, tenantID, in.TradeDetails.Asset, in.TradeDetails.TradePrice)
		if err != nil {
			return err
		}
		in.MarketData = m
	}
	return nil
}

// History returns the agent's trade count in the observation window. With a
// cache the count is a fixed-window counter bumped once per call. Without
// one, stored trades in the trailing window are counted, which include the
// current trade once it is saved.
func (s *Service) History(ctx context.Context, tenantID, agentID string) (*domain.UserHistory, error) {
	if tenantID == "" || agentID == "" {
		return nil, fmt.Errorf("tenantID and agentID are required")
	}

	if s.cache != nil {
		n, err := s.cache.CountTrade(ctx, tenantID, agentID, s.window)
		if err == nil {
			return &domain.UserHistory{TradeFrequency: int(n)}, nil
		}
		slog.Warn("trade frequency counter unavailable, counting stored trades",
			"tenant_id", tenantID,
			"agent_id", agentID,
			"error", err,
		)
	}

	if s.repo == nil {
		return nil, fmt.Errorf("no data source available")
	}

	trades, err := s.repo.GetTradesByAgent(ctx, tenantID, agentID, time.Now().Add(-s.window))
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	return &domain.UserHistory{TradeFrequency: len(trades)}, nil
}

// Market returns the asset's volatility over the observation window.
// currentPrice is the price of the trade being submitted. The window's
// price range is cached for marketTTL; the current price is always folded
// in, cached or not.
func (s *Service) Market(ctx context.Context, tenantID, asset string, currentPrice float64) (*domain.MarketData, error) {
	if tenantID == "" || asset == "" {
		return nil, fmt.Errorf("tenantID and asset are required")
	}

	if s.cache != nil {
		if r, err := s.cache.GetPriceRange(ctx, tenantID, asset); err == nil && r != nil {
			return &domain.MarketData{Volatility: r.Include(currentPrice).Volatility()}, nil
		}
	}

	r := domain.PriceRange{}.Include(currentPrice)
	if s.repo != nil {
		trades, err := s.repo.GetTradesByAsset(ctx, tenantID, asset, time.Now().Add(-s.window))
		if err != nil {
			return nil, fmt.Errorf("failed to get trades: %w", err)
		}
		for _, t := range trades {
			r = r.Include(t.TradePrice)
		}
	}

	if s.cache != nil {
		if err := s.cache.SetPriceRange(ctx, tenantID, asset, r, s.marketTTL); err != nil {
			slog.Warn("failed to cache market snapshot",
				"tenant_id", tenantID,
				"asset", asset,
				"error", err,
			)
		}
	}

	return &domain.MarketData{Volatility: r.Volatility()}, nil
}
