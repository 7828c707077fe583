// Harrier - Trade anomaly and reputation evaluation for agent-driven trading.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/advisor"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/attestation"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/evaluator"
	"github.com/opensource-finance/harrier/internal/market"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/oracle"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/snapshot"
	"github.com/opensource-finance/harrier/internal/verification"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("HARRIER_CONFIG"), "path to a YAML/JSON/TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"oracle", cfg.Oracle.Provider,
		"attestation_sinks", strings.Join(cfg.Attestation.Sinks, ","),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Scoring Oracle
	scoringOracle, err := oracle.New(cfg.Oracle)
	if err != nil {
		slog.Error("failed to initialize scoring oracle", "error", err)
		os.Exit(1)
	}
	if _, ok := scoringOracle.(oracle.Unavailable); ok {
		slog.Warn("scoring oracle unavailable, evaluating on default thresholds and fallback score")
	} else {
		slog.Info("scoring oracle initialized", "provider", cfg.Oracle.Provider, "model", cfg.Oracle.Model)
	}

	m := metrics.Default()

	// Initialize Review Rule Engine
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadRulesFromDatabase(ctx, repo, engine, cfg.Worker.Tenants); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize Attestation
	sink, err := attestation.New(cfg.Attestation, busImpl)
	if err != nil {
		slog.Error("failed to initialize attestation", "error", err)
		os.Exit(1)
	}
	dispatcher := attestation.NewDispatcher(sink, cfg.Attestation.Timeout, m)
	slog.Info("attestation initialized", "sink", sink.Name())

	// Initialize Evaluator
	evalOpts := []evaluator.Option{
		evaluator.WithAttestor(dispatcher),
		evaluator.WithMetrics(m),
	}
	if cfg.Evaluator.ReviewRules {
		evalOpts = append(evalOpts, evaluator.WithReviewer(engine))
	}
	ev := evaluator.New(scoringOracle, evaluator.ConfigFrom(cfg), evalOpts...)
	slog.Info("evaluator initialized",
		"derive_thresholds", cfg.Evaluator.DeriveThresholds,
		"fallback_score", cfg.Evaluator.FallbackScore,
	)

	// Initialize Verification Gate
	gateOpts := []verification.Option{verification.WithMetrics(m)}
	var notifier *verification.TelegramNotifier
	if cfg.Verification.Enabled && cfg.Verification.TelegramToken != "" {
		notifier, err = verification.NewTelegramNotifier(cfg.Verification.TelegramToken, cfg.Verification.TelegramChatID)
		if err != nil {
			slog.Error("failed to initialize telegram notifier", "error", err)
			os.Exit(1)
		}
		gateOpts = append(gateOpts, verification.WithNotifier(notifier))
	}
	gate := verification.NewGate(repo, busImpl, cfg.Verification.Enabled, gateOpts...)
	if notifier != nil {
		notifier.Listen(ctx, gate)
	}
	for _, tenantID := range cfg.Worker.Tenants {
		gate.SyncPending(ctx, tenantID)
	}
	slog.Info("verification gate initialized",
		"enabled", gate.Enabled(),
		"telegram", notifier != nil,
	)

	// Initialize Pipeline
	pipelineOpts := []pipeline.Option{
		pipeline.WithRepository(repo),
		pipeline.WithBus(busImpl),
		pipeline.WithSnapshots(snapshot.NewService(repo, cacheImpl, cfg.Evaluator.HistoryWindow, cfg.Evaluator.MarketDataTTL)),
		pipeline.WithGate(gate),
	}
	var handlerOpts []api.HandlerOption
	if cfg.MarketGuard.Enabled {
		guard := market.NewGuard(repo, cfg.MarketGuard, m)
		pipelineOpts = append(pipelineOpts, pipeline.WithMarketGuard(guard))
		handlerOpts = append(handlerOpts, api.WithMarketGuard(guard))
		slog.Info("market guard enabled",
			"day_volatility", cfg.MarketGuard.DayVolatility,
			"week_volatility", cfg.MarketGuard.WeekVolatility,
			"loss_ratio", cfg.MarketGuard.LossRatio,
		)
	}
	if cfg.Advisor.Enabled {
		handlerOpts = append(handlerOpts, api.WithAdvisor(advisor.New(scoringOracle, repo, cfg.Advisor, cfg.Oracle.Timeout, m)))
		slog.Info("trade advisor enabled", "max_notional", cfg.Advisor.MaxNotional)
	}
	p := pipeline.New(ev, pipelineOpts...)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, p)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.Tenants}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.Tenants))
		}
	}

	// Initialize Server
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	handler := api.NewHandler(p, repo, cacheImpl, busImpl, engine, gate, Version, handlerOpts...)
	srv := api.NewServer(cfg.Server, metricsPath, handler)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Let in-flight attestations finish before the bus closes
	dispatcher.Wait()

	slog.Info("harrier shutdown complete")
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadRulesFromDatabase loads the shared review rules and those of the
// configured tenants. Other tenants load theirs with POST /rules/reload.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine, tenants []string) error {
	owners := append([]string{rules.GlobalTenant}, tenants...)

	total := 0
	for _, tenantID := range owners {
		stored, err := repo.ListReviewRules(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list rules from database", "tenant_id", tenantID, "error", err)
			continue // Start without them - they can be reloaded via API
		}
		if err := engine.ReloadTenant(tenantID, stored); err != nil {
			return err
		}
		total += len(stored)
	}

	if total == 0 {
		slog.Info("no review rules in database - configure via POST /rules API")
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 HARRIER                  ║")
	fmt.Println("  ║   Trade Anomaly & Reputation Evaluator    ║")
	fmt.Println("  ║        Eyes on every agent trade.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                   - Evaluate a trade")
	fmt.Println("    POST /trades                     - Queue a trade for the worker")
	fmt.Println("    GET  /trades/{id}                - Get trade by ID")
	fmt.Println("    GET  /decisions/{id}             - Get decision by ID")
	fmt.Println("    GET  /agents/{id}/decisions      - List an agent's decisions")
	fmt.Println("    GET  /thresholds/default         - Default anomaly thresholds")
	fmt.Println("    GET  /rules                      - List review rules")
	fmt.Println("    POST /rules                      - Create a review rule")
	fmt.Println("    POST /rules/reload               - Hot-reload review rules")
	fmt.Println("    GET  /verifications              - List verifications")
	fmt.Println("    POST /verifications/{id}/approve - Approve a flagged trade")
	fmt.Println("    POST /verifications/{id}/reject  - Reject a flagged trade")
	fmt.Println("    GET  /health                     - Health check")
	fmt.Println()
}
