// Package config loads the Harrier configuration from tier defaults, an
// optional config file, a .env file and HARRIER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/opensource-finance/harrier/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. HARRIER_SERVER_PORT.
const EnvPrefix = "HARRIER"

// Load builds the configuration. path may be empty. Values are layered
// lowest to highest: tier defaults, config file, environment.
func Load(path string) (*domain.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyConventions(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv reads .env from the working directory, or the file named by
// HARRIER_ENV_FILE. A missing default .env is not an error.
func loadDotEnv() error {
	file := os.Getenv(EnvPrefix + "_ENV_FILE")
	if file == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("failed to load %s: %w", file, err)
	}
	return nil
}

// applyConventions maps the well-known variables other tools already set.
func applyConventions(cfg *domain.Config) {
	if cfg.Oracle.APIKey == "" {
		cfg.Oracle.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if os.Getenv(EnvPrefix+"_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *domain.Config) {
	v.SetDefault("tier", string(d.Tier))

	// Server
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	// Repository
	v.SetDefault("repository.driver", d.Repository.Driver)
	v.SetDefault("repository.sqlite_path", d.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", d.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", d.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", d.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", d.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", d.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", d.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", d.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", d.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", d.Repository.ConnMaxLifetime)

	// Cache
	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.local_max_size", d.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", d.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", d.Cache.EnableTwoPhase)

	// Event bus
	v.SetDefault("event_bus.type", d.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", d.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", d.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", d.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", d.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", d.EventBus.NATSReconnectWait)

	// Oracle
	v.SetDefault("oracle.provider", d.Oracle.Provider)
	v.SetDefault("oracle.api_key", d.Oracle.APIKey)
	v.SetDefault("oracle.base_url", d.Oracle.BaseURL)
	v.SetDefault("oracle.model", d.Oracle.Model)
	v.SetDefault("oracle.timeout", d.Oracle.Timeout)
	v.SetDefault("oracle.requests_per_second", d.Oracle.RequestsPerSecond)
	v.SetDefault("oracle.burst", d.Oracle.Burst)
	v.SetDefault("oracle.max_tokens", d.Oracle.MaxTokens)
	v.SetDefault("oracle.temperature", d.Oracle.Temperature)

	// Evaluator
	v.SetDefault("evaluator.thresholds.trade_amount", d.Evaluator.Thresholds.TradeAmount)
	v.SetDefault("evaluator.thresholds.price_deviation", d.Evaluator.Thresholds.PriceDeviation)
	v.SetDefault("evaluator.thresholds.trade_frequency", d.Evaluator.Thresholds.TradeFrequency)
	v.SetDefault("evaluator.thresholds.volatility_threshold", d.Evaluator.Thresholds.VolatilityThreshold)
	v.SetDefault("evaluator.derive_thresholds", d.Evaluator.DeriveThresholds)
	v.SetDefault("evaluator.fallback_score", d.Evaluator.FallbackScore)
	v.SetDefault("evaluator.history_window", d.Evaluator.HistoryWindow)
	v.SetDefault("evaluator.market_data_ttl", d.Evaluator.MarketDataTTL)
	v.SetDefault("evaluator.review_rules", d.Evaluator.ReviewRules)

	// Attestation
	v.SetDefault("attestation.sinks", d.Attestation.Sinks)
	v.SetDefault("attestation.url", d.Attestation.URL)
	v.SetDefault("attestation.timeout", d.Attestation.Timeout)
	v.SetDefault("attestation.max_retries", d.Attestation.MaxRetries)

	// Verification
	v.SetDefault("verification.enabled", d.Verification.Enabled)
	v.SetDefault("verification.telegram_token", d.Verification.TelegramToken)
	v.SetDefault("verification.telegram_chat_id", d.Verification.TelegramChatID)

	// Market guard
	v.SetDefault("market_guard.enabled", d.MarketGuard.Enabled)
	v.SetDefault("market_guard.day_volatility", d.MarketGuard.DayVolatility)
	v.SetDefault("market_guard.week_volatility", d.MarketGuard.WeekVolatility)
	v.SetDefault("market_guard.loss_ratio", d.MarketGuard.LossRatio)

	// Advisor
	v.SetDefault("advisor.enabled", d.Advisor.Enabled)
	v.SetDefault("advisor.max_notional", d.Advisor.MaxNotional)
	v.SetDefault("advisor.history_window", d.Advisor.HistoryWindow)
	v.SetDefault("advisor.history_limit", d.Advisor.HistoryLimit)

	// Worker
	v.SetDefault("worker.enabled", d.Worker.Enabled)
	v.SetDefault("worker.tenants", d.Worker.Tenants)

	// Observability
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter_type", d.Tracing.ExporterType)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// Validate checks that all configuration values are usable.
func Validate(c *domain.Config) error {
	if c.Tier != domain.TierCommunity && c.Tier != domain.TierPro {
		return fmt.Errorf("tier must be one of: community, pro")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("repository.driver must be one of: sqlite, postgres")
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.type must be one of: memory, redis")
	}
	if c.Cache.Type == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis cache")
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("event_bus.type must be one of: channel, nats")
	}
	if c.EventBus.Type == "nats" && c.EventBus.NATSUrl == "" {
		return fmt.Errorf("event_bus.nats_url is required for the nats bus")
	}

	switch c.Oracle.Provider {
	case "openai", "none":
	default:
		return fmt.Errorf("oracle.provider must be one of: openai, none")
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle.timeout must be positive")
	}
	if c.Oracle.RequestsPerSecond < 0 {
		return fmt.Errorf("oracle.requests_per_second must not be negative")
	}

	if err := c.Evaluator.Thresholds.Validate(); err != nil {
		return fmt.Errorf("evaluator.thresholds: %w", err)
	}
	if c.Evaluator.FallbackScore < 0 || c.Evaluator.FallbackScore > 100 {
		return fmt.Errorf("evaluator.fallback_score must be between 0 and 100")
	}
	if c.Evaluator.HistoryWindow <= 0 {
		return fmt.Errorf("evaluator.history_window must be positive")
	}

	for _, s := range c.Attestation.Sinks {
		switch s {
		case "http", "bus", "log":
		default:
			return fmt.Errorf("attestation.sinks: unknown sink %q", s)
		}
		if s == "http" && c.Attestation.URL == "" {
			return fmt.Errorf("attestation.url is required for the http sink")
		}
	}
	if c.Attestation.MaxRetries < 0 {
		return fmt.Errorf("attestation.max_retries must not be negative")
	}

	if c.Verification.TelegramToken != "" && c.Verification.TelegramChatID == 0 {
		return fmt.Errorf("verification.telegram_chat_id is required when a telegram token is set")
	}

	guard := c.MarketGuard
	for name, limit := range map[string]float64{
		"market_guard.day_volatility":  guard.DayVolatility,
		"market_guard.week_volatility": guard.WeekVolatility,
		"market_guard.loss_ratio":      guard.LossRatio,
	} {
		if guard.Enabled && (limit <= 0 || limit > 1) {
			return fmt.Errorf("%s must be in (0, 1]", name)
		}
	}

	if c.Advisor.Enabled {
		if c.Advisor.MaxNotional <= 0 {
			return fmt.Errorf("advisor.max_notional must be positive")
		}
		if c.Advisor.HistoryWindow <= 0 || c.Advisor.HistoryLimit <= 0 {
			return fmt.Errorf("advisor.history_window and advisor.history_limit must be positive")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
