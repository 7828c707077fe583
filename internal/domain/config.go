package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `mapstructure:"tier" json:"tier"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus" json:"eventBus"`

	// Evaluation pipeline
	Oracle       OracleConfig       `mapstructure:"oracle" json:"oracle"`
	Evaluator    EvaluatorConfig    `mapstructure:"evaluator" json:"evaluator"`
	Attestation  AttestationConfig  `mapstructure:"attestation" json:"attestation"`
	Verification VerificationConfig `mapstructure:"verification" json:"verification"`
	MarketGuard  MarketGuardConfig  `mapstructure:"market_guard" json:"marketGuard"`
	Advisor      AdvisorConfig      `mapstructure:"advisor" json:"advisor"`
	Worker       WorkerConfig       `mapstructure:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `mapstructure:"write_timeout" json:"writeTimeout"` // seconds
}

// OracleConfig configures the scoring oracle (an OpenAI-compatible chat API).
type OracleConfig struct {
	// Provider is "openai" or "none". "none" makes every call fail,
	// so the evaluator runs on defaults and the fallback score.
	Provider string `mapstructure:"provider" json:"provider"`

	APIKey  string `mapstructure:"api_key" json:"-"`
	BaseURL string `mapstructure:"base_url" json:"baseUrl"`
	Model   string `mapstructure:"model" json:"model"`

	// Timeout bounds every single oracle call.
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`

	// RequestsPerSecond limits outbound oracle calls; 0 disables the limiter.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requestsPerSecond"`
	Burst             int     `mapstructure:"burst" json:"burst"`

	MaxTokens   int     `mapstructure:"max_tokens" json:"maxTokens"`
	Temperature float32 `mapstructure:"temperature" json:"temperature"`
}

// EvaluatorConfig holds the evaluation policy.
type EvaluatorConfig struct {
	Thresholds AnomalyThresholds `mapstructure:"thresholds" json:"thresholds"`

	// DeriveThresholds asks the oracle for per-trade thresholds.
	// When false the defaults are used directly.
	DeriveThresholds bool `mapstructure:"derive_thresholds" json:"deriveThresholds"`

	// FallbackScore is returned when the reputation oracle fails.
	FallbackScore int `mapstructure:"fallback_score" json:"fallbackScore"`

	// HistoryWindow is the observation window for trade_frequency and
	// volatility when the caller does not supply them.
	HistoryWindow time.Duration `mapstructure:"history_window" json:"historyWindow"`

	// MarketDataTTL bounds how long a derived market snapshot is cached.
	MarketDataTTL time.Duration `mapstructure:"market_data_ttl" json:"marketDataTtl"`

	// ReviewRules enables the CEL review-rule engine.
	ReviewRules bool `mapstructure:"review_rules" json:"reviewRules"`
}

// AttestationConfig selects and configures attestation sinks.
type AttestationConfig struct {
	// Sinks is any combination of "http", "bus" and "log".
	Sinks []string `mapstructure:"sinks" json:"sinks"`

	URL        string        `mapstructure:"url" json:"url"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" json:"maxRetries"`
}

// VerificationConfig configures the human-verification gate.
type VerificationConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	TelegramToken  string `mapstructure:"telegram_token" json:"-"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id" json:"telegramChatId"`
}

// MarketGuardConfig configures the market halt check. An asset is halted
// when any limit is exceeded; its trades are then routed to verification.
type MarketGuardConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// DayVolatility limits the asset's price range over the last day.
	DayVolatility float64 `mapstructure:"day_volatility" json:"dayVolatility"`

	// WeekVolatility limits the asset's price range over the last week.
	WeekVolatility float64 `mapstructure:"week_volatility" json:"weekVolatility"`

	// LossRatio limits the share of last week's trades filled below market.
	LossRatio float64 `mapstructure:"loss_ratio" json:"lossRatio"`
}

// AdvisorConfig configures oracle-backed trade suggestions.
type AdvisorConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// MaxNotional caps amount*trade_price of a suggestion.
	MaxNotional float64 `mapstructure:"max_notional" json:"maxNotional"`

	// HistoryWindow and HistoryLimit select the past trades shown to the oracle.
	HistoryWindow time.Duration `mapstructure:"history_window" json:"historyWindow"`
	HistoryLimit  int           `mapstructure:"history_limit" json:"historyLimit"`
}

// WorkerConfig configures the async evaluation worker.
type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// Tenants to subscribe for. Empty subscribes to the global route.
	Tenants []string `mapstructure:"tenants" json:"tenants"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName  string `mapstructure:"service_name" json:"serviceName"`
	ExporterType string `mapstructure:"exporter_type" json:"exporterType"` // stdout, otlp
	Endpoint     string `mapstructure:"endpoint" json:"endpoint"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-process channels and an LRU cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS and Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Oracle: OracleConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Timeout:     10 * time.Second,
			MaxTokens:   512,
			Temperature: 0,
		},
		Evaluator: EvaluatorConfig{
			Thresholds:       DefaultThresholds(),
			DeriveThresholds: true,
			FallbackScore:    50,
			HistoryWindow:    time.Hour,
			MarketDataTTL:    30 * time.Second,
			ReviewRules:      true,
		},
		Attestation: AttestationConfig{
			Sinks:      []string{"log"},
			URL:        "http://localhost:3000/attest",
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Verification: VerificationConfig{
			Enabled: true,
		},
		MarketGuard: MarketGuardConfig{
			Enabled:        true,
			DayVolatility:  0.3,
			WeekVolatility: 0.5,
			LossRatio:      0.8,
		},
		Advisor: AdvisorConfig{
			Enabled:       true,
			MaxNotional:   1500,
			HistoryWindow: 30 * 24 * time.Hour,
			HistoryLimit:  20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Attestation.Sinks = []string{"http", "bus"}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
