// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Trade operations
	SaveTrade(ctx context.Context, tenantID string, trade *Trade) error
	GetTrade(ctx context.Context, tenantID string, tradeID string) (*Trade, error)
	GetTradesByAgent(ctx context.Context, tenantID string, agentID string, since time.Time) ([]*Trade, error)
	GetTradesByAsset(ctx context.Context, tenantID string, asset string, since time.Time) ([]*Trade, error)

	// Review rule operations
	SaveReviewRule(ctx context.Context, tenantID string, rule *ReviewRule) error
	GetReviewRule(ctx context.Context, tenantID string, ruleID string) (*ReviewRule, error)
	ListReviewRules(ctx context.Context, tenantID string) ([]*ReviewRule, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, tenantID string, eval *Evaluation) error
	GetEvaluation(ctx context.Context, tenantID string, evalID string) (*Evaluation, error)
	ListEvaluationsByAgent(ctx context.Context, tenantID string, agentID string, since time.Time) ([]*Evaluation, error)
	ListEvaluationsByVerification(ctx context.Context, tenantID string, status VerificationStatus) ([]*Evaluation, error)
	CountEvaluationsByVerification(ctx context.Context, tenantID string, status VerificationStatus) (int, error)
	UpdateVerification(ctx context.Context, tenantID string, evalID string, status VerificationStatus, reviewer string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
