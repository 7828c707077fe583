// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotPending   = errors.New("evaluation is not pending verification")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const tradeColumns = `id, tenant_id, agent_id, asset, amount, market_price, trade_price, reason, timestamp, created_at`

// SaveTrade stores a trade with tenant isolation.
func (r *SQLRepository) SaveTrade(ctx context.Context, tenantID string, trade *domain.Trade) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if trade.ID == "" {
		return fmt.Errorf("%w: trade id is required", ErrInvalidInput)
	}

	query := `INSERT INTO trades (` + tradeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		trade.ID, tenantID, trade.AgentID, trade.Asset,
		trade.Amount, trade.MarketPrice, trade.TradePrice, trade.Reason,
		trade.Timestamp.UTC(), trade.CreatedAt.UTC(),
	)
	return err
}

// GetTrade retrieves a trade by ID with tenant isolation.
func (r *SQLRepository) GetTrade(ctx context.Context, tenantID string, tradeID string) (*domain.Trade, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + tradeColumns + ` FROM trades WHERE tenant_id = ? AND id = ?`

	trade, err := scanTrade(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, tradeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// GetTradesByAgent retrieves an agent's trades since the given time, newest first.
func (r *SQLRepository) GetTradesByAgent(ctx context.Context, tenantID string, agentID string, since time.Time) ([]*domain.Trade, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE tenant_id = ? AND agent_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`
	return r.queryTrades(ctx, query, tenantID, agentID, since.UTC())
}

// GetTradesByAsset retrieves trades in an asset since the given time, newest first.
func (r *SQLRepository) GetTradesByAsset(ctx context.Context, tenantID string, asset string, since time.Time) ([]*domain.Trade, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE tenant_id = ? AND asset = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`
	return r.queryTrades(ctx, query, tenantID, asset, since.UTC())
}

func (r *SQLRepository) queryTrades(ctx context.Context, query string, args ...any) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	var t domain.Trade
	var reason sql.NullString
	if err := s.Scan(
		&t.ID, &t.TenantID, &t.AgentID, &t.Asset,
		&t.Amount, &t.MarketPrice, &t.TradePrice, &reason,
		&t.Timestamp, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.Reason = reason.String
	return &t, nil
}

// SaveReviewRule stores a review rule with tenant isolation, replacing any
// rule with the same ID.
func (r *SQLRepository) SaveReviewRule(ctx context.Context, tenantID string, rule *domain.ReviewRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO review_rules (
			id, tenant_id, name, description, version, expression, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.Reason, enabled,
		now, now,
	)
	return err
}

const reviewRuleColumns = `id, tenant_id, name, description, version, expression, reason, enabled`

// GetReviewRule retrieves a review rule with tenant isolation.
func (r *SQLRepository) GetReviewRule(ctx context.Context, tenantID string, ruleID string) (*domain.ReviewRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + reviewRuleColumns + ` FROM review_rules WHERE tenant_id = ? AND id = ?`

	rule, err := scanReviewRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListReviewRules retrieves every review rule for a tenant, enabled or not.
func (r *SQLRepository) ListReviewRules(ctx context.Context, tenantID string) ([]*domain.ReviewRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + reviewRuleColumns + ` FROM review_rules WHERE tenant_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.ReviewRule
	for rows.Next() {
		rule, err := scanReviewRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanReviewRule(s scanner) (*domain.ReviewRule, error) {
	var rule domain.ReviewRule
	var description sql.NullString
	var enabled int
	if err := s.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description,
		&rule.Version, &rule.Expression, &rule.Reason, &enabled,
	); err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.Enabled = enabled == 1
	return &rule, nil
}

const evaluationColumns = `
	id, tenant_id, trade_id, agent_id, reputation_score, is_anomaly,
	triggered_check, threshold_source, score_source, verification, reviewer,
	resolved_at, timestamp, thresholds, checks, review_reasons, metadata`

// SaveEvaluation stores an evaluation result with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.Evaluation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	thresholds, err := json.Marshal(eval.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}
	checks, err := json.Marshal(eval.Checks)
	if err != nil {
		return fmt.Errorf("failed to encode checks: %w", err)
	}
	reasons, _ := json.Marshal(eval.ReviewReasons)
	metadata, _ := json.Marshal(eval.Metadata)

	verification := eval.Verification
	if verification == "" {
		verification = domain.VerificationNotRequired
	}

	anomaly := 0
	if eval.Decision.IsAnomaly {
		anomaly = 1
	}

	var resolvedAt sql.NullTime
	if eval.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: eval.ResolvedAt.UTC(), Valid: true}
	}

	query := `INSERT INTO evaluations (` + evaluationColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, tenantID, eval.TradeID, eval.Decision.AgentID,
		eval.Decision.ReputationScore, anomaly,
		eval.TriggeredCheck, eval.ThresholdSource, eval.ScoreSource,
		string(verification), eval.Reviewer, resolvedAt, eval.Timestamp.UTC(),
		string(thresholds), string(checks), string(reasons), string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE tenant_id = ? AND id = ?`

	eval, err := scanEvaluation(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return eval, nil
}

// ListEvaluationsByAgent retrieves an agent's evaluations since the given
// time, newest first.
func (r *SQLRepository) ListEvaluationsByAgent(ctx context.Context, tenantID string, agentID string, since time.Time) ([]*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + evaluationColumns + `
		FROM evaluations
		WHERE tenant_id = ? AND agent_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`
	return r.queryEvaluations(ctx, query, tenantID, agentID, since.UTC())
}

// ListEvaluationsByVerification retrieves evaluations in a verification
// state, oldest first so the queue is worked in order.
func (r *SQLRepository) ListEvaluationsByVerification(ctx context.Context, tenantID string, status domain.VerificationStatus) ([]*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + evaluationColumns + `
		FROM evaluations
		WHERE tenant_id = ? AND verification = ?
		ORDER BY timestamp ASC
	`
	return r.queryEvaluations(ctx, query, tenantID, string(status))
}

// CountEvaluationsByVerification counts evaluations in a verification state.
func (r *SQLRepository) CountEvaluationsByVerification(ctx context.Context, tenantID string, status domain.VerificationStatus) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM evaluations WHERE tenant_id = ? AND verification = ?`

	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(status)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateVerification resolves a pending evaluation and records who resolved
// it and when. Only evaluations in the pending state can change; anything
// else yields ErrNotPending.
func (r *SQLRepository) UpdateVerification(ctx context.Context, tenantID string, evalID string, status domain.VerificationStatus, reviewer string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if status != domain.VerificationApproved && status != domain.VerificationRejected {
		return fmt.Errorf("%w: cannot move to verification status %q", ErrInvalidInput, status)
	}

	query := `
		UPDATE evaluations
		SET verification = ?, reviewer = ?, resolved_at = ?
		WHERE tenant_id = ? AND id = ? AND verification = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(status), reviewer, time.Now().UTC(),
		tenantID, evalID, string(domain.VerificationPending))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	if _, err := r.GetEvaluation(ctx, tenantID, evalID); err != nil {
		return err
	}
	return ErrNotPending
}

func (r *SQLRepository) queryEvaluations(ctx context.Context, query string, args ...any) ([]*domain.Evaluation, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*domain.Evaluation
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, eval)
	}
	return evals, rows.Err()
}

func scanEvaluation(s scanner) (*domain.Evaluation, error) {
	var eval domain.Evaluation
	var anomaly int
	var triggered, reasons, reviewer sql.NullString
	var resolvedAt sql.NullTime
	var verification, thresholds, checks, metadata string

	if err := s.Scan(
		&eval.ID, &eval.TenantID, &eval.TradeID, &eval.Decision.AgentID,
		&eval.Decision.ReputationScore, &anomaly,
		&triggered, &eval.ThresholdSource, &eval.ScoreSource,
		&verification, &reviewer, &resolvedAt, &eval.Timestamp,
		&thresholds, &checks, &reasons, &metadata,
	); err != nil {
		return nil, err
	}

	eval.Decision.IsAnomaly = anomaly == 1
	eval.TriggeredCheck = triggered.String
	eval.Verification = domain.VerificationStatus(verification)
	eval.Reviewer = reviewer.String
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		eval.ResolvedAt = &t
	}

	if err := json.Unmarshal([]byte(thresholds), &eval.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds for %s: %w", eval.ID, err)
	}
	if err := json.Unmarshal([]byte(checks), &eval.Checks); err != nil {
		return nil, fmt.Errorf("failed to parse checks for %s: %w", eval.ID, err)
	}
	if reasons.String != "" {
		json.Unmarshal([]byte(reasons.String), &eval.ReviewReasons)
	}
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
