package repository

// Schema definitions for Harrier database.
// Compatible with both SQLite and PostgreSQL.

const schemaTrades = `
CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    asset TEXT NOT NULL,
    amount REAL NOT NULL,
    market_price REAL NOT NULL,
    trade_price REAL NOT NULL,
    reason TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_tenant ON trades(tenant_id);
CREATE INDEX IF NOT EXISTS idx_trades_agent ON trades(tenant_id, agent_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_asset ON trades(tenant_id, asset, timestamp);
`

const schemaReviewRules = `
CREATE TABLE IF NOT EXISTS review_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_review_rules_tenant ON review_rules(tenant_id);
`

// Decision fields are columns so agents and the verification queue can be
// queried; diagnostics are stored as JSON.
const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    trade_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    reputation_score INTEGER NOT NULL,
    is_anomaly INTEGER NOT NULL,
    triggered_check TEXT,
    threshold_source TEXT NOT NULL,
    score_source TEXT NOT NULL,
    verification TEXT NOT NULL,
    reviewer TEXT,
    resolved_at TIMESTAMP,
    timestamp TIMESTAMP NOT NULL,
    thresholds TEXT NOT NULL,
    checks TEXT NOT NULL,
    review_reasons TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tenant ON evaluations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_trade ON evaluations(tenant_id, trade_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_agent ON evaluations(tenant_id, agent_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_evaluations_verification ON evaluations(tenant_id, verification);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTrades,
		schemaReviewRules,
		schemaEvaluations,
	}
}
