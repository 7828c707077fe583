package domain

import (
	"time"
)

// DecisionRecord is the outcome of one evaluation, handed to attestation.
type DecisionRecord struct {
	AgentID         string `json:"agent_id"`
	ReputationScore int    `json:"reputation_score"`
	IsAnomaly       bool   `json:"is_anomaly"`
}

// Evaluation is a DecisionRecord plus the context it was produced in.
type Evaluation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	TradeID   string    `json:"tradeId"`
	Timestamp time.Time `json:"timestamp"`

	Decision DecisionRecord `json:"decision"`

	// Thresholds actually used for classification.
	Thresholds      AnomalyThresholds `json:"thresholds"`
	ThresholdSource string            `json:"thresholdSource"` // "oracle" or "default"
	ScoreSource     string            `json:"scoreSource"`     // "oracle" or "fallback"

	// Checks holds every anomaly check in evaluation order.
	Checks         []CheckResult `json:"checks"`
	TriggeredCheck string        `json:"triggeredCheck,omitempty"`

	// ReviewReasons come from review rules and the market guard. They never
	// affect IsAnomaly.
	ReviewReasons []string `json:"reviewReasons,omitempty"`

	Verification VerificationStatus `json:"verification"`
	Reviewer     string             `json:"reviewer,omitempty"`
	ResolvedAt   *time.Time         `json:"resolvedAt,omitempty"`

	Metadata EvaluationMetadata `json:"metadata"`
}

// CheckResult is the diagnostic view of a single anomaly check.
type CheckResult struct {
	Name      string  `json:"name"`
	Observed  float64 `json:"observed"`
	Limit     float64 `json:"limit"`
	Triggered bool    `json:"triggered"`
	Skipped   bool    `json:"skipped,omitempty"`
}

// Anomaly check names in their fixed evaluation order.
const (
	CheckTradeAmount    = "trade_amount"
	CheckPriceDeviation = "price_deviation"
	CheckTradeFrequency = "trade_frequency"
	CheckVolatility     = "volatility"
)

// Provenance values for thresholds and scores.
const (
	SourceOracle   = "oracle"
	SourceDefault  = "default"
	SourceFallback = "fallback"
)

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID       string `json:"traceId"`
	OracleMs      int64  `json:"oracleMs"`
	TotalMs       int64  `json:"totalMs"`
	RulesChecked  int    `json:"rulesChecked"`
	EngineVersion string `json:"engineVersion"`
}

// VerificationStatus tracks the human-verification gate.
type VerificationStatus string

const (
	VerificationNotRequired VerificationStatus = "not_required"
	VerificationPending     VerificationStatus = "pending"
	VerificationApproved    VerificationStatus = "approved"
	VerificationRejected    VerificationStatus = "rejected"
)

// NeedsVerification reports whether the evaluation must pass the gate.
func (e *Evaluation) NeedsVerification() bool {
	return e.Decision.IsAnomaly || len(e.ReviewReasons) > 0
}

// EvaluationResponse is the API view of an evaluation.
type EvaluationResponse struct {
	EvaluationID    string             `json:"evaluationId"`
	TradeID         string             `json:"tradeId,omitempty"`
	AgentID         string             `json:"agent_id"`
	ReputationScore int                `json:"reputation_score"`
	IsAnomaly       bool               `json:"is_anomaly"`
	TriggeredCheck  string             `json:"triggeredCheck,omitempty"`
	ReviewReasons   []string           `json:"reviewReasons,omitempty"`
	Verification    VerificationStatus `json:"verification"`
	Reviewer        string             `json:"reviewer,omitempty"`
	ResolvedAt      *time.Time         `json:"resolvedAt,omitempty"`
	Metadata        EvaluationMetadata `json:"metadata"`
}

// ToResponse converts an Evaluation to an API response.
func (e *Evaluation) ToResponse() *EvaluationResponse {
	return &EvaluationResponse{
		EvaluationID:    e.ID,
		TradeID:         e.TradeID,
		AgentID:         e.Decision.AgentID,
		ReputationScore: e.Decision.ReputationScore,
		IsAnomaly:       e.Decision.IsAnomaly,
		TriggeredCheck:  e.TriggeredCheck,
		ReviewReasons:   e.ReviewReasons,
		Verification:    e.Verification,
		Reviewer:        e.Reviewer,
		ResolvedAt:      e.ResolvedAt,
		Metadata:        e.Metadata,
	}
}
