package domain

// ReviewRule is an operator-defined CEL expression that flags a trade for
// human review. Review rules never change the anomaly classification.
type ReviewRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression; must evaluate to bool.
	Expression string `json:"expression"`

	// Reason reported when the expression is true.
	Reason string `json:"reason"`

	Enabled bool `json:"enabled"`
}

// RuleResult is the output of a review rule evaluation.
type RuleResult struct {
	RuleID    string `json:"ruleId"`
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	ProcessMs int64  `json:"processMs"`
}
