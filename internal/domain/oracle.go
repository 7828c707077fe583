package domain

import "context"

// ScoringOracle is an external decision-support service, typically an LLM.
// Replies are untrusted: callers must validate them and fall back on error.
type ScoringOracle interface {
	// Complete sends a system instruction and a prompt and returns the raw reply.
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// AttestationSink durably records a decision, e.g. on a public ledger.
type AttestationSink interface {
	Attest(ctx context.Context, tenantID string, att Attestation) error
	Name() string
}

// Attestation is the payload handed to an AttestationSink.
type Attestation struct {
	AgentID    string `json:"agent_id"`
	Reputation int    `json:"reputation"`
	Outlier    bool   `json:"outlier"`
}

// ToAttestation converts a decision into the sink payload.
func (d DecisionRecord) ToAttestation() Attestation {
	return Attestation{
		AgentID:    d.AgentID,
		Reputation: d.ReputationScore,
		Outlier:    d.IsAnomaly,
	}
}
