package attestation

import (
	"context"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
)

// BusSink publishes attestations on domain.TopicAttestation for an external
// relayer to submit on-chain.
type BusSink struct {
	bus domain.EventBus
}

// NewBusSink creates a bus sink.
func NewBusSink(b domain.EventBus) *BusSink {
	return &BusSink{bus: b}
}

// Name implements domain.AttestationSink.
func (s *BusSink) Name() string { return "bus" }

// Attest implements domain.AttestationSink.
func (s *BusSink) Attest(ctx context.Context, tenantID string, att domain.Attestation) error {
	return bus.PublishJSON(ctx, s.bus, tenantID, domain.TopicAttestation, att)
}
