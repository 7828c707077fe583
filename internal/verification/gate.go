// Package verification implements the human-verification gate for
// anomalous or rule-flagged evaluations.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// ErrDisabled is returned when resolving while the gate is switched off.
var ErrDisabled = errors.New("verification gate is disabled")

// Notifier announces evaluations that are waiting for a human.
type Notifier interface {
	NotifyPending(ctx context.Context, tenantID string, eval *domain.Evaluation) error
}

// Resolution is published on domain.TopicVerificationResolved.
type Resolution struct {
	EvaluationID string                    `json:"evaluationId"`
	AgentID      string                    `json:"agent_id"`
	Status       domain.VerificationStatus `json:"status"`
	Reviewer     string                    `json:"reviewer,omitempty"`
	ResolvedAt   time.Time                 `json:"resolvedAt"`
}

// Gate routes evaluations through human verification.
type Gate struct {
	repo     domain.Repository
	bus      domain.EventBus
	notifier Notifier
	enabled  bool
	metrics  *metrics.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotifier announces pending evaluations, e.g. to a Telegram chat.
func WithNotifier(n Notifier) Option {
	return func(g *Gate) { g.notifier = n }
}

// WithMetrics overrides the default metrics set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a verification gate. eventBus may be nil.
func NewGate(repo domain.Repository, eventBus domain.EventBus, enabled bool, opts ...Option) *Gate {
	g := &Gate{
		repo:    repo,
		bus:     eventBus,
		enabled: enabled,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = metrics.Default()
	}
	return g
}

// Enabled reports whether the gate holds evaluations.
func (g *Gate) Enabled() bool { return g.enabled }

// Mark sets the verification status of a fresh evaluation. It must run
// before the evaluation is stored.
func (g *Gate) Mark(eval *domain.Evaluation) {
	if g.enabled && eval.NeedsVerification() {
		eval.Verification = domain.VerificationPending
		return
	}
	eval.Verification = domain.VerificationNotRequired
}

// Requested announces a stored pending evaluation. Delivery failures are
// logged; the evaluation stays pending either way.
func (g *Gate) Requested(ctx context.Context, tenantID string, eval *domain.Evaluation) {
	if eval.Verification != domain.VerificationPending {
		return
	}
	g.SyncPending(ctx, tenantID)

	if g.bus != nil {
		if err := bus.PublishJSON(ctx, g.bus, tenantID, domain.TopicVerificationRequested, eval.ToResponse()); err != nil {
			slog.Error("failed to publish verification request",
				"tenant_id", tenantID,
				"evaluation_id", eval.ID,
				"error", err,
			)
		}
	}

	if g.notifier != nil {
		if err := g.notifier.NotifyPending(ctx, tenantID, eval); err != nil {
			slog.Warn("verification notification failed",
				"tenant_id", tenantID,
				"evaluation_id", eval.ID,
				"error", err,
			)
		}
	}
}

// SyncPending sets the tenant's pending gauge from storage, so evaluations
// left pending by an earlier process are counted too.
func (g *Gate) SyncPending(ctx context.Context, tenantID string) {
	n, err := g.repo.CountEvaluationsByVerification(ctx, tenantID, domain.VerificationPending)
	if err != nil {
		slog.Warn("failed to count pending verifications", "tenant_id", tenantID, "error", err)
		return
	}
	g.metrics.PendingVerifications.WithLabelValues(tenantID).Set(float64(n))
}

// Pending lists evaluations awaiting a decision, oldest first.
func (g *Gate) Pending(ctx context.Context, tenantID string) ([]*domain.Evaluation, error) {
	return g.List(ctx, tenantID, domain.VerificationPending)
}

// List returns evaluations in the given verification state.
func (g *Gate) List(ctx context.Context, tenantID string, status domain.VerificationStatus) ([]*domain.Evaluation, error) {
	switch status {
	case domain.VerificationPending, domain.VerificationApproved,
		domain.VerificationRejected, domain.VerificationNotRequired:
	default:
		return nil, fmt.Errorf("unknown verification status: %q", status)
	}
	return g.repo.ListEvaluationsByVerification(ctx, tenantID, status)
}

// Approve releases a pending evaluation.
func (g *Gate) Approve(ctx context.Context, tenantID, evalID, reviewer string) (*domain.Evaluation, error) {
	return g.resolve(ctx, tenantID, evalID, reviewer, domain.VerificationApproved)
}

// Reject blocks a pending evaluation.
func (g *Gate) Reject(ctx context.Context, tenantID, evalID, reviewer string) (*domain.Evaluation, error) {
	return g.resolve(ctx, tenantID, evalID, reviewer, domain.VerificationRejected)
}

func (g *Gate) resolve(ctx context.Context, tenantID, evalID, reviewer string, status domain.VerificationStatus) (*domain.Evaluation, error) {
	if !g.enabled {
		return nil, ErrDisabled
	}

	if err := g.repo.UpdateVerification(ctx, tenantID, evalID, status, reviewer); err != nil {
		return nil, err
	}
	g.SyncPending(ctx, tenantID)

	eval, err := g.repo.GetEvaluation(ctx, tenantID, evalID)
	if err != nil {
		return nil, err
	}

	slog.Info("verification resolved",
		"tenant_id", tenantID,
		"evaluation_id", evalID,
		"agent_id", eval.Decision.AgentID,
		"status", status,
		"reviewer", reviewer,
	)

	if g.bus != nil {
		res := Resolution{
			EvaluationID: evalID,
			AgentID:      eval.Decision.AgentID,
			Status:       status,
			Reviewer:     reviewer,
			ResolvedAt:   time.Now().UTC(),
		}
		if eval.ResolvedAt != nil {
			res.ResolvedAt = *eval.ResolvedAt
		}
		if err := bus.PublishJSON(ctx, g.bus, tenantID, domain.TopicVerificationResolved, res); err != nil {
			slog.Error("failed to publish verification resolution",
				"tenant_id", tenantID,
				"evaluation_id", evalID,
				"error", err,
			)
		}
	}

	return eval, nil
}
