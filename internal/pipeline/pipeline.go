// Package pipeline runs a submitted trade through snapshot assembly,
// evaluation, the market guard, persistence, the verification gate and
// event publication.
// The HTTP API, the async worker and the CLI share it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/evaluator"
	"github.com/opensource-finance/harrier/internal/market"
	"github.com/opensource-finance/harrier/internal/snapshot"
	"github.com/opensource-finance/harrier/internal/verification"
)

var tracer = otel.Tracer("harrier-pipeline")

// Timeout bounds one asynchronous submission.
const Timeout = 30 * time.Second

// Submission is the payload published on domain.TopicTradeSubmitted.
type Submission struct {
	TenantID string            `json:"tenantId"`
	TraceID  string            `json:"traceId,omitempty"`
	Trade    domain.TradeInput `json:"trade"`
}

// Pipeline evaluates and records trades. Every collaborator except the
// evaluator is optional.
type Pipeline struct {
	evaluator *evaluator.Evaluator
	repo      domain.Repository
	bus       domain.EventBus
	snapshots *snapshot.Service
	guard     *market.Guard
	gate      *verification.Gate
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRepository persists trades and evaluations.
func WithRepository(r domain.Repository) Option {
	return func(p *Pipeline) { p.repo = r }
}

// WithBus publishes decisions and anomalies.
func WithBus(b domain.EventBus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// WithSnapshots derives missing user history and market data.
func WithSnapshots(s *snapshot.Service) Option {
	return func(p *Pipeline) { p.snapshots = s }
}

// WithMarketGuard adds a review reason to trades on a halted asset.
func WithMarketGuard(g *market.Guard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// WithGate routes flagged evaluations through human verification.
func WithGate(g *verification.Gate) Option {
	return func(p *Pipeline) { p.gate = g }
}

// New creates a pipeline around an evaluator.
func New(ev *evaluator.Evaluator, opts ...Option) *Pipeline {
	p := &Pipeline{evaluator: ev}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluator returns the underlying evaluator.
func (p *Pipeline) Evaluator() *evaluator.Evaluator {
	return p.evaluator
}

// Submit evaluates one trade. in is updated with any derived snapshots.
// It fails on invalid input or when the result cannot be stored; oracle,
// snapshot and publish failures only degrade the result.
func (p *Pipeline) Submit(ctx context.Context, tenantID, traceID string, in *domain.TradeInput) (*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", evaluator.ErrInvalidInput)
	}
	if traceID == "" {
		traceID = uuid.New().String()
	}

	ctx, span := tracer.Start(ctx, "pipeline.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("trace.id", traceID),
	)

	// Reject bad input before any counter or row is touched.
	if err := evaluator.RequestFromInput(tenantID, "", traceID, in).Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid input")
		return nil, err
	}

	trade := in.ToTrade(tenantID)
	trade.ID = uuid.New().String()
	if p.repo != nil {
		if err := p.repo.SaveTrade(ctx, tenantID, trade); err != nil {
			span.SetStatus(codes.Error, "save trade")
			return nil, fmt.Errorf("failed to save trade: %w", err)
		}
	}

	// Snapshots count the stored trade, so a failed save leaves the
	// frequency counter untouched.
	if p.snapshots != nil {
		if err := p.snapshots.Fill(ctx, tenantID, in); err != nil {
			slog.Warn("snapshot assembly failed, evaluating with supplied values",
				"tenant_id", tenantID,
				"agent_id", in.AgentID,
				"error", err,
			)
		}
	}

	eval, err := p.evaluator.Evaluate(ctx, evaluator.RequestFromInput(tenantID, trade.ID, traceID, in))
	if err != nil {
		span.SetStatus(codes.Error, "evaluate")
		return nil, err
	}

	if p.guard != nil {
		eval.ReviewReasons = append(eval.ReviewReasons, p.guard.Review(ctx, tenantID, in.TradeDetails.Asset)...)
	}

	if p.gate != nil {
		p.gate.Mark(eval)
	}

	if p.repo != nil {
		if err := p.repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
			span.SetStatus(codes.Error, "save evaluation")
			return nil, fmt.Errorf("failed to save evaluation: %w", err)
		}
		if p.gate != nil {
			p.gate.Requested(ctx, tenantID, eval)
		}
	}

	p.publish(ctx, tenantID, eval)

	span.SetAttributes(
		attribute.String("evaluation.id", eval.ID),
		attribute.String("evaluation.verification", string(eval.Verification)),
	)

	slog.Info("trade processed",
		"tenant_id", tenantID,
		"trade_id", trade.ID,
		"evaluation_id", eval.ID,
		"agent_id", eval.Decision.AgentID,
		"is_anomaly", eval.Decision.IsAnomaly,
		"reputation_score", eval.Decision.ReputationScore,
		"verification", eval.Verification,
		"total_ms", eval.Metadata.TotalMs,
	)

	return eval, nil
}

func (p *Pipeline) publish(ctx context.Context, tenantID string, eval *domain.Evaluation) {
	if p.bus == nil {
		return
	}

	resp := eval.ToResponse()
	topics := []string{domain.TopicDecision}
	if eval.Decision.IsAnomaly {
		topics = append(topics, domain.TopicAnomaly)
	}

	for _, topic := range topics {
		if err := bus.PublishJSON(ctx, p.bus, tenantID, topic, resp); err != nil {
			slog.Error("failed to publish evaluation",
				"topic", topic,
				"tenant_id", tenantID,
				"evaluation_id", eval.ID,
				"error", err,
			)
		}
	}
}

// Enqueue publishes a trade for asynchronous evaluation by a worker.
func Enqueue(ctx context.Context, b domain.EventBus, sub Submission) error {
	if sub.TenantID == "" {
		return fmt.Errorf("%w: tenantID is required", evaluator.ErrInvalidInput)
	}
	if sub.TraceID == "" {
		sub.TraceID = uuid.New().String()
	}
	return bus.PublishJSON(ctx, b, sub.TenantID, domain.TopicTradeSubmitted, sub)
}
