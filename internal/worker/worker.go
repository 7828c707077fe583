// Package worker provides async trade evaluation for the Pro tier.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/pipeline"
)

// GlobalTenant is the routing tenant for submissions that carry their own
// tenant in the payload.
const GlobalTenant = "_global"

// Worker evaluates submitted trades from the EventBus.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Empty subscribes to
	// GlobalTenant only.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(b domain.EventBus, p *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      b,
		pipeline: p,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to domain.TopicTradeSubmitted for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		if err := w.subscribe(GlobalTenant); err != nil {
			return err
		}
		slog.Info("global worker started", "topic", domain.TopicTradeSubmitted)
		return nil
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"topic", domain.TopicTradeSubmitted,
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTradeSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processSubmission(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// processSubmission runs one submitted trade through the pipeline.
func (w *Worker) processSubmission(ctx context.Context, tenantID string, msg *domain.Message) error {
	var sub pipeline.Submission
	if err := bus.Decode(msg, &sub); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse trade submission",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// The payload tenant wins so global subscribers can route.
	if sub.TenantID != "" {
		tenantID = sub.TenantID
	}
	if tenantID == GlobalTenant {
		w.failed.Add(1)
		slog.Error("trade submission without tenant", "message_id", msg.ID)
		return nil
	}

	traceID := sub.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	ctx, cancel := context.WithTimeout(ctx, pipeline.Timeout)
	defer cancel()

	if _, err := w.pipeline.Submit(ctx, tenantID, traceID, &sub.Trade); err != nil {
		w.failed.Add(1)
		slog.Error("trade evaluation failed",
			"tenant_id", tenantID,
			"trace_id", traceID,
			"agent_id", sub.Trade.AgentID,
			"error", err,
		)
		return err
	}

	w.processed.Add(1)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
