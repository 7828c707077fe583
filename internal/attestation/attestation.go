// Package attestation delivers decision records to attestation sinks.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// New builds the sink set named in cfg. An empty list yields a LogSink.
func New(cfg domain.AttestationConfig, eventBus domain.EventBus) (domain.AttestationSink, error) {
	var sinks []domain.AttestationSink
	for _, name := range cfg.Sinks {
		switch name {
		case "http":
			if cfg.URL == "" {
				return nil, fmt.Errorf("attestation sink http requires a url")
			}
			sinks = append(sinks, NewHTTPSink(cfg.URL, cfg.Timeout, cfg.MaxRetries))
		case "bus":
			if eventBus == nil {
				return nil, fmt.Errorf("attestation sink bus requires an event bus")
			}
			sinks = append(sinks, NewBusSink(eventBus))
		case "log":
			sinks = append(sinks, LogSink{})
		default:
			return nil, fmt.Errorf("unsupported attestation sink: %s", name)
		}
	}

	switch len(sinks) {
	case 0:
		return LogSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return MultiSink(sinks), nil
	}
}

// LogSink writes attestations to the structured log. Useful in development.
type LogSink struct{}

// Name implements domain.AttestationSink.
func (LogSink) Name() string { return "log" }

// Attest implements domain.AttestationSink.
func (LogSink) Attest(ctx context.Context, tenantID string, att domain.Attestation) error {
	slog.Info("attestation",
		"tenant_id", tenantID,
		"agent_id", att.AgentID,
		"reputation", att.Reputation,
		"outlier", att.Outlier,
	)
	return nil
}

// MultiSink fans an attestation out to several sinks. Every sink is tried;
// the joined error reports each failure.
type MultiSink []domain.AttestationSink

// Name implements domain.AttestationSink.
func (m MultiSink) Name() string { return "multi" }

// Attest implements domain.AttestationSink.
func (m MultiSink) Attest(ctx context.Context, tenantID string, att domain.Attestation) error {
	var errs []error
	for _, s := range m {
		if err := s.Attest(ctx, tenantID, att); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Dispatcher hands decisions to a sink in the background.
// Failures are logged and counted; they never reach the caller.
type Dispatcher struct {
	sink    domain.AttestationSink
	timeout time.Duration
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Each delivery gets its own timeout,
// detached from the request that produced the decision.
func NewDispatcher(sink domain.AttestationSink, timeout time.Duration, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Dispatcher{sink: sink, timeout: timeout, metrics: m}
}

// Dispatch attests a decision without blocking.
func (d *Dispatcher) Dispatch(tenantID string, decision domain.DecisionRecord) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		att := decision.ToAttestation()
		if err := d.sink.Attest(ctx, tenantID, att); err != nil {
			d.metrics.Attestations.WithLabelValues(d.sink.Name(), "error").Inc()
			slog.Error("attestation failed",
				"sink", d.sink.Name(),
				"tenant_id", tenantID,
				"agent_id", att.AgentID,
				"error", err,
			)
			return
		}
		d.metrics.Attestations.WithLabelValues(d.sink.Name(), "ok").Inc()
	}()
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
