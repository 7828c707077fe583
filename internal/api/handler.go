package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/harrier/internal/advisor"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/evaluator"
	"github.com/opensource-finance/harrier/internal/market"
	"github.com/opensource-finance/harrier/internal/oracle"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/verification"
)

// ReviewerHeader names the person resolving a verification.
const ReviewerHeader = "X-Reviewer"

// defaultDecisionWindow bounds GET /agents/{id}/decisions without ?since=.
const defaultDecisionWindow = 24 * time.Hour

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	gate     *verification.Gate
	advisor  *advisor.Advisor
	guard    *market.Guard
	version  string
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAdvisor enables POST /suggest.
func WithAdvisor(a *advisor.Advisor) HandlerOption {
	return func(h *Handler) { h.advisor = a }
}

// WithMarketGuard enables GET /market/{asset}.
func WithMarketGuard(g *market.Guard) HandlerOption {
	return func(h *Handler) { h.guard = g }
}

// NewHandler creates a new API handler. Everything except the pipeline and
// the rule engine may be nil; the routes that need a missing dependency
// answer 503.
func NewHandler(p *pipeline.Pipeline, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, gate *verification.Gate, version string, opts ...HandlerOption) *Handler {
	h := &Handler{
		pipeline: p,
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   engine,
		gate:     gate,
		version:  version,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Evaluate handles POST /evaluate. The trade is evaluated synchronously and
// the decision returned.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var in domain.TradeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	eval, err := h.pipeline.Submit(ctx, tenantID, traceID, &in)
	if err != nil {
		if errors.Is(err, evaluator.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("evaluation failed",
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	writeJSON(w, http.StatusOK, eval.ToResponse())
}

// SubmitTrade handles POST /trades. The trade is queued for a worker and
// 202 returned with the trace ID to correlate the published decision.
func (h *Handler) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	var in domain.TradeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := evaluator.RequestFromInput(tenantID, "", traceID, &in).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := pipeline.Submission{TenantID: tenantID, TraceID: traceID, Trade: in}
	if err := pipeline.Enqueue(ctx, h.bus, sub); err != nil {
		slog.Error("failed to enqueue trade", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue trade")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"traceId": traceID,
	})
}

// SuggestResponse is returned by POST /suggest. Decision is set only when
// the suggestion was submitted for evaluation.
type SuggestResponse struct {
	Suggestion *advisor.Suggestion        `json:"suggestion"`
	Decision   *domain.EvaluationResponse `json:"decision,omitempty"`
}

// Suggest handles POST /suggest. With ?evaluate=true the suggested trade is
// also submitted through the pipeline like any other trade.
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	if h.advisor == nil {
		writeError(w, http.StatusServiceUnavailable, "trade suggestions not enabled")
		return
	}

	var req advisor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	s, err := h.advisor.Suggest(ctx, tenantID, &req)
	switch {
	case err == nil:
	case errors.Is(err, advisor.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, oracle.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "scoring oracle unavailable")
		return
	case errors.Is(err, advisor.ErrBadReply):
		writeError(w, http.StatusBadGateway, "oracle returned an unusable suggestion")
		return
	default:
		slog.Error("suggestion failed",
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "suggestion failed")
		return
	}

	resp := SuggestResponse{Suggestion: s}
	if r.URL.Query().Get("evaluate") == "true" {
		trade := s.Trade
		eval, err := h.pipeline.Submit(ctx, tenantID, traceID, &trade)
		if err != nil {
			slog.Error("suggested trade evaluation failed",
				"tenant_id", tenantID,
				"trace_id", traceID,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "evaluation failed")
			return
		}
		resp.Decision = eval.ToResponse()
	}

	writeJSON(w, http.StatusOK, resp)
}

// MarketCondition handles GET /market/{asset}.
func (h *Handler) MarketCondition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	asset := chi.URLParam(r, "asset")

	if h.guard == nil {
		writeError(w, http.StatusServiceUnavailable, "market guard not enabled")
		return
	}

	c, err := h.guard.Check(ctx, tenantID, asset)
	if err != nil {
		slog.Error("market check failed", "tenant_id", tenantID, "asset", asset, "error", err)
		writeError(w, http.StatusInternalServerError, "market check failed")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetTrade retrieves a stored trade by ID.
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	tradeID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	trade, err := h.repo.GetTrade(ctx, tenantID, tradeID)
	if err != nil {
		h.lookupFailed(w, "trade", tradeID, err)
		return
	}

	writeJSON(w, http.StatusOK, trade)
}

// GetDecision retrieves an evaluation by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	eval, err := h.repo.GetEvaluation(ctx, tenantID, evalID)
	if err != nil {
		h.lookupFailed(w, "evaluation", evalID, err)
		return
	}

	writeJSON(w, http.StatusOK, eval)
}

// ListAgentDecisions returns an agent's evaluations, newest first.
// ?since= takes an RFC 3339 timestamp or a Go duration such as 6h.
func (h *Handler) ListAgentDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	agentID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp or a duration")
		return
	}

	evals, err := h.repo.ListEvaluationsByAgent(ctx, tenantID, agentID, since)
	if err != nil {
		slog.Error("failed to list decisions", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agentId":   agentID,
		"since":     since.UTC(),
		"decisions": toResponses(evals),
		"count":     len(evals),
	})
}

// DefaultThresholds returns the thresholds used when the oracle is not
// consulted or fails.
func (h *Handler) DefaultThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.Evaluator().Defaults())
}

// ListRules returns the loaded review rules visible to the tenant.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.RulesFor(GetTenantID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule retrieves a review rule by ID. Stored rules win over loaded ones
// so a rule saved but not yet reloaded is still visible.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.repo != nil {
		rule, err := h.repo.GetReviewRule(ctx, tenantID, ruleID)
		if err == nil {
			writeJSON(w, http.StatusOK, rule)
			return
		}
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get rule", "id", ruleID, "error", err)
		}
	}

	for _, rule := range h.engine.RulesFor(tenantID) {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a review rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Reason      string `json:"reason"`
	Enabled     bool   `json:"enabled"`
}

// CreateRule validates a review rule and saves it for the tenant.
// Send X-Tenant-ID: * to create a rule that applies to every tenant.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}

	rule := &domain.ReviewRule{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if err := h.repo.SaveReviewRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save review rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("review rule saved", "tenant_id", tenantID, "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads the tenant's review rules from the database into the
// engine. Other tenants' rules are untouched.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	stored, err := h.repo.ListReviewRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadTenant(tenantID, stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("review rules reloaded", "tenant_id", tenantID, "count", len(stored))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(stored),
	})
}

// ListVerifications lists evaluations by verification status, oldest first.
// ?status= defaults to pending.
func (h *Handler) ListVerifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.gate == nil {
		writeError(w, http.StatusServiceUnavailable, "verification not available")
		return
	}

	status := domain.VerificationStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.VerificationPending
	}

	evals, err := h.gate.List(ctx, tenantID, status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"evaluations": toResponses(evals),
		"count":       len(evals),
	})
}

// ApproveVerification releases a pending evaluation.
func (h *Handler) ApproveVerification(w http.ResponseWriter, r *http.Request) {
	h.resolveVerification(w, r, domain.VerificationApproved)
}

// RejectVerification blocks a pending evaluation.
func (h *Handler) RejectVerification(w http.ResponseWriter, r *http.Request) {
	h.resolveVerification(w, r, domain.VerificationRejected)
}

func (h *Handler) resolveVerification(w http.ResponseWriter, r *http.Request, status domain.VerificationStatus) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	evalID := chi.URLParam(r, "id")

	if h.gate == nil {
		writeError(w, http.StatusServiceUnavailable, "verification not available")
		return
	}

	reviewer := r.Header.Get(ReviewerHeader)
	if reviewer == "" {
		reviewer = "api"
	}

	var (
		eval *domain.Evaluation
		err  error
	)
	if status == domain.VerificationApproved {
		eval, err = h.gate.Approve(ctx, tenantID, evalID, reviewer)
	} else {
		eval, err = h.gate.Reject(ctx, tenantID, evalID, reviewer)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, eval.ToResponse())
	case errors.Is(err, verification.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "evaluation not found")
	case errors.Is(err, repository.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("failed to resolve verification",
			"tenant_id", tenantID,
			"evaluation_id", evalID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "failed to resolve verification")
	}
}

func (h *Handler) lookupFailed(w http.ResponseWriter, kind, id string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	slog.Error("failed to get "+kind, "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to get "+kind)
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now.Add(-defaultDecisionWindow), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func toResponses(evals []*domain.Evaluation) []*domain.EvaluationResponse {
	out := make([]*domain.EvaluationResponse, len(evals))
	for i, e := range evals {
		out[i] = e.ToResponse()
	}
	return out
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
