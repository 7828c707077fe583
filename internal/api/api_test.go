package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/harrier/internal/advisor"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/evaluator"
	"github.com/opensource-finance/harrier/internal/market"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/oracle"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/snapshot"
	"github.com/opensource-finance/harrier/internal/verification"
)

const testTenant = "tenant-001"

type testEnv struct {
	server *Server
	repo   domain.Repository
	bus    *bus.ChannelBus
}

const suggestionReply = `{"persona_analysis":"momentum trader","most_traded_token":"BTC","most_used_protocol":"Uniswap","market_data":{"price":60000,"sentiment":"bullish","volatility":0.2},"trade_details":{"asset":"BTC","amount":1,"market_price":60000,"trade_price":60000},"user_reasoning":"breakout"}`

// createTestServer wires a full community-tier stack around a scripted oracle
// that caps trade_amount at 100000, always scores 82 and suggests one BTC.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	t.Cleanup(func() { lru.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine(5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	o := oracle.Func(func(ctx context.Context, system, prompt string) (string, error) {
		if strings.Contains(prompt, "trade suggestion") {
			return suggestionReply, nil
		}
		if strings.Contains(prompt, "set thresholds") {
			return `{"trade_amount": 100000, "price_deviation": 0.2, "trade_frequency": 100, "volatility_threshold": 0.5}`, nil
		}
		return "82", nil
	})

	m := metrics.New(prometheus.NewRegistry())
	ev := evaluator.New(o, evaluator.Config{
		Defaults:         domain.DefaultThresholds(),
		DeriveThresholds: true,
		FallbackScore:    evaluator.DefaultFallbackScore,
		OracleTimeout:    time.Second,
	}, evaluator.WithMetrics(m), evaluator.WithReviewer(engine))

	gate := verification.NewGate(repo, eventBus, true, verification.WithMetrics(m))
	p := pipeline.New(ev,
		pipeline.WithRepository(repo),
		pipeline.WithBus(eventBus),
		pipeline.WithSnapshots(snapshot.NewService(repo, lru, time.Hour, time.Minute)),
		pipeline.WithGate(gate),
	)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	defaults := domain.DefaultConfig()
	handler := NewHandler(p, repo, lru, eventBus, engine, gate, "test-v1",
		WithAdvisor(advisor.New(o, repo, defaults.Advisor, time.Second, m)),
		WithMarketGuard(market.NewGuard(repo, defaults.MarketGuard, m)),
	)

	return &testEnv{
		server: NewServer(cfg, "/metrics", handler),
		repo:   repo,
		bus:    eventBus,
	}
}

func (e *testEnv) do(t *testing.T, method, path, tenantID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func calmTrade(agentID string) domain.TradeInput {
	return domain.TradeInput{
		AgentID:       agentID,
		TradeDetails:  domain.TradeDetails{Asset: "ETH", Amount: 500, MarketPrice: 2000, TradePrice: 2010},
		UserReasoning: domain.Reasoning{Reason: "rebalancing"},
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("SuccessfulEvaluation", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", testTenant, calmTrade("agent-001"))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.EvaluationResponse
		decode(t, rr, &resp)

		if resp.EvaluationID == "" {
			t.Error("expected evaluationId in response")
		}
		if resp.TradeID == "" {
			t.Error("expected tradeId in response")
		}
		if resp.AgentID != "agent-001" {
			t.Errorf("expected agent_id agent-001, got %s", resp.AgentID)
		}
		if resp.ReputationScore != 82 {
			t.Errorf("expected reputation_score 82, got %d", resp.ReputationScore)
		}
		if resp.IsAnomaly {
			t.Error("expected calm trade not to be an anomaly")
		}
		if resp.Verification != domain.VerificationNotRequired {
			t.Errorf("expected verification not_required, got %s", resp.Verification)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
	})

	t.Run("DecisionRecordKeys", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", testTenant, calmTrade("agent-keys"))

		var raw map[string]interface{}
		decode(t, rr, &raw)
		for _, key := range []string{"agent_id", "reputation_score", "is_anomaly"} {
			if _, ok := raw[key]; !ok {
				t.Errorf("expected key %q in response", key)
			}
		}
	})

	t.Run("BareStringReasoning", func(t *testing.T) {
		body := `{"agent_id":"agent-str","trade_details":{"asset":"ETH","amount":10,"market_price":100,"trade_price":100},"user_reasoning":"just because"}`
		rr := env.do(t, http.MethodPost, "/evaluate", testTenant, body)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("OversizedTradeIsAnomalous", func(t *testing.T) {
		trade := calmTrade("agent-whale")
		trade.TradeDetails.Amount = 500000

		rr := env.do(t, http.MethodPost, "/evaluate", testTenant, trade)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.EvaluationResponse
		decode(t, rr, &resp)
		if !resp.IsAnomaly {
			t.Error("expected anomaly")
		}
		if resp.TriggeredCheck != domain.CheckTradeAmount {
			t.Errorf("expected triggered check trade_amount, got %s", resp.TriggeredCheck)
		}
		if resp.Verification != domain.VerificationPending {
			t.Errorf("expected verification pending, got %s", resp.Verification)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", "", "{}")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ReservedTenantID", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", "_global", calmTrade("agent-001"))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", testTenant, "not-json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingAgentID", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", testTenant, calmTrade(""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		trade := calmTrade("agent-001")
		trade.TradeDetails.Amount = -1
		rr := env.do(t, http.MethodPost, "/evaluate", testTenant, trade)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MalformedTradeDetails", func(t *testing.T) {
		cases := map[string]func(*domain.TradeInput){
			"MissingTradeDetails": func(in *domain.TradeInput) { in.TradeDetails = domain.TradeDetails{} },
			"MissingAsset":        func(in *domain.TradeInput) { in.TradeDetails.Asset = "" },
			"ZeroTradePrice":      func(in *domain.TradeInput) { in.TradeDetails.TradePrice = 0 },
		}
		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				trade := calmTrade("agent-001")
				mutate(&trade)
				rr := env.do(t, http.MethodPost, "/evaluate", testTenant, trade)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d", rr.Code)
				}
			})
		}
	})

	t.Run("ZeroMarketPriceAccepted", func(t *testing.T) {
		trade := calmTrade("agent-001")
		trade.TradeDetails.MarketPrice = 0
		rr := env.do(t, http.MethodPost, "/evaluate", testTenant, trade)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/evaluate", testTenant, calmTrade("agent-001"))

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestDecisionEndpoints(t *testing.T) {
	env := createTestServer(t)

	var first domain.EvaluationResponse
	decode(t, env.do(t, http.MethodPost, "/evaluate", testTenant, calmTrade("agent-007")), &first)
	env.do(t, http.MethodPost, "/evaluate", testTenant, calmTrade("agent-007"))

	t.Run("GetDecision", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/decisions/"+first.EvaluationID, testTenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var eval domain.Evaluation
		decode(t, rr, &eval)
		if eval.ID != first.EvaluationID {
			t.Errorf("expected evaluation %s, got %s", first.EvaluationID, eval.ID)
		}
		if len(eval.Checks) != 4 {
			t.Errorf("expected 4 checks, got %d", len(eval.Checks))
		}
	})

	t.Run("DecisionIsTenantScoped", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/decisions/"+first.EvaluationID, "tenant-other", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("GetTrade", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/trades/"+first.TradeID, testTenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var trade domain.Trade
		decode(t, rr, &trade)
		if trade.Reason != "rebalancing" {
			t.Errorf("expected reason rebalancing, got %q", trade.Reason)
		}
	})

	t.Run("UnknownTrade", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/trades/nope", testTenant, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListAgentDecisions", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/agents/agent-007/decisions?since=1h", testTenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Decisions []domain.EvaluationResponse `json:"decisions"`
			Count     int                         `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 || len(resp.Decisions) != 2 {
			t.Errorf("expected 2 decisions, got %d", resp.Count)
		}
	})

	t.Run("ListAgentDecisionsSinceFuture", func(t *testing.T) {
		future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		rr := env.do(t, http.MethodGet, "/agents/agent-007/decisions?since="+future, testTenant, nil)

		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 0 {
			t.Errorf("expected 0 decisions, got %d", resp.Count)
		}
	})

	t.Run("InvalidSince", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/agents/agent-007/decisions?since=yesterday", testTenant, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("DefaultThresholds", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/thresholds/default", testTenant, nil)

		var th domain.AnomalyThresholds
		decode(t, rr, &th)
		if th != domain.DefaultThresholds() {
			t.Errorf("expected default thresholds, got %+v", th)
		}
	})
}

func TestSubmitTradeEndpoint(t *testing.T) {
	env := createTestServer(t)

	received := make(chan *domain.Message, 1)
	env.bus.Subscribe(context.Background(), testTenant, domain.TopicTradeSubmitted, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})

	t.Run("Accepted", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/trades", testTenant, calmTrade("agent-async"))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]string
		decode(t, rr, &resp)
		if resp["traceId"] == "" {
			t.Error("expected traceId in response")
		}

		select {
		case msg := <-received:
			var sub pipeline.Submission
			if err := bus.Decode(msg, &sub); err != nil {
				t.Fatalf("failed to decode submission: %v", err)
			}
			if sub.TenantID != testTenant || sub.Trade.AgentID != "agent-async" {
				t.Errorf("unexpected submission: %+v", sub)
			}
			if sub.TraceID != resp["traceId"] {
				t.Errorf("expected trace %s, got %s", resp["traceId"], sub.TraceID)
			}
		case <-time.After(time.Second):
			t.Fatal("expected submission to be published")
		}
	})

	t.Run("InvalidTradeNotQueued", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/trades", testTenant, calmTrade(""))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestReviewRuleEndpoints(t *testing.T) {
	env := createTestServer(t)

	rule := CreateRuleRequest{
		ID:         "meme-asset",
		Name:       "Meme asset",
		Expression: "asset == 'DOGE'",
		Reason:     "meme asset traded",
		Enabled:    true,
	}

	t.Run("InvalidExpression", func(t *testing.T) {
		bad := rule
		bad.Expression = "asset =="
		rr := env.do(t, http.MethodPost, "/rules", testTenant, bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NonBoolExpression", func(t *testing.T) {
		bad := rule
		bad.Expression = "amount * 2.0"
		rr := env.do(t, http.MethodPost, "/rules", testTenant, bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateThenReload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", testTenant, rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = env.do(t, http.MethodGet, "/rules/meme-asset", testTenant, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected saved rule to be readable, got %d", rr.Code)
		}

		var list struct {
			Count int `json:"count"`
		}
		decode(t, env.do(t, http.MethodGet, "/rules", testTenant, nil), &list)
		if list.Count != 0 {
			t.Errorf("expected no loaded rules before reload, got %d", list.Count)
		}

		rr = env.do(t, http.MethodPost, "/rules/reload", testTenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		decode(t, env.do(t, http.MethodGet, "/rules", testTenant, nil), &list)
		if list.Count != 1 {
			t.Errorf("expected 1 loaded rule after reload, got %d", list.Count)
		}
	})

	t.Run("RuleRoutesToVerification", func(t *testing.T) {
		trade := calmTrade("agent-doge")
		trade.TradeDetails.Asset = "DOGE"

		var resp domain.EvaluationResponse
		decode(t, env.do(t, http.MethodPost, "/evaluate", testTenant, trade), &resp)

		if resp.IsAnomaly {
			t.Error("review rules must not flag an anomaly")
		}
		if len(resp.ReviewReasons) != 1 || resp.ReviewReasons[0] != "meme asset traded" {
			t.Errorf("unexpected review reasons: %v", resp.ReviewReasons)
		}
		if resp.Verification != domain.VerificationPending {
			t.Errorf("expected verification pending, got %s", resp.Verification)
		}
	})

	t.Run("OtherTenantUnaffected", func(t *testing.T) {
		trade := calmTrade("agent-doge")
		trade.TradeDetails.Asset = "DOGE"

		var resp domain.EvaluationResponse
		decode(t, env.do(t, http.MethodPost, "/evaluate", "tenant-other", trade), &resp)
		if len(resp.ReviewReasons) != 0 {
			t.Errorf("expected no review reasons for another tenant, got %v", resp.ReviewReasons)
		}
	})

	t.Run("UnknownRule", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules/nope", testTenant, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestVerificationEndpoints(t *testing.T) {
	env := createTestServer(t)

	whale := calmTrade("agent-whale")
	whale.TradeDetails.Amount = 500000

	var flagged, calm domain.EvaluationResponse
	decode(t, env.do(t, http.MethodPost, "/evaluate", testTenant, whale), &flagged)
	decode(t, env.do(t, http.MethodPost, "/evaluate", testTenant, calmTrade("agent-calm")), &calm)

	t.Run("ListPending", func(t *testing.T) {
		var resp struct {
			Evaluations []domain.EvaluationResponse `json:"evaluations"`
			Count       int                         `json:"count"`
		}
		decode(t, env.do(t, http.MethodGet, "/verifications", testTenant, nil), &resp)

		if resp.Count != 1 || resp.Evaluations[0].EvaluationID != flagged.EvaluationID {
			t.Errorf("expected only the flagged evaluation pending, got %+v", resp.Evaluations)
		}
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/verifications?status=maybe", testTenant, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NotPendingConflict", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/verifications/"+calm.EvaluationID+"/approve", testTenant, nil)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("UnknownEvaluation", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/verifications/nope/reject", testTenant, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Approve", func(t *testing.T) {
		resolved := make(chan verification.Resolution, 1)
		env.bus.Subscribe(context.Background(), testTenant, domain.TopicVerificationResolved, func(ctx context.Context, msg *domain.Message) error {
			var res verification.Resolution
			if err := bus.Decode(msg, &res); err == nil {
				resolved <- res
			}
			return nil
		})

		req := httptest.NewRequest(http.MethodPost, "/verifications/"+flagged.EvaluationID+"/approve", nil)
		req.Header.Set(TenantIDHeader, testTenant)
		req.Header.Set(ReviewerHeader, "alice")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp domain.EvaluationResponse
		decode(t, rr, &resp)
		if resp.Verification != domain.VerificationApproved {
			t.Errorf("expected approved, got %s", resp.Verification)
		}
		if resp.Reviewer != "alice" || resp.ResolvedAt == nil {
			t.Errorf("expected reviewer alice with a resolution time, got %q at %v", resp.Reviewer, resp.ResolvedAt)
		}

		select {
		case res := <-resolved:
			if res.Reviewer != "alice" || res.Status != domain.VerificationApproved {
				t.Errorf("unexpected resolution: %+v", res)
			}
		case <-time.After(time.Second):
			t.Fatal("expected resolution to be published")
		}

		rr = env.do(t, http.MethodPost, "/verifications/"+flagged.EvaluationID+"/reject", testTenant, nil)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected second resolution to conflict, got %d", rr.Code)
		}
	})
}

// bareServer serves a handler with no pipeline or storage.
func bareServer(opts ...HandlerOption) *testEnv {
	handler := NewHandler(nil, nil, nil, nil, nil, nil, "test-v1", opts...)
	return &testEnv{server: NewServer(domain.ServerConfig{}, "", handler)}
}

func TestSuggestEndpoint(t *testing.T) {
	env := createTestServer(t)
	persona := map[string]interface{}{
		"agent_id":     "agent-advised",
		"user_persona": []string{"momentum trader"},
		"price_feed":   map[string]float64{"BTC": 60000},
	}

	t.Run("CappedSuggestion", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/suggest", testTenant, persona)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp SuggestResponse
		decode(t, rr, &resp)
		if resp.Suggestion == nil {
			t.Fatal("expected a suggestion")
		}
		if resp.Suggestion.Trade.AgentID != "agent-advised" {
			t.Errorf("expected agent-advised, got %s", resp.Suggestion.Trade.AgentID)
		}
		if !resp.Suggestion.Capped {
			t.Error("expected a 60000 USD suggestion to be capped")
		}
		if got := resp.Suggestion.Trade.TradeDetails.Amount; got != 0.025 {
			t.Errorf("expected amount 0.025, got %v", got)
		}
		if resp.Decision != nil {
			t.Error("expected no decision without ?evaluate=true")
		}
	})

	t.Run("EvaluateSuggestion", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/suggest?evaluate=true", testTenant, persona)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp SuggestResponse
		decode(t, rr, &resp)
		if resp.Decision == nil {
			t.Fatal("expected a decision")
		}
		if resp.Decision.AgentID != "agent-advised" {
			t.Errorf("expected agent-advised, got %s", resp.Decision.AgentID)
		}

		var trade domain.Trade
		decode(t, env.do(t, http.MethodGet, "/trades/"+resp.Decision.TradeID, testTenant, nil), &trade)
		if trade.Asset != "BTC" || trade.Amount != 0.025 {
			t.Errorf("expected stored BTC trade of 0.025, got %s %v", trade.Asset, trade.Amount)
		}
	})

	t.Run("MissingPersona", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/suggest", testTenant, map[string]string{"agent_id": "agent-advised"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/suggest", testTenant, "{")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	cfg := domain.DefaultConfig().Advisor
	m := metrics.New(prometheus.NewRegistry())
	unusable := oracle.Func(func(ctx context.Context, system, prompt string) (string, error) {
		return "buy the dip", nil
	})

	statuses := []struct {
		name string
		env  *testEnv
		want int
	}{
		{"NotEnabled", bareServer(), http.StatusServiceUnavailable},
		{"OracleUnavailable", bareServer(WithAdvisor(advisor.New(oracle.Unavailable{}, nil, cfg, 0, m))), http.StatusServiceUnavailable},
		{"UnusableReply", bareServer(WithAdvisor(advisor.New(unusable, nil, cfg, 0, m))), http.StatusBadGateway},
	}
	for _, tt := range statuses {
		t.Run(tt.name, func(t *testing.T) {
			rr := tt.env.do(t, http.MethodPost, "/suggest", testTenant, persona)
			if rr.Code != tt.want {
				t.Errorf("expected status %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestMarketEndpoint(t *testing.T) {
	env := createTestServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		err := env.repo.SaveTrade(ctx, testTenant, &domain.Trade{
			ID:          "sol-" + string(rune('a'+i)),
			AgentID:     "agent-sol",
			Asset:       "SOL",
			Amount:      10,
			MarketPrice: 150,
			TradePrice:  149,
			Timestamp:   now.Add(-time.Duration(i) * time.Hour),
			CreatedAt:   now,
		})
		if err != nil {
			t.Fatalf("failed to save trade: %v", err)
		}
	}

	t.Run("Halted", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/market/SOL", testTenant, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var c market.Condition
		decode(t, rr, &c)
		if !c.Halted {
			t.Error("expected SOL to be halted")
		}
		if len(c.Exceeded) != 1 || c.Exceeded[0] != market.LimitLossRatio {
			t.Errorf("expected loss_ratio exceeded, got %v", c.Exceeded)
		}
		if c.WeekTrades != 5 {
			t.Errorf("expected 5 week trades, got %d", c.WeekTrades)
		}
	})

	t.Run("OtherTenantCalm", func(t *testing.T) {
		var c market.Condition
		decode(t, env.do(t, http.MethodGet, "/market/SOL", "tenant-other", nil), &c)
		if c.Halted || c.WeekTrades != 0 {
			t.Errorf("expected an empty condition for another tenant, got %+v", c)
		}
	})

	t.Run("NotEnabled", func(t *testing.T) {
		rr := bareServer().do(t, http.MethodGet, "/market/SOL", testTenant, nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		decode(t, rr, &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("DegradedWhenRepositoryClosed", func(t *testing.T) {
		degraded := createTestServer(t)
		degraded.repo.Close()

		var resp map[string]string
		decode(t, degraded.do(t, http.MethodGet, "/health", "", nil), &resp)
		if resp["status"] != "degraded" {
			t.Errorf("expected status 'degraded', got '%s'", resp["status"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics", "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TenantIDHeader, "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TenantIDValidation", func(t *testing.T) {
		cases := map[string]bool{
			"acme":                  true,
			"acme.eu-1":             true,
			"*":                     true,
			"_global":               false,
			"tenant with spaces":    false,
			strings.Repeat("x", 65): false,
		}
		for id, want := range cases {
			if got := validTenantID(id); got != want {
				t.Errorf("validTenantID(%q) = %v, want %v", id, got, want)
			}
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("TracingMiddlewareKeepsCallerTraceID", func(t *testing.T) {
		var captured string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetTraceID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TraceIDHeader, "caller-trace")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if captured != "caller-trace" {
			t.Errorf("expected trace ID 'caller-trace', got '%s'", captured)
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("", now)
	if err != nil || !got.Equal(now.Add(-defaultDecisionWindow)) {
		t.Errorf("empty since: got %v, %v", got, err)
	}

	got, err = parseSince("90m", now)
	if err != nil || !got.Equal(now.Add(-90*time.Minute)) {
		t.Errorf("duration since: got %v, %v", got, err)
	}

	got, err = parseSince("2025-05-31T00:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp since: got %v, %v", got, err)
	}

	if _, err := parseSince("soon", now); err == nil {
		t.Error("expected error for unparseable since")
	}
}
