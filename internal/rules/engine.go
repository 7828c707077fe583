// Package rules provides the CEL-Go based review rule engine.
//
// Review rules are operator-defined boolean expressions that route a trade to
// human verification. They never change the anomaly classification.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/harrier/internal/domain"
)

// GlobalTenant owns review rules that apply to every tenant.
const GlobalTenant = "*"

// Engine is the CEL-based review rule engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.ReviewRule
	Program cel.Program
}

// Facts are the values a review rule can reference.
type Facts struct {
	AgentID         string
	Asset           string
	Amount          float64
	MarketPrice     float64
	TradePrice      float64
	PriceDeviation  float64
	TradeFrequency  int
	Volatility      float64
	ReputationScore int
	IsAnomaly       bool
}

// NewEngine creates a new review rule engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("asset", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("market_price", cel.DoubleType),
		cel.Variable("trade_price", cel.DoubleType),
		cel.Variable("price_deviation", cel.DoubleType),
		cel.Variable("trade_frequency", cel.IntType),
		cel.Variable("volatility", cel.DoubleType),
		cel.Variable("reputation_score", cel.IntType),
		cel.Variable("is_anomaly", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.ReviewRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// Review evaluates every rule visible to the tenant in parallel.
// Rules owned by GlobalTenant, or with an empty TenantID, apply to all tenants.
// Results are ordered by rule ID.
func (e *Engine) Review(ctx context.Context, tenantID string, facts Facts) []domain.RuleResult {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		if visible(rule.Config, tenantID) {
			rules = append(rules, rule)
		}
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i].Config, rules[j].Config
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.TenantID < b.TenantID
	})

	activation := facts.activation()

	results := make([]domain.RuleResult, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = evaluateRule(ctx, r, activation)
		}(i, rule)
	}

	wg.Wait()

	return results
}

func (f Facts) activation() map[string]any {
	return map[string]any{
		"agent_id":         f.AgentID,
		"asset":            f.Asset,
		"amount":           f.Amount,
		"market_price":     f.MarketPrice,
		"trade_price":      f.TradePrice,
		"price_deviation":  f.PriceDeviation,
		"trade_frequency":  int64(f.TradeFrequency),
		"volatility":       f.Volatility,
		"reputation_score": int64(f.ReputationScore),
		"is_anomaly":       f.IsAnomaly,
	}
}

// evaluateRule evaluates a single rule and returns the result.
func evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{RuleID: rule.Config.ID}

	out, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	if b, ok := out.(types.Bool); ok && bool(b) {
		result.Triggered = true
		result.Reason = rule.Config.Reason
		if result.Reason == "" {
			result.Reason = rule.Config.Name
		}
	}
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
}

// Reasons extracts the reasons of triggered results.
func Reasons(results []domain.RuleResult) []string {
	var reasons []string
	for _, r := range results {
		if r.Triggered && r.Reason != "" {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadTenant replaces the rules owned by tenantID and leaves every other
// tenant's rules untouched. On a compile error nothing changes.
func (e *Engine) ReloadTenant(tenantID string, configs []*domain.ReviewRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if cfg.TenantID != tenantID {
			return fmt.Errorf("rule %s belongs to tenant %q, not %q", cfg.ID, cfg.TenantID, tenantID)
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		fresh[ruleKey(cfg)] = compiled
	}

	for key, compiled := range e.compiledRules {
		if compiled.Config.TenantID == tenantID {
			delete(e.compiledRules, key)
		}
	}
	for key, compiled := range fresh {
		e.compiledRules[key] = compiled
	}

	return nil
}

// RulesFor returns the loaded rules visible to tenantID, ordered by ID.
func (e *Engine) RulesFor(tenantID string) []*domain.ReviewRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var rules []*domain.ReviewRule
	for _, compiled := range e.compiledRules {
		if visible(compiled.Config, tenantID) {
			rules = append(rules, compiled.Config)
		}
	}
	sortRules(rules)
	return rules
}

func visible(cfg *domain.ReviewRule, tenantID string) bool {
	return cfg.TenantID == "" || cfg.TenantID == GlobalTenant || cfg.TenantID == tenantID
}

func ruleKey(cfg *domain.ReviewRule) string {
	return cfg.TenantID + "/" + cfg.ID
}

func sortRules(rules []*domain.ReviewRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].ID != rules[j].ID {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].TenantID < rules[j].TenantID
	})
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.ReviewRule) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
