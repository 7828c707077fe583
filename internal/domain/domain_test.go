package domain

import (
	"encoding/json"
	"math"
	"testing"
)

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AnomalyThresholds)
		wantErr bool
	}{
		{"Defaults", func(*AnomalyThresholds) {}, false},
		{"ZeroAmount", func(th *AnomalyThresholds) { th.TradeAmount = 0 }, true},
		{"InfiniteAmount", func(th *AnomalyThresholds) { th.TradeAmount = math.Inf(1) }, true},
		{"NaNDeviation", func(th *AnomalyThresholds) { th.PriceDeviation = math.NaN() }, true},
		{"DeviationAboveOne", func(th *AnomalyThresholds) { th.PriceDeviation = 1.5 }, true},
		{"DeviationZero", func(th *AnomalyThresholds) { th.PriceDeviation = 0 }, false},
		{"NegativeFrequency", func(th *AnomalyThresholds) { th.TradeFrequency = -1 }, true},
		{"ZeroFrequency", func(th *AnomalyThresholds) { th.TradeFrequency = 0 }, false},
		{"VolatilityOne", func(th *AnomalyThresholds) { th.VolatilityThreshold = 1 }, false},
		{"NegativeVolatility", func(th *AnomalyThresholds) { th.VolatilityThreshold = -0.1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)
			err := th.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestReasoningUnmarshal(t *testing.T) {
	t.Run("Object", func(t *testing.T) {
		var r Reasoning
		if err := json.Unmarshal([]byte(`{"reason":"momentum"}`), &r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Reason != "momentum" {
			t.Errorf("expected 'momentum', got %q", r.Reason)
		}
	})

	t.Run("BareString", func(t *testing.T) {
		var in TradeInput
		body := `{"agent_id":"a1","trade_details":{"asset":"ETH"},"user_reasoning":"dip buy"}`
		if err := json.Unmarshal([]byte(body), &in); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if in.UserReasoning.Reason != "dip buy" {
			t.Errorf("expected 'dip buy', got %q", in.UserReasoning.Reason)
		}
		if in.UserHistory != nil || in.MarketData != nil {
			t.Error("expected omitted snapshots to stay nil")
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		var r Reasoning
		if err := json.Unmarshal([]byte(`42`), &r); err == nil {
			t.Error("expected error for numeric reasoning")
		}
	})
}

func TestDecisionToAttestation(t *testing.T) {
	d := DecisionRecord{AgentID: "agent-7", ReputationScore: 81, IsAnomaly: true}
	att := d.ToAttestation()

	data, err := json.Marshal(att)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"agent_id":"agent-7","reputation":81,"outlier":true}`
	if string(data) != expected {
		t.Errorf("expected %s, got %s", expected, data)
	}
}

func TestNeedsVerification(t *testing.T) {
	e := &Evaluation{}
	if e.NeedsVerification() {
		t.Error("clean evaluation should not need verification")
	}

	e.ReviewReasons = []string{"large order on thin book"}
	if !e.NeedsVerification() {
		t.Error("review reasons should require verification")
	}

	e = &Evaluation{Decision: DecisionRecord{IsAnomaly: true}}
	if !e.NeedsVerification() {
		t.Error("anomaly should require verification")
	}
}

func TestPriceRangeVolatility(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   float64
	}{
		{"Empty", nil, 0},
		{"Single", []float64{100}, 0},
		{"Flat", []float64{100, 100, 100}, 0},
		{"Range", []float64{80, 100, 90}, 0.2},
		{"IgnoresNonPositive", []float64{0, -5, 50, 100}, 0.5},
		{"OnlyOnePositive", []float64{0, 100}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r PriceRange
			for _, p := range tt.prices {
				r = r.Include(p)
			}
			if got := r.Volatility(); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("volatility of %v = %v, want %v", tt.prices, got, tt.want)
			}
		})
	}

	t.Run("IncludeKeepsBounds", func(t *testing.T) {
		r := PriceRange{}.Include(100).Include(80).Include(90).Include(0)
		if r.Low != 80 || r.High != 100 {
			t.Errorf("unexpected range %+v", r)
		}
	})
}
