package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Evaluations.WithLabelValues("anomaly").Inc()
	m.OracleFallbacks.WithLabelValues("reputation").Add(2)
	m.MarketHalts.WithLabelValues("loss_ratio").Inc()
	m.Suggestions.WithLabelValues("ok").Inc()
	m.Suggestions.WithLabelValues("capped").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				values[f.GetName()] += c.GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["harrier_evaluations_total"])
	assert.Equal(t, 2.0, values["harrier_oracle_fallbacks_total"])
	assert.Equal(t, 1.0, values["harrier_market_halts_total"])
	assert.Equal(t, 2.0, values["harrier_suggestions_total"])
}

func TestNewTwiceOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
