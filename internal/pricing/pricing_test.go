package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownModel(t *testing.T) {
	p, ok := Lookup("openai", "gpt-4o-mini")
	require.True(t, ok)
	assert.True(t, p.InputPer1K.Equal(decimal.RequireFromString("0.00015")))
	assert.True(t, p.OutputPer1K.Equal(decimal.RequireFromString("0.0006")))
}

func TestLookupFallsBack(t *testing.T) {
	cases := []struct {
		provider, model string
	}{
		{"openai", "gpt-99"},
		{"anthropic", "claude-unreleased"},
		{"unknown", "unknown"},
		{"", ""},
	}
	for _, tc := range cases {
		p, ok := Lookup(tc.provider, tc.model)
		assert.False(t, ok, "provider=%s model=%s", tc.provider, tc.model)
		assert.True(t, p.InputPer1K.Equal(fallback.InputPer1K))
		assert.True(t, p.OutputPer1K.Equal(fallback.OutputPer1K))
	}
}

func TestEstimateCost(t *testing.T) {
	// 1000 in + 1000 out of gpt-4o is exactly one unit of each rate.
	cost := EstimateCost("openai", "gpt-4o", 1000, 1000)
	assert.True(t, cost.Equal(decimal.RequireFromString("0.02")), "got %s", cost)

	// Fractional thousands keep full precision.
	cost = EstimateCost("anthropic", "claude-3-5-haiku-20241022", 500, 250)
	want := decimal.RequireFromString("0.0014")
	assert.True(t, cost.Equal(want), "got %s want %s", cost, want)
}

func TestEstimateCostZeroTokens(t *testing.T) {
	cost := EstimateCost("openai", "gpt-4o", 0, 0)
	assert.True(t, cost.IsZero())
}

func TestEstimateCostUnknownUsesFallback(t *testing.T) {
	cost := EstimateCost("unknown", "unknown", 1000, 1000)
	assert.True(t, cost.Equal(decimal.RequireFromString("0.02")), "got %s", cost)
}
