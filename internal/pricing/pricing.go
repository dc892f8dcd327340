// Package pricing holds the static per-model price table used for cost
// estimation. Rates are USD per 1000 tokens. The table is a snapshot of
// published list prices, not a billing source of truth.
package pricing

import (
	"github.com/shopspring/decimal"
)

type Price struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

func per1k(input, output string) Price {
	return Price{
		InputPer1K:  decimal.RequireFromString(input),
		OutputPer1K: decimal.RequireFromString(output),
	}
}

var table = map[string]map[string]Price{
	"openai": {
		"gpt-4o":        per1k("0.005", "0.015"),
		"gpt-4o-mini":   per1k("0.00015", "0.0006"),
		"gpt-4":         per1k("0.03", "0.06"),
		"gpt-3.5-turbo": per1k("0.0005", "0.0015"),
	},
	"anthropic": {
		"claude-3-5-sonnet-20241022": per1k("0.003", "0.015"),
		"claude-3-5-haiku-20241022":  per1k("0.0008", "0.004"),
		"claude-3-opus-20240229":     per1k("0.015", "0.075"),
		"claude-3-sonnet-20240229":   per1k("0.003", "0.015"),
		"claude-3-haiku-20240307":    per1k("0.00025", "0.00125"),
	},
}

// fallback is applied to any (provider, model) pair missing from the table,
// including provider "unknown". It deliberately overestimates cheap models.
var fallback = per1k("0.005", "0.015")

// Lookup returns the price row for (provider, model) and whether it came
// from the table rather than the fallback.
func Lookup(provider, model string) (Price, bool) {
	if models, ok := table[provider]; ok {
		if p, ok := models[model]; ok {
			return p, true
		}
	}
	return fallback, false
}

var thousand = decimal.NewFromInt(1000)

// EstimateCost computes (inputTokens/1000)*price_in + (outputTokens/1000)*price_out.
func EstimateCost(provider, model string, inputTokens, outputTokens int) decimal.Decimal {
	p, _ := Lookup(provider, model)
	in := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(p.InputPer1K)
	out := decimal.NewFromInt(int64(outputTokens)).Div(thousand).Mul(p.OutputPer1K)
	return in.Add(out)
}
