package ai

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ModelRate is the USD price per 1K tokens for one model
type ModelRate struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// RateTable maps model names to prices. Lookups fall back to the longest known prefix,
// so dated snapshots such as gpt-4o-2024-08-06 resolve to gpt-4o.
type RateTable map[string]ModelRate

func modelRate(in, out string) ModelRate {
	return ModelRate{InputPer1K: decimal.RequireFromString(in), OutputPer1K: decimal.RequireFromString(out)}
}

// DefaultRateTable returns list prices at the time of writing
func DefaultRateTable() RateTable {
	return RateTable{
		"gpt-4o-mini":      modelRate("0.00015", "0.0006"),
		"gpt-4o":           modelRate("0.0025", "0.01"),
		"gpt-4.1-mini":     modelRate("0.0004", "0.0016"),
		"gpt-4.1":          modelRate("0.002", "0.008"),
		"gemini-2.0-flash": modelRate("0.0001", "0.0004"),
		"gemini-2.5-flash": modelRate("0.0003", "0.0025"),
		"gemini-2.5-pro":   modelRate("0.00125", "0.01"),
	}
}

// Lookup returns the rate for model
func (t RateTable) Lookup(model string) (ModelRate, bool) {
	if r, ok := t[model]; ok {
		return r, true
	}
	best := ""
	for name := range t {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelRate{}, false
	}
	return t[best], true
}

// Estimate converts token counts to USD. ok is false for unknown models, in which case cost is zero.
func (t RateTable) Estimate(model string, inputTokens, outputTokens int64) (cost decimal.Decimal, ok bool) {
	r, ok := t.Lookup(model)
	if !ok {
		return decimal.Zero, false
	}
	thousand := decimal.NewFromInt(1000)
	in := decimal.NewFromInt(inputTokens).Div(thousand).Mul(r.InputPer1K)
	out := decimal.NewFromInt(outputTokens).Div(thousand).Mul(r.OutputPer1K)
	return in.Add(out), true
}
