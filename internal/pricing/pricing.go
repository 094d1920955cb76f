// Package pricing estimates the USD cost of AI-assisted calls from token counts.
package pricing

import (
	"maps"
	"strings"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64 `yaml:"prompt_per_1m" json:"prompt_per_1m"`
	CompletionPer1M float64 `yaml:"completion_per_1m" json:"completion_per_1m"`
}

// Known model pricing. Config may add or override entries.
var knownModels = map[string]ModelPricing{
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4.1":           {2.00, 8.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"gpt-4.1-nano":      {0.10, 0.40},
	"gemini-1.5-pro":    {1.25, 5.00},
	"gemini-2.5-flash":  {0.075, 0.30},
	"claude-sonnet-4-5": {3.00, 15.00},
}

// Table is a lookup of model prices. The zero value prices everything at 0.
type Table struct {
	models map[string]ModelPricing
}

// Default returns a table of the built-in prices.
func Default() *Table {
	return &Table{models: maps.Clone(knownModels)}
}

// WithOverrides returns a copy of t with extra entries layered on top.
func (t *Table) WithOverrides(overrides map[string]ModelPricing) *Table {
	out := &Table{models: make(map[string]ModelPricing, len(t.models)+len(overrides))}
	maps.Copy(out.models, t.models)
	for name, p := range overrides {
		out.models[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return out
}

// Lookup finds the price of model. Dated snapshots such as
// "gpt-4o-mini-2024-07-18" fall back to the longest known prefix.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	if t == nil {
		return ModelPricing{}, false
	}
	model = strings.ToLower(strings.TrimSpace(model))
	if p, ok := t.models[model]; ok {
		return p, true
	}
	best := ""
	for name := range t.models {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return t.models[best], true
}

// Estimate returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models.
func (t *Table) Estimate(model string, promptTokens, completionTokens int) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// EstimateCost prices tokens against the built-in table.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	return (&Table{models: knownModels}).Estimate(model, promptTokens, completionTokens)
}
