package persistence

import (
	"context"
	"strings"

	"github.com/basket/go-diary/internal/tokenutil"
)

// CostEstimate prices reprocessing one item before any call is made.
type CostEstimate struct {
	ItemID           string  `json:"item_id"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	KnownModel       bool    `json:"known_model"`
}

// EstimateItemCost approximates the prompt size of an item's text fields and
// prices it, plus completionTokens of output, against the store's price table.
// Nothing is written; the usage ledger only records calls that happened.
func (s *Store) EstimateItemCost(ctx context.Context, itemID, model string, completionTokens int) (CostEstimate, error) {
	if strings.TrimSpace(model) == "" {
		return CostEstimate{}, validationf("model", "required")
	}
	if completionTokens < 0 {
		return CostEstimate{}, validationf("completion_tokens", "must be non-negative")
	}
	it, err := s.GetItem(ctx, itemID)
	if err != nil {
		return CostEstimate{}, err
	}
	prompt := tokenutil.EstimateFields(it.Title, it.Subject, it.ContentText, it.SummaryText)
	_, known := s.prices.Lookup(model)
	return CostEstimate{
		ItemID:           it.ID,
		Model:            model,
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		CostUSD:          s.prices.Estimate(model, prompt, completionTokens),
		KnownModel:       known,
	}, nil
}
