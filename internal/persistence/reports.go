package persistence

import (
	"context"
	"fmt"
	"time"
)

// CostRow is one bucket of a cost report.
type CostRow struct {
	Key              string  `json:"key"`
	Calls            int     `json:"calls"`
	Failures         int     `json:"failures"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// CostTotals sums every bucket of a report.
func CostTotals(rows []CostRow) CostRow {
	total := CostRow{Key: "total"}
	for _, r := range rows {
		total.Calls += r.Calls
		total.Failures += r.Failures
		total.PromptTokens += r.PromptTokens
		total.CompletionTokens += r.CompletionTokens
		total.TotalTokens += r.TotalTokens
		total.CostUSD += r.CostUSD
	}
	return total
}

// CostReport aggregates usage in [from, to) by operation, model or UTC day.
// Aggregates are computed from the ledger on every call.
func (s *Store) CostReport(ctx context.Context, from, to time.Time, groupBy CostGrouping) ([]CostRow, error) {
	groupBy, err := ParseCostGrouping(string(groupBy))
	if err != nil {
		return nil, err
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, validationf("range", "from must be before to")
	}
	var key string
	switch groupBy {
	case GroupByModel:
		key = "model"
	case GroupByDay:
		key = "substr(created_at, 1, 10)"
	default:
		key = "operation"
	}
	where, args := timeRange("created_at", from, to)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+key+` AS bucket, COUNT(*), SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END),
			SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens), SUM(cost_usd)
		FROM usage_records WHERE `+where+`
		GROUP BY bucket ORDER BY bucket;`, args...)
	if err != nil {
		return nil, fmt.Errorf("cost report: %w", err)
	}
	defer rows.Close()
	var out []CostRow
	for rows.Next() {
		var r CostRow
		if err := rows.Scan(&r.Key, &r.Calls, &r.Failures, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.CostUSD); err != nil {
			return nil, fmt.Errorf("scan cost row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
